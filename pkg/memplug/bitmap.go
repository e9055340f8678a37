// Copyright The Memplug Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memplug

// bitmap is a growing bitmap of plugged subblocks. Bit i*perBlock+j is
// set if subblock j of the i'th tracked memory block is plugged.
//
// Mutations are serialized by the device hotplug lock, like the state
// table.
type bitmap struct {
	bits []uint64
}

func (b *bitmap) index(bit int) (int, uint64) {
	return bit / 64, uint64(1) << (bit % 64)
}

// grow extends the bitmap to hold at least n bits.
func (b *bitmap) grow(n int) {
	words := (n + 63) / 64
	for len(b.bits) < words {
		b.bits = append(b.bits, 0)
	}
}

// set sets count bits starting at bit.
func (b *bitmap) set(bit, count int) {
	for i := bit; i < bit+count; i++ {
		word, mask := b.index(i)
		b.bits[word] |= mask
	}
}

// clear clears count bits starting at bit.
func (b *bitmap) clear(bit, count int) {
	for i := bit; i < bit+count; i++ {
		word, mask := b.index(i)
		b.bits[word] &^= mask
	}
}

// allSet returns true if all count bits starting at bit are set.
func (b *bitmap) allSet(bit, count int) bool {
	for i := bit; i < bit+count; i++ {
		word, mask := b.index(i)
		if b.bits[word]&mask == 0 {
			return false
		}
	}
	return true
}

// allClear returns true if all count bits starting at bit are clear.
func (b *bitmap) allClear(bit, count int) bool {
	for i := bit; i < bit+count; i++ {
		word, mask := b.index(i)
		if b.bits[word]&mask != 0 {
			return false
		}
	}
	return true
}

// nextClear returns the index of the first clear bit in [bit, limit),
// or limit if all of them are set.
func (b *bitmap) nextClear(bit, limit int) int {
	for i := bit; i < limit; i++ {
		word, mask := b.index(i)
		if b.bits[word]&mask == 0 {
			return i
		}
	}
	return limit
}

// nextSet returns the index of the first set bit in [bit, limit), or
// limit if all of them are clear.
func (b *bitmap) nextSet(bit, limit int) int {
	for i := bit; i < limit; i++ {
		word, mask := b.index(i)
		if b.bits[word]&mask != 0 {
			return i
		}
	}
	return limit
}
