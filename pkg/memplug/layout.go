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

// Layout translates between physical addresses and the block, subblock
// and big block ids of a device. Block ids are global: block 0 starts
// at physical address 0, so ids from different devices sharing an
// address space never collide. All translation functions are pure.
type Layout struct {
	// MemBlockSize is the OS memory block size.
	MemBlockSize uint64
	// SubblockSize is the subblock size, valid in Sub-Block Mode.
	SubblockSize uint64
	// SubblocksPerBlock is the number of subblocks per memory block.
	SubblocksPerBlock int
	// BigBlockSize is the big block size, valid in Big Block Mode.
	BigBlockSize uint64
}

// BlockID returns the id of the memory block containing addr.
func (l Layout) BlockID(addr uint64) uint64 {
	return addr / l.MemBlockSize
}

// BlockAddr returns the physical start address of the given memory block.
func (l Layout) BlockAddr(id uint64) uint64 {
	return id * l.MemBlockSize
}

// SubblockID returns the id of the subblock containing addr within its
// memory block.
func (l Layout) SubblockID(addr uint64) int {
	return int((addr % l.MemBlockSize) / l.SubblockSize)
}

// SubblockAddr returns the physical start address of the given subblock
// of the given memory block.
func (l Layout) SubblockAddr(id uint64, sb int) uint64 {
	return l.BlockAddr(id) + uint64(sb)*l.SubblockSize
}

// BigBlockID returns the id of the big block containing addr.
func (l Layout) BigBlockID(addr uint64) uint64 {
	return addr / l.BigBlockSize
}

// BigBlockAddr returns the physical start address of the given big block.
func (l Layout) BigBlockAddr(id uint64) uint64 {
	return id * l.BigBlockSize
}
