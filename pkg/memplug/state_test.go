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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTableCounts(t *testing.T) {
	tbl := newStateTable(100, blockStateCount)

	for i := 0; i < 4; i++ {
		id := tbl.append()
		require.Equal(t, uint64(100+i), id)
	}
	require.Equal(t, uint64(4), tbl.count(uint8(BlockUnused)))

	tbl.set(101, uint8(BlockOffline))
	tbl.set(102, uint8(BlockOffline))
	tbl.set(102, uint8(BlockKernel))

	require.Equal(t, uint64(2), tbl.count(uint8(BlockUnused)))
	require.Equal(t, uint64(1), tbl.count(uint8(BlockOffline)))
	require.Equal(t, uint64(1), tbl.count(uint8(BlockKernel)))

	var total uint64
	for state := 0; state < blockStateCount; state++ {
		total += tbl.count(uint8(state))
	}
	require.Equal(t, uint64(4), total)

	require.Equal(t, uint8(BlockOffline), tbl.get(101))
	require.True(t, tbl.tracked(103))
	require.False(t, tbl.tracked(104))
	require.False(t, tbl.tracked(99))
}

func TestStateTableUnderflowPanics(t *testing.T) {
	tbl := newStateTable(0, blockStateCount)
	tbl.append()
	tbl.states[0] = uint8(BlockKernel) // corrupt behind the table's back

	require.Panics(t, func() {
		tbl.set(0, uint8(BlockOffline))
	})
}

func TestStateTableForEach(t *testing.T) {
	tbl := newStateTable(0, blockStateCount)
	for i := 0; i < 8; i++ {
		tbl.append()
	}
	tbl.set(2, uint8(BlockOffline))
	tbl.set(5, uint8(BlockOffline))

	var asc []uint64
	tbl.forEach(uint8(BlockOffline), func(id uint64) bool {
		asc = append(asc, id)
		return true
	})
	require.Equal(t, []uint64{2, 5}, asc)

	var desc []uint64
	tbl.forEachRev(uint8(BlockOffline), func(id uint64) bool {
		desc = append(desc, id)
		return true
	})
	require.Equal(t, []uint64{5, 2}, desc)

	// Transitioning the last block of a state during iteration must
	// terminate the scan early.
	visited := 0
	tbl.forEach(uint8(BlockUnused), func(id uint64) bool {
		visited++
		tbl.set(id, uint8(BlockPlugged))
		return tbl.count(uint8(BlockUnused)) > 2
	})
	require.Equal(t, 4, visited)

	// An aborted scan reports it.
	complete := tbl.forEach(uint8(BlockPlugged), func(id uint64) bool {
		return false
	})
	require.False(t, complete)
}

func TestBitmap(t *testing.T) {
	var b bitmap

	b.grow(130)
	require.True(t, b.allClear(0, 130))

	b.set(3, 5)
	require.True(t, b.allSet(3, 5))
	require.False(t, b.allSet(2, 2))
	require.False(t, b.allClear(7, 2))
	require.True(t, b.allClear(8, 122))

	require.Equal(t, 0, b.nextClear(0, 130))
	require.Equal(t, 8, b.nextClear(3, 130))
	require.Equal(t, 3, b.nextSet(0, 130))
	require.Equal(t, 130, b.nextSet(8, 130))

	b.set(64, 2)
	require.True(t, b.allSet(64, 2))
	b.clear(64, 1)
	require.False(t, b.allSet(64, 2))
	require.True(t, b.allSet(65, 1))

	b.clear(0, 130)
	require.True(t, b.allClear(0, 130))
}

func TestLayout(t *testing.T) {
	l := &Layout{
		MemBlockSize:      128 * MB,
		SubblockSize:      16 * MB,
		SubblocksPerBlock: 8,
		BigBlockSize:      256 * MB,
	}

	require.Equal(t, uint64(0), l.BlockID(0))
	require.Equal(t, uint64(0), l.BlockID(128*MB-1))
	require.Equal(t, uint64(1), l.BlockID(128*MB))
	require.Equal(t, uint64(3)*128*MB, l.BlockAddr(3))

	require.Equal(t, 0, l.SubblockID(l.BlockAddr(3)))
	require.Equal(t, 7, l.SubblockID(l.BlockAddr(3)+128*MB-1))
	require.Equal(t, l.BlockAddr(3)+32*MB, l.SubblockAddr(3, 2))

	require.Equal(t, uint64(0), l.BigBlockID(256*MB-1))
	require.Equal(t, uint64(1), l.BigBlockID(256*MB))
	require.Equal(t, uint64(512)*MB, l.BigBlockAddr(2))
}

func TestHumanReadableSize(t *testing.T) {
	require.Equal(t, "2G", HumanReadableSize(2*GB))
	require.Equal(t, "128M", HumanReadableSize(128*MB))
	require.Equal(t, "4k", HumanReadableSize(4*KB))
	require.Equal(t, "1536M", HumanReadableSize(GB+512*MB))
	require.Equal(t, "123", HumanReadableSize(123))
}
