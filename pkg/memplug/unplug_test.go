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

package memplug_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hostmem/memplug/pkg/memplug"
	"github.com/hostmem/memplug/pkg/memplug/simulator"
)

func TestUnplugOfflineMemory(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneNone, nil)

	s.dev.SetRequestedSize(256 * MB)
	s.waitPlugged(t, 256*MB)
	require.Equal(t, 256*MB, s.dev.OfflineSize())

	// Offline memory is unplugged directly; fully unplugged blocks get
	// removed, the partially unplugged one stays added.
	s.dev.SetRequestedSize(64 * MB)
	s.waitPlugged(t, 64*MB)

	snap := s.dev.Snapshot()
	block0 := s.dev.Layout().BlockID(testAddr)
	require.Equal(t, memplug.BlockOfflinePartial, snap.Blocks[block0])
	require.Equal(t, memplug.BlockUnused, snap.Blocks[block0+1])
	require.Equal(t, "11110000", snap.Subblocks[block0])
	require.Equal(t, 128*MB, s.dev.OfflineSize())
	require.False(t, s.mm.RangeHasMemory(testAddr+testMemBlock, testMemBlock))
}

func TestUnplugOnlineMemory(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	s.dev.SetRequestedSize(256 * MB)
	s.waitPlugged(t, 256*MB)

	s.dev.SetRequestedSize(0)
	s.waitPlugged(t, 0)

	snap := s.dev.Snapshot()
	for id, state := range snap.Blocks {
		require.Equal(t, memplug.BlockUnused, state, "block %d", id)
	}
	require.False(t, s.mm.RangeHasMemory(testAddr, testRegion))
	require.Equal(t, uint64(0), s.dev.OfflineSize())
	require.Zero(t, s.mm.Managed())
}

func TestUnplugSkipsBusyPages(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	s.dev.SetRequestedSize(256 * MB)
	s.waitPlugged(t, 256*MB)

	// Pin one page of the last subblock of the second block; that
	// subblock cannot be fake-offlined and stays plugged.
	pinned := testAddr + 2*testMemBlock - testPageSize
	s.mm.Pin(pinned, testPageSize)

	s.dev.SetRequestedSize(0)
	s.waitPlugged(t, testDevBlock)

	snap := s.dev.Snapshot()
	block1 := s.dev.Layout().BlockID(testAddr) + 1
	require.Equal(t, memplug.BlockKernelPartial, snap.Blocks[block1])
	require.Equal(t, "00000001", snap.Subblocks[block1])

	// The unplugged subblocks are held fake-offline.
	require.Equal(t, int(7*testDevBlock/testPageSize),
		s.mm.FakeOfflinePages(testAddr+testMemBlock, testMemBlock))

	// Unpinning lets the periodic retry finish the job.
	s.mm.Unpin(pinned, testPageSize)
	s.waitPlugged(t, 0)
	require.False(t, s.mm.RangeHasMemory(testAddr, testRegion))
}

func TestUnplugOnlineDisabled(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, func(cfg *memplug.Config) {
		no := false
		cfg.UnplugOnline = &no
	})

	s.dev.SetRequestedSize(128 * MB)
	s.waitPlugged(t, 128*MB)

	// All plugged memory is online, nothing may be unplugged.
	s.dev.SetRequestedSize(0)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 128*MB, s.dev.PluggedSize())

	// Offlining the block makes the pending request proceed.
	require.NoError(t, s.mm.OfflineBlock(testAddr))
	s.waitPlugged(t, 0)
}

func TestStopRemovesPartialOfflineBlocks(t *testing.T) {
	host := simulator.NewHost(testDevBlock, testRegion)
	mm := simulator.NewMM(&simulator.MMConfig{
		BlockSize: testMemBlock,
		PageSize:  testPageSize,
	})
	reg := memplug.NewRegistry()

	dev, err := memplug.New(&memplug.Config{
		Name:       t.Name(),
		Addr:       testAddr,
		RegionSize: testRegion,
		BlockSize:  testDevBlock,
		AllocUnit:  testAllocUnit,
		RetryMin:   10 * time.Millisecond,
		RetryMax:   100 * time.Millisecond,
	}, host, mm, reg)
	require.NoError(t, err)
	require.NoError(t, dev.Start())

	// 192M = one full and one partially plugged offline block.
	dev.SetRequestedSize(192 * MB)
	require.Eventually(t, func() bool {
		return dev.PluggedSize() == 192*MB
	}, 5*time.Second, 2*time.Millisecond, "plugged size did not reach the request")

	dev.Stop()

	// The partially plugged block is gone, the fully plugged offline
	// block stays added, so the region stays reserved.
	require.False(t, mm.RangeHasMemory(testAddr+testMemBlock, testMemBlock))
	require.True(t, mm.RangeHasMemory(testAddr, testMemBlock))
	require.Error(t, mm.ReserveRegion(testAddr, testRegion, "other"))
}

func TestStopReleasesEmptyDevice(t *testing.T) {
	host := simulator.NewHost(testDevBlock, testRegion)
	mm := simulator.NewMM(&simulator.MMConfig{
		BlockSize:  testMemBlock,
		PageSize:   testPageSize,
		AutoOnline: simulator.ZoneKernel,
	})
	reg := memplug.NewRegistry()

	dev, err := memplug.New(&memplug.Config{
		Name:       t.Name(),
		Addr:       testAddr,
		RegionSize: testRegion,
		BlockSize:  testDevBlock,
		AllocUnit:  testAllocUnit,
		RetryMin:   10 * time.Millisecond,
		RetryMax:   100 * time.Millisecond,
	}, host, mm, reg)
	require.NoError(t, err)
	require.NoError(t, dev.Start())

	dev.SetRequestedSize(128 * MB)
	require.Eventually(t, func() bool {
		return dev.PluggedSize() == 128*MB
	}, 5*time.Second, 2*time.Millisecond, "plugged size did not reach the request")

	dev.SetRequestedSize(0)
	require.Eventually(t, func() bool {
		return dev.PluggedSize() == 0
	}, 5*time.Second, 2*time.Millisecond, "plugged size did not drain")

	dev.Stop()

	// Nothing added anymore: region and memory group are released.
	require.NoError(t, mm.ReserveRegion(testAddr, testRegion, "other"))
}
