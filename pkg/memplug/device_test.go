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

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hostmem/memplug/pkg/memplug"
	"github.com/hostmem/memplug/pkg/memplug/simulator"
)

const (
	MB = uint64(1) << 20
	GB = uint64(1) << 30

	// region layout used by most tests
	testAddr      = uint64(4) * GB
	testRegion    = 1 * GB
	testDevBlock  = 16 * MB
	testMemBlock  = 128 * MB
	testAllocUnit = 4 * MB
	testPageSize  = 64 * uint64(1) << 10
)

type testSetup struct {
	host *simulator.Host
	mm   *simulator.MM
	reg  *memplug.Registry
	dev  *memplug.Device
}

func newTestSetup(t *testing.T, zone simulator.Zone, tweak func(*memplug.Config)) *testSetup {
	t.Helper()

	s := &testSetup{
		host: simulator.NewHost(testDevBlock, testRegion),
		mm: simulator.NewMM(&simulator.MMConfig{
			BlockSize:  testMemBlock,
			PageSize:   testPageSize,
			AutoOnline: zone,
		}),
		reg: memplug.NewRegistry(),
	}

	cfg := &memplug.Config{
		Name:       t.Name(),
		Addr:       testAddr,
		RegionSize: testRegion,
		BlockSize:  testDevBlock,
		AllocUnit:  testAllocUnit,
		RetryMin:   10 * time.Millisecond,
		RetryMax:   100 * time.Millisecond,
	}
	if tweak != nil {
		tweak(cfg)
	}

	dev, err := memplug.New(cfg, s.host, s.mm, s.reg)
	require.NoError(t, err)
	require.NoError(t, dev.Start())
	t.Cleanup(dev.Stop)

	s.dev = dev
	return s
}

func (s *testSetup) eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 2*time.Millisecond, what)
}

func (s *testSetup) waitPlugged(t *testing.T, size uint64) {
	t.Helper()
	s.eventually(t, func() bool {
		return s.dev.PluggedSize() == size
	}, "plugged size did not reach the expected value")
}

func TestModeSelection(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneNone, nil)
	require.Equal(t, memplug.SubBlockMode, s.dev.Mode())
	require.Equal(t, testDevBlock, s.dev.Layout().SubblockSize)
	require.Equal(t, 8, s.dev.Layout().SubblocksPerBlock)

	s = newTestSetup(t, simulator.ZoneNone, func(cfg *memplug.Config) {
		cfg.Name = t.Name() + "-forced"
		cfg.Addr = testAddr + 2*testRegion
		cfg.ForceBigBlocks = true
	})
	require.Equal(t, memplug.BigBlockMode, s.dev.Mode())
	require.Equal(t, testMemBlock, s.dev.Layout().BigBlockSize)

	s = newTestSetup(t, simulator.ZoneNone, func(cfg *memplug.Config) {
		cfg.Name = t.Name() + "-bigdev"
		cfg.Addr = testAddr + 4*testRegion
		cfg.BlockSize = 256 * MB
	})
	require.Equal(t, memplug.BigBlockMode, s.dev.Mode())
	require.Equal(t, 256*MB, s.dev.Layout().BigBlockSize)
}

func TestPlugGrowsTowardRequest(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	// 200M is 12.5 subblocks; only whole subblocks get plugged.
	s.dev.SetRequestedSize(200 * MB)
	s.waitPlugged(t, 192*MB)

	snap := s.dev.Snapshot()
	require.Equal(t, memplug.BlockKernel, snap.Blocks[s.dev.Layout().BlockID(testAddr)])
	require.Equal(t, memplug.BlockKernelPartial, snap.Blocks[s.dev.Layout().BlockID(testAddr)+1])
	require.Equal(t, "11111111", snap.Subblocks[s.dev.Layout().BlockID(testAddr)])
	require.Equal(t, "11110000", snap.Subblocks[s.dev.Layout().BlockID(testAddr)+1])
	require.Equal(t, uint64(0), snap.OfflineSize)

	// A second reconciliation run must not touch the host again.
	calls := s.host.PlugCalls()
	s.dev.ConfigChanged()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, calls, s.host.PlugCalls())
	require.Equal(t, 192*MB, s.dev.PluggedSize())
}

func TestSubUnitRequestIsNoop(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	s.dev.SetRequestedSize(8 * MB)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, uint64(0), s.dev.PluggedSize())
	require.Equal(t, 0, s.host.PlugCalls())
}

func TestStateCountInvariant(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	s.dev.SetRequestedSize(320 * MB)
	s.waitPlugged(t, 320*MB)

	snap := s.dev.Snapshot()
	var total uint64
	for _, count := range snap.StateCounts {
		total += count
	}
	require.Equal(t, uint64(len(snap.Blocks)), total)
}

func TestPlugRoundTripRestoresState(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	s.dev.SetRequestedSize(256 * MB)
	s.waitPlugged(t, 256*MB)
	before := s.dev.Snapshot()

	s.dev.SetRequestedSize(64 * MB)
	s.waitPlugged(t, 64*MB)

	s.dev.SetRequestedSize(256 * MB)
	s.waitPlugged(t, 256*MB)
	s.eventually(t, func() bool {
		return cmp.Diff(before, s.dev.Snapshot()) == ""
	}, "device state did not return to the pre-shrink snapshot")
}

func TestOnliningOfForeignMemoryIsDenied(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneNone, nil)

	// Memory inside the device region that the device didn't add must
	// not come online behind its back.
	addr := testAddr + 512*MB
	require.NoError(t, s.mm.AddMemory(addr, testMemBlock, 0))
	err := s.mm.OnlineBlock(addr, simulator.ZoneKernel)
	require.Error(t, err)
	require.False(t, s.mm.IsBlockOnline(addr))
	require.NoError(t, s.mm.RemoveMemory(addr, testMemBlock))
}

func TestOfflineThresholdLimitsGrowth(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneNone, func(cfg *memplug.Config) {
		cfg.OfflineThreshold = 256 * MB
	})

	// Nothing ever onlines the added memory, so growth stops at the
	// offline threshold.
	s.dev.SetRequestedSize(512 * MB)
	s.waitPlugged(t, 256*MB)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 256*MB, s.dev.PluggedSize())
	require.Equal(t, 256*MB, s.dev.OfflineSize())

	// Onlining the added memory resumes growth, one block's worth of
	// budget at a time.
	require.NoError(t, s.mm.OnlineBlock(testAddr, simulator.ZoneKernel))
	s.waitPlugged(t, 384*MB)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.mm.OnlineBlock(testAddr+testMemBlock, simulator.ZoneKernel))
	s.waitPlugged(t, 512*MB)
}

func TestUsableRegionLimitsGrowth(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	// The host shrank the usable region to a single memory block.
	s.host.SetUsableRegionSize(testMemBlock)
	s.dev.SetRequestedSize(256 * MB)
	s.waitPlugged(t, 128*MB)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 128*MB, s.dev.PluggedSize())

	// Growing the usable region again lets the request complete once
	// the device learns about the new configuration.
	s.host.SetUsableRegionSize(testRegion)
	s.dev.ConfigChanged()
	s.waitPlugged(t, 256*MB)
}

func TestLeftoverMemoryIsUnpluggedFirst(t *testing.T) {
	host := simulator.NewHost(testDevBlock, testRegion)
	require.NoError(t, host.Plug(testAddr, 64*MB))

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
	require.Equal(t, 64*MB, dev.PluggedSize())

	require.NoError(t, dev.Start())
	t.Cleanup(dev.Stop)

	require.Eventually(t, func() bool {
		return dev.PluggedSize() == 0 && host.PluggedSize() == 0
	}, 5*time.Second, 2*time.Millisecond, "leftover plugged memory was not unplugged")
}

func TestUnknownHostErrorMarksDeviceBroken(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	s.host.FailPlug(hostProtocolError{}, 1)
	s.dev.SetRequestedSize(128 * MB)

	s.eventually(t, func() bool {
		return s.dev.Broken()
	}, "device was not marked broken")

	// A broken device stops reconciling.
	calls := s.host.PlugCalls()
	s.dev.SetRequestedSize(256 * MB)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, calls, s.host.PlugCalls())
}

type hostProtocolError struct{}

func (hostProtocolError) Error() string {
	return "malformed response"
}

func TestTransientAddFailureIsRetried(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	s.mm.FailAdd(memplug.ErrNoMemory, 1)
	s.dev.SetRequestedSize(128 * MB)

	// The first attempt rolls back, the backoff timer retries.
	s.waitPlugged(t, 128*MB)
	require.False(t, s.dev.Broken())
	require.True(t, s.mm.IsBlockOnline(testAddr))
}

func TestFailedRollbackIsCleanedUp(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	// Hot-add fails and the rollback unplug fails too: the block stays
	// transiently plugged and must be unplugged by the next run before
	// plugging proceeds.
	s.mm.FailAdd(memplug.ErrNoMemory, 1)
	s.host.FailUnplug(memplug.ErrHostBusy, 1)
	s.dev.SetRequestedSize(128 * MB)

	// The plugged size alone cannot tell the transient leftover from
	// the final state, wait until the leftover is gone, too.
	s.eventually(t, func() bool {
		snap := s.dev.Snapshot()
		return snap.PluggedSize == 128*MB &&
			snap.StateCounts[memplug.BlockPlugged.String()] == 0
	}, "the plugged leftover block was not cleaned up")
	require.False(t, s.dev.Broken())
	require.True(t, s.mm.IsBlockOnline(testAddr))
}

func TestMetricsExport(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	s.dev.SetRequestedSize(128 * MB)
	s.waitPlugged(t, 128*MB)

	requireMetric(t, s.reg, "memplug_device_plugged_bytes", t.Name(), float64(128*MB))
	requireMetric(t, s.reg, "memplug_device_requested_bytes", t.Name(), float64(128*MB))
	requireMetric(t, s.reg, "memplug_device_broken", t.Name(), 0.0)
}
