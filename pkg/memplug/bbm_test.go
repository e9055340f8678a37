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

func newBigBlockSetup(t *testing.T, zone simulator.Zone) *testSetup {
	t.Helper()
	return newTestSetup(t, zone, func(cfg *memplug.Config) {
		cfg.ForceBigBlocks = true
	})
}

func TestBigBlockPlug(t *testing.T) {
	s := newBigBlockSetup(t, simulator.ZoneKernel)

	s.dev.SetRequestedSize(256 * MB)
	s.waitPlugged(t, 256*MB)

	snap := s.dev.Snapshot()
	bb0 := s.dev.Layout().BigBlockID(testAddr)
	require.Equal(t, memplug.BigBlockAdded, snap.BigBlocks[bb0])
	require.Equal(t, memplug.BigBlockAdded, snap.BigBlocks[bb0+1])
	require.True(t, s.mm.IsBlockOnline(testAddr))
	require.True(t, s.mm.IsBlockOnline(testAddr+testMemBlock))

	// Sub-big-block remainders are ignored.
	s.dev.SetRequestedSize(256*MB + 32*MB)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 256*MB, s.dev.PluggedSize())
}

func TestBigBlockUnplug(t *testing.T) {
	s := newBigBlockSetup(t, simulator.ZoneKernel)

	s.dev.SetRequestedSize(256 * MB)
	s.waitPlugged(t, 256*MB)

	// The newest big block goes first.
	s.dev.SetRequestedSize(128 * MB)
	s.waitPlugged(t, 128*MB)

	snap := s.dev.Snapshot()
	bb0 := s.dev.Layout().BigBlockID(testAddr)
	require.Equal(t, memplug.BigBlockAdded, snap.BigBlocks[bb0])
	require.Equal(t, memplug.BigBlockUnused, snap.BigBlocks[bb0+1])
	require.False(t, s.mm.RangeHasMemory(testAddr+testMemBlock, testMemBlock))

	s.dev.SetRequestedSize(0)
	s.waitPlugged(t, 0)
	require.False(t, s.mm.RangeHasMemory(testAddr, testRegion))
	require.Zero(t, s.mm.Managed())
}

func TestBigBlockUnplugSkipsBusyBlocks(t *testing.T) {
	s := newBigBlockSetup(t, simulator.ZoneKernel)

	s.dev.SetRequestedSize(256 * MB)
	s.waitPlugged(t, 256*MB)

	// A pinned page keeps the newest big block busy, so the older one
	// gets unplugged instead.
	pinned := testAddr + testMemBlock
	s.mm.Pin(pinned, testPageSize)

	s.dev.SetRequestedSize(128 * MB)
	s.waitPlugged(t, 128*MB)

	snap := s.dev.Snapshot()
	bb0 := s.dev.Layout().BigBlockID(testAddr)
	require.Equal(t, memplug.BigBlockUnused, snap.BigBlocks[bb0])
	require.Equal(t, memplug.BigBlockAdded, snap.BigBlocks[bb0+1])

	s.mm.Unpin(pinned, testPageSize)
	s.dev.SetRequestedSize(0)
	s.waitPlugged(t, 0)
}

func TestBigBlockAddFailureIsRetried(t *testing.T) {
	s := newBigBlockSetup(t, simulator.ZoneKernel)

	s.mm.FailAdd(memplug.ErrNoMemory, 1)
	s.dev.SetRequestedSize(128 * MB)

	s.waitPlugged(t, 128*MB)
	require.False(t, s.dev.Broken())

	snap := s.dev.Snapshot()
	require.Equal(t, memplug.BigBlockAdded, snap.BigBlocks[s.dev.Layout().BigBlockID(testAddr)])
}

func TestBigBlockUnplugHostFailureIsRetried(t *testing.T) {
	s := newBigBlockSetup(t, simulator.ZoneKernel)

	s.dev.SetRequestedSize(128 * MB)
	s.waitPlugged(t, 128*MB)

	// The OS removal succeeds but the host refuses to release the
	// backing: the big block falls back to plugged and later runs have
	// to unplug it from the cleanup pass.
	s.host.FailUnplug(memplug.ErrHostBusy, 2)
	s.dev.SetRequestedSize(0)

	s.eventually(t, func() bool {
		snap := s.dev.Snapshot()
		return snap.StateCounts[memplug.BigBlockPlugged.String()] == 1
	}, "the big block did not fall back to plugged")
	require.False(t, s.mm.RangeHasMemory(testAddr, testMemBlock))

	s.waitPlugged(t, 0)
	require.False(t, s.dev.Broken())
	snap := s.dev.Snapshot()
	require.Equal(t, uint64(0), snap.StateCounts[memplug.BigBlockPlugged.String()])
	require.Zero(t, s.mm.Managed())
}

func TestBigBlockFailedRollbackIsCleanedUp(t *testing.T) {
	s := newBigBlockSetup(t, simulator.ZoneKernel)

	// Hot-add fails and the rollback unplug fails too: the big block
	// stays transiently plugged and the next run has to unplug it
	// before plugging proceeds.
	s.mm.FailAdd(memplug.ErrNoMemory, 1)
	s.host.FailUnplug(memplug.ErrHostBusy, 1)
	s.dev.SetRequestedSize(128 * MB)

	// The plugged size alone cannot tell the transient leftover from
	// the final state, wait until the leftover is gone, too.
	s.eventually(t, func() bool {
		snap := s.dev.Snapshot()
		return snap.PluggedSize == 128*MB &&
			snap.StateCounts[memplug.BigBlockPlugged.String()] == 0
	}, "the plugged leftover big block was not cleaned up")
	require.False(t, s.dev.Broken())
}
