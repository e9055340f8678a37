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
	"encoding/json"
	"fmt"
)

// BlockState is the state of an OS memory block in Sub-Block Mode.
type BlockState uint8

const (
	// BlockUnused: no subblock plugged, block not added to the OS.
	BlockUnused BlockState = iota
	// BlockPlugged: at least one subblock plugged but the block is not
	// added to the OS. Transient, except after a failed rollback.
	BlockPlugged
	// BlockOffline: added to the OS, offline, all subblocks plugged.
	BlockOffline
	// BlockOfflinePartial: added to the OS, offline, some subblocks
	// unplugged.
	BlockOfflinePartial
	// BlockKernel: online in an unmovable zone, all subblocks plugged.
	BlockKernel
	// BlockKernelPartial: online in an unmovable zone, some subblocks
	// unplugged and fake-offline.
	BlockKernelPartial
	// BlockMovable: online in a movable zone, all subblocks plugged.
	BlockMovable
	// BlockMovablePartial: online in a movable zone, some subblocks
	// unplugged and fake-offline.
	BlockMovablePartial

	blockStateCount = int(BlockMovablePartial) + 1
)

var blockStateNames = map[BlockState]string{
	BlockUnused:         "unused",
	BlockPlugged:        "plugged",
	BlockOffline:        "offline",
	BlockOfflinePartial: "offline-partial",
	BlockKernel:         "kernel",
	BlockKernelPartial:  "kernel-partial",
	BlockMovable:        "movable",
	BlockMovablePartial: "movable-partial",
}

// String returns the state as a string.
func (s BlockState) String() string {
	if name, ok := blockStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("%%(BAD-BlockState:%d)", int(s))
}

// MarshalJSON is the JSON marshaller for BlockState.
func (s BlockState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// fullState maps a partially plugged online or offline state to the
// corresponding fully plugged one.
func (s BlockState) fullState() BlockState {
	switch s {
	case BlockOfflinePartial:
		return BlockOffline
	case BlockKernelPartial:
		return BlockKernel
	case BlockMovablePartial:
		return BlockMovable
	}
	return s
}

// partialState maps a fully plugged added state to the corresponding
// partially plugged one.
func (s BlockState) partialState() BlockState {
	switch s {
	case BlockOffline:
		return BlockOfflinePartial
	case BlockKernel:
		return BlockKernelPartial
	case BlockMovable:
		return BlockMovablePartial
	}
	return s
}

// isOnline returns true for the states of online memory blocks.
func (s BlockState) isOnline() bool {
	switch s {
	case BlockKernel, BlockKernelPartial, BlockMovable, BlockMovablePartial:
		return true
	}
	return false
}

// BigBlockState is the state of a big block in Big Block Mode.
type BigBlockState uint8

const (
	// BigBlockUnused: not plugged, not added to the OS.
	BigBlockUnused BigBlockState = iota
	// BigBlockPlugged: plugged on the host but not added to the OS.
	// Transient, except after a failed rollback.
	BigBlockPlugged
	// BigBlockAdded: plugged and added to the OS.
	BigBlockAdded
	// BigBlockFakeOffline: like BigBlockAdded, with all pages
	// fake-offline. Transient, during unplug.
	BigBlockFakeOffline

	bigBlockStateCount = int(BigBlockFakeOffline) + 1
)

var bigBlockStateNames = map[BigBlockState]string{
	BigBlockUnused:      "unused",
	BigBlockPlugged:     "plugged",
	BigBlockAdded:       "added",
	BigBlockFakeOffline: "fake-offline",
}

// String returns the state as a string.
func (s BigBlockState) String() string {
	if name, ok := bigBlockStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("%%(BAD-BigBlockState:%d)", int(s))
}

// MarshalJSON is the JSON marshaller for BigBlockState.
func (s BigBlockState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// stateTable tracks the states of a dense, growing id range of blocks,
// together with a per-state count of blocks in that state. The counts
// let state-targeted iteration terminate as soon as no more blocks of
// the wanted state can be found.
//
// The caller serializes all mutations with the device hotplug lock.
// Lockless reads are allowed only on the goroutine that itself holds
// the lock higher up the call chain.
type stateTable struct {
	firstID uint64
	nextID  uint64
	states  []uint8
	counts  []uint64
}

// newStateTable creates a state table for ids starting at firstID,
// with nstates possible states.
func newStateTable(firstID uint64, nstates int) *stateTable {
	return &stateTable{
		firstID: firstID,
		nextID:  firstID,
		counts:  make([]uint64, nstates),
	}
}

// tracked returns true if the given id is tracked by the table.
func (t *stateTable) tracked(id uint64) bool {
	return id >= t.firstID && id < t.nextID
}

// get returns the state of the given block.
func (t *stateTable) get(id uint64) uint8 {
	return t.states[id-t.firstID]
}

// set transitions the given block to a new state, updating the
// per-state counts. A count underflow indicates a corrupted table and
// panics.
func (t *stateTable) set(id uint64, state uint8) {
	old := t.states[id-t.firstID]
	if t.counts[old] == 0 {
		panic(fmt.Sprintf("state table corrupted: count of state %d underflows", old))
	}
	t.counts[old]--
	t.counts[state]++
	t.states[id-t.firstID] = state
}

// append starts tracking one more block in state 0, returning its id.
func (t *stateTable) append() uint64 {
	id := t.nextID
	t.states = append(t.states, 0)
	t.counts[0]++
	t.nextID++
	return id
}

// count returns the number of tracked blocks in the given state.
func (t *stateTable) count(state uint8) uint64 {
	return t.counts[state]
}

// forEach calls fn for each tracked block in the given state, in
// ascending id order, stopping early once no more blocks of that state
// remain or fn returns false. fn may transition blocks between states.
func (t *stateTable) forEach(state uint8, fn func(id uint64) bool) bool {
	for id := t.firstID; id < t.nextID && t.counts[state] > 0; id++ {
		if t.get(id) != state {
			continue
		}
		if !fn(id) {
			return false
		}
	}
	return true
}

// forEachRev is like forEach, in descending id order.
func (t *stateTable) forEachRev(state uint8, fn func(id uint64) bool) bool {
	for id := t.nextID; id > t.firstID && t.counts[state] > 0; id-- {
		if t.get(id-1) != state {
			continue
		}
		if !fn(id - 1) {
			return false
		}
	}
	return true
}
