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
	"sort"
	"strconv"
	"strings"
)

// Snapshot is a point-in-time copy of the tracking state of a device.
type Snapshot struct {
	// Name is the device name.
	Name string
	// Mode is the operating mode.
	Mode Mode
	// RequestedSize, PluggedSize and OfflineSize are the current size
	// counters.
	RequestedSize uint64
	PluggedSize   uint64
	OfflineSize   uint64
	// Broken is true if the device stopped reconciling.
	Broken bool
	// Blocks maps tracked memory block ids to their states, valid in
	// Sub-Block Mode.
	Blocks map[uint64]BlockState
	// Subblocks maps tracked memory block ids to their subblock
	// plug masks, one '1' or '0' per subblock, lowest id first.
	// Valid in Sub-Block Mode.
	Subblocks map[uint64]string
	// BigBlocks maps tracked big block ids to their states, valid in
	// Big Block Mode.
	BigBlocks map[uint64]BigBlockState
	// StateCounts holds the per-state block counts, including zero
	// ones, keyed by state name.
	StateCounts map[string]uint64
}

// Snapshot takes a consistent snapshot of the device state.
func (d *Device) Snapshot() *Snapshot {
	d.hotplug.Lock()
	defer d.hotplug.Unlock()

	s := &Snapshot{
		Name:          d.cfg.Name,
		Mode:          d.mode,
		RequestedSize: d.requestedSize.Load(),
		PluggedSize:   d.pluggedSize.Load(),
		OfflineSize:   d.OfflineSize(),
		Broken:        d.broken.Load(),
		StateCounts:   map[string]uint64{},
	}

	if d.mode == SubBlockMode {
		s.Blocks = map[uint64]BlockState{}
		s.Subblocks = map[uint64]string{}
		for id := d.sbm.blocks.firstID; id < d.sbm.blocks.nextID; id++ {
			s.Blocks[id] = d.sbmState(id)
			mask := make([]byte, d.layout.SubblocksPerBlock)
			for sb := range mask {
				if d.sbmIsPlugged(id, sb, 1) {
					mask[sb] = '1'
				} else {
					mask[sb] = '0'
				}
			}
			s.Subblocks[id] = string(mask)
		}
		for state := BlockState(0); int(state) < blockStateCount; state++ {
			s.StateCounts[state.String()] = d.sbm.blocks.count(uint8(state))
		}
	} else {
		s.BigBlocks = map[uint64]BigBlockState{}
		for id := d.bbm.blocks.firstID; id < d.bbm.blocks.nextID; id++ {
			s.BigBlocks[id] = d.bbmState(id)
		}
		for state := BigBlockState(0); int(state) < bigBlockStateCount; state++ {
			s.StateCounts[state.String()] = d.bbm.blocks.count(uint8(state))
		}
	}

	return s
}

// DumpState logs the full tracking state of the device.
func (d *Device) DumpState(context string) {
	s := d.Snapshot()

	var dump strings.Builder
	dump.WriteString("mode: " + s.Mode.String() + "\n")
	dump.WriteString("requested size: " + HumanReadableSize(s.RequestedSize) + "\n")
	dump.WriteString("plugged size: " + HumanReadableSize(s.PluggedSize) + "\n")
	dump.WriteString("offline size: " + HumanReadableSize(s.OfflineSize) + "\n")

	if s.Mode == SubBlockMode {
		ids := make([]uint64, 0, len(s.Blocks))
		for id := range s.Blocks {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			dump.WriteString("memory block #")
			dump.WriteString(formatID(id))
			dump.WriteString(": " + s.Blocks[id].String())
			dump.WriteString(", subblocks " + s.Subblocks[id] + "\n")
		}
	} else {
		ids := make([]uint64, 0, len(s.BigBlocks))
		for id := range s.BigBlocks {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			dump.WriteString("big block #")
			dump.WriteString(formatID(id))
			dump.WriteString(": " + s.BigBlocks[id].String() + "\n")
		}
	}

	d.log.InfoBlock(context+": ", "%s", strings.TrimSuffix(dump.String(), "\n"))
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
