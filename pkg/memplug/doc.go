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

// Package memplug implements paravirtualized memory hot-(un)plug for a
// dynamically resizable physical memory region.
//
// A Device tracks one such region. An external party, typically an
// orchestrator or an operator, sets a requested size for the device. A
// single background worker then reconciles the amount of host-backed,
// plugged memory against that request: it asks the host to back or
// release ranges of the region and registers or unregisters those
// ranges with the OS memory subsystem, keeping the OS page-management
// state consistent throughout.
//
// A device operates in one of two modes, selected automatically from
// the device block size and the OS memory block size:
//
//   - Sub-Block Mode (SBM): an OS memory block spans 2..N subblocks.
//     Subblocks within a memory block are plugged and unplugged
//     individually, while memory is added to and removed from the OS
//     in whole memory blocks.
//
//   - Big Block Mode (BBM): a big block spans 1..N OS memory blocks
//     and is plugged, added, removed and unplugged as a unit.
//
// The OS memory subsystem, the host plug/unplug service and the
// page-level allocator capabilities are supplied to a device as
// interfaces; package simulator provides in-memory implementations of
// all of them.
//
// Unplugging memory that is currently online relies on fake-offlining:
// the exact target pages are allocated from the OS allocator and marked
// offline so that both the allocator and the OS offlining code skip
// them, without going through the OS's regular offline procedure.
package memplug
