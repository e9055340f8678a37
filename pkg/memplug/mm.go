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

// MemoryEventKind enumerates the online/offline transitions the OS
// memory subsystem notifies about.
type MemoryEventKind int

const (
	// MemoryGoingOnline: a memory block is about to be onlined.
	// Notifiers may veto the transition.
	MemoryGoingOnline MemoryEventKind = iota
	// MemoryOnline: a memory block finished onlining.
	MemoryOnline
	// MemoryCancelOnline: a started onlining was aborted.
	MemoryCancelOnline
	// MemoryGoingOffline: a memory block is about to be offlined.
	// Notifiers may veto the transition.
	MemoryGoingOffline
	// MemoryOffline: a memory block finished offlining.
	MemoryOffline
	// MemoryCancelOffline: a started offlining was aborted.
	MemoryCancelOffline
)

var memoryEventNames = map[MemoryEventKind]string{
	MemoryGoingOnline:   "going-online",
	MemoryOnline:        "online",
	MemoryCancelOnline:  "cancel-online",
	MemoryGoingOffline:  "going-offline",
	MemoryOffline:       "offline",
	MemoryCancelOffline: "cancel-offline",
}

// String returns the event kind as a string.
func (k MemoryEventKind) String() string {
	if name, ok := memoryEventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("%%(BAD-MemoryEventKind:%d)", int(k))
}

// MarshalJSON is the JSON marshaller for MemoryEventKind.
func (k MemoryEventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// MemoryEvent describes an online/offline transition of a physical
// memory range, aligned to the OS memory block size.
type MemoryEvent struct {
	// Kind is the transition being notified about.
	Kind MemoryEventKind
	// Addr is the physical start address of the range.
	Addr uint64
	// Size is the size of the range.
	Size uint64
	// Movable is true if the destination zone of an onlining range
	// only holds relocatable allocations.
	Movable bool
}

// Disposition is a notifier's verdict on a memory event.
type Disposition int

const (
	// NotifyDone: the event does not concern this notifier.
	NotifyDone Disposition = iota
	// NotifyOK: the notifier processed the event.
	NotifyOK
	// NotifyBad: the notifier vetoes the transition.
	NotifyBad
	// NotifyBusy: the notifier vetoes the transition because a
	// resource is temporarily busy.
	NotifyBusy
)

var dispositionNames = map[Disposition]string{
	NotifyDone: "done",
	NotifyOK:   "ok",
	NotifyBad:  "bad",
	NotifyBusy: "busy",
}

// String returns the disposition as a string.
func (d Disposition) String() string {
	if name, ok := dispositionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("%%(BAD-Disposition:%d)", int(d))
}

// Notifier receives memory hotplug events.
type Notifier interface {
	Notify(event *MemoryEvent) Disposition
}

// OnlinePageHandler decides what happens to pages of a range being
// onlined. It returns true if it took care of the range and false if
// the range should be onlined the default way.
type OnlinePageHandler interface {
	OnlinePage(addr, size uint64) bool
}

// MemoryManager is the OS memory hot-add/hot-remove subsystem as seen
// by a device. Addresses and sizes of Add/Remove operations are
// aligned to the OS memory block size.
//
// AddMemory synchronously delivers any onlining events and online-page
// callbacks triggered by the addition on the calling goroutine, before
// it returns. Devices rely on this for their locking scheme.
type MemoryManager interface {
	// MemoryBlockSize returns the OS memory block size.
	MemoryBlockSize() uint64
	// SectionSize returns the OS memory section size.
	SectionSize() uint64
	// ReserveRegion reserves the given physical region so that no
	// other party hands memory from it to the OS.
	ReserveRegion(addr, size uint64, name string) error
	// ReleaseRegion releases a region reserved with ReserveRegion.
	ReleaseRegion(addr, size uint64)
	// RangeHasMemory returns true if any memory within the given
	// range is currently added to the OS.
	RangeHasMemory(addr, size uint64) bool
	// RegisterGroup registers a dynamic memory group on the given
	// NUMA node with the given unit size, returning its id.
	RegisterGroup(node int, unitSize uint64) (int, error)
	// UnregisterGroup unregisters a memory group.
	UnregisterGroup(group int)
	// AddMemory adds the given range to the OS in the given group.
	// The range starts out offline, but the OS may online it at once
	// depending on policy.
	AddMemory(addr, size uint64, group int) error
	// RemoveMemory removes the given offline range from the OS.
	RemoveMemory(addr, size uint64) error
	// OfflineAndRemoveMemory offlines the given range and removes it
	// from the OS.
	OfflineAndRemoveMemory(addr, size uint64) error
	// RegisterNotifier subscribes a notifier to memory events.
	RegisterNotifier(n Notifier)
	// UnregisterNotifier cancels a RegisterNotifier.
	UnregisterNotifier(n Notifier)
	// SetOnlinePageHandler installs the handler consulted for pages
	// of ranges being onlined. Only one handler can be installed at a
	// time.
	SetOnlinePageHandler(h OnlinePageHandler) error
	// ClearOnlinePageHandler removes the installed handler.
	ClearOnlinePageHandler()
	// Pages returns the page-level operations of the subsystem.
	Pages() PageOps
}

// PageOps are the page-level operations a device uses to fake-offline
// and fake-online memory. Addresses and sizes are aligned to the
// subblock size or better.
type PageOps interface {
	// AllocContig allocates the exact given range from the page
	// allocator. It fails with ErrNoMemory if the allocation cannot
	// be satisfied and with ErrBusy if pages in the range are pinned
	// or otherwise unmovable.
	AllocContig(addr, size uint64) error
	// FreeContig returns a range taken with AllocContig to the page
	// allocator.
	FreeContig(addr, size uint64)
	// SetOffline marks the pages of the range offline so that the
	// allocator and the OS offlining code skip them. fromAlloc
	// records whether the pages were taken from the allocator with
	// AllocContig, as opposed to never having been exposed to it.
	SetOffline(addr, size uint64, fromAlloc bool)
	// ClearOffline reverts a SetOffline.
	ClearOffline(addr, size uint64, fromAlloc bool)
	// FromAllocator returns the fromAlloc mark of the offline page
	// at addr.
	FromAllocator(addr uint64) bool
	// Online hands the pages of the range to the page allocator as
	// newly onlined memory.
	Online(addr, size uint64)
	// AdjustManaged adjusts the managed-memory accounting of the zone
	// containing addr by delta bytes.
	AdjustManaged(addr uint64, delta int64)
	// DropRefs drops the device's references on the fake-offline
	// pages of the range so that OS offlining can migrate and isolate
	// them.
	DropRefs(addr, size uint64)
	// TakeRefs re-takes the references dropped with DropRefs.
	TakeRefs(addr, size uint64)
	// IsMovable returns true if addr is in a zone that only holds
	// relocatable allocations.
	IsMovable(addr uint64) bool
	// IsOnline returns true if any page of the OS memory section
	// containing addr is online.
	IsOnline(addr uint64) bool
}
