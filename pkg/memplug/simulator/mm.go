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

package simulator

import (
	"fmt"
	"sync"

	"github.com/hostmem/memplug/pkg/memplug"
)

// Zone is the zone type memory blocks are onlined to.
type Zone int

const (
	// ZoneNone leaves added memory offline.
	ZoneNone Zone = iota
	// ZoneKernel onlines added memory for unmovable allocations.
	ZoneKernel
	// ZoneMovable onlines added memory for relocatable allocations only.
	ZoneMovable
)

// MMConfig configures the simulated memory subsystem.
type MMConfig struct {
	// BlockSize is the OS memory block size.
	BlockSize uint64
	// SectionSize is the OS memory section size. Defaults to BlockSize.
	SectionSize uint64
	// PageSize is the page size. Defaults to 4k.
	PageSize uint64
	// AutoOnline is the zone added memory is onlined to, if any.
	AutoOnline Zone
}

// pageState is the simulated state of one non-free page.
type pageState struct {
	allocated   bool
	fakeOffline bool
	fromAlloc   bool
	refsDropped bool
}

// MM simulates the OS memory hot-add/hot-remove subsystem: reserved
// regions, added ranges, per-block online state and per-page allocator
// state, with inline delivery of memory events.
type MM struct {
	sync.Mutex
	cfg       MMConfig
	regions   map[uint64]uint64
	added     map[uint64]uint64
	online    map[uint64]Zone
	pages     map[uint64]*pageState
	pinned    map[uint64]struct{}
	notifiers []memplug.Notifier
	handler   memplug.OnlinePageHandler
	groups    map[int]uint64
	nextGroup int
	allocErrs []error
	addErrs   []error
	managed   int64
}

// NewMM creates a simulated memory subsystem.
func NewMM(cfg *MMConfig) *MM {
	c := *cfg
	if c.SectionSize == 0 {
		c.SectionSize = c.BlockSize
	}
	if c.PageSize == 0 {
		c.PageSize = 4096
	}
	return &MM{
		cfg:     c,
		regions: map[uint64]uint64{},
		added:   map[uint64]uint64{},
		online:  map[uint64]Zone{},
		pages:   map[uint64]*pageState{},
		pinned:  map[uint64]struct{}{},
		groups:  map[int]uint64{},
	}
}

// MemoryBlockSize implements memplug.MemoryManager.
func (m *MM) MemoryBlockSize() uint64 {
	return m.cfg.BlockSize
}

// SectionSize implements memplug.MemoryManager.
func (m *MM) SectionSize() uint64 {
	return m.cfg.SectionSize
}

// ReserveRegion implements memplug.MemoryManager.
func (m *MM) ReserveRegion(addr, size uint64, name string) error {
	m.Lock()
	defer m.Unlock()

	for a, s := range m.regions {
		if addr < a+s && addr+size > a {
			return mmError("region %#x+%#x overlaps an existing reservation", addr, size)
		}
	}
	m.regions[addr] = size
	return nil
}

// ReleaseRegion implements memplug.MemoryManager.
func (m *MM) ReleaseRegion(addr, size uint64) {
	m.Lock()
	defer m.Unlock()
	delete(m.regions, addr)
}

// RangeHasMemory implements memplug.MemoryManager.
func (m *MM) RangeHasMemory(addr, size uint64) bool {
	m.Lock()
	defer m.Unlock()

	for a, s := range m.added {
		if addr < a+s && addr+size > a {
			return true
		}
	}
	return false
}

// RegisterGroup implements memplug.MemoryManager.
func (m *MM) RegisterGroup(node int, unitSize uint64) (int, error) {
	m.Lock()
	defer m.Unlock()

	m.nextGroup++
	m.groups[m.nextGroup] = unitSize
	return m.nextGroup, nil
}

// UnregisterGroup implements memplug.MemoryManager.
func (m *MM) UnregisterGroup(group int) {
	m.Lock()
	defer m.Unlock()
	delete(m.groups, group)
}

// RegisterNotifier implements memplug.MemoryManager.
func (m *MM) RegisterNotifier(n memplug.Notifier) {
	m.Lock()
	defer m.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// UnregisterNotifier implements memplug.MemoryManager.
func (m *MM) UnregisterNotifier(n memplug.Notifier) {
	m.Lock()
	defer m.Unlock()
	for i, reg := range m.notifiers {
		if reg == n {
			m.notifiers = append(m.notifiers[:i], m.notifiers[i+1:]...)
			return
		}
	}
}

// SetOnlinePageHandler implements memplug.MemoryManager.
func (m *MM) SetOnlinePageHandler(h memplug.OnlinePageHandler) error {
	m.Lock()
	defer m.Unlock()
	if m.handler != nil {
		return mmError("an online-page handler is already installed")
	}
	m.handler = h
	return nil
}

// ClearOnlinePageHandler implements memplug.MemoryManager.
func (m *MM) ClearOnlinePageHandler() {
	m.Lock()
	defer m.Unlock()
	m.handler = nil
}

// Pages implements memplug.MemoryManager.
func (m *MM) Pages() memplug.PageOps {
	return (*pages)(m)
}

// cancelEvent is an optional cancel event kind for notify.
type cancelEvent struct {
	kind  memplug.MemoryEventKind
	valid bool
}

func cancelWith(kind memplug.MemoryEventKind) cancelEvent {
	return cancelEvent{kind: kind, valid: true}
}

func noCancel() cancelEvent {
	return cancelEvent{}
}

// notify delivers an event to the registered notifiers. On a veto the
// already notified ones get the given cancel event, the vetoer none.
func (m *MM) notify(ev *memplug.MemoryEvent, cancel cancelEvent) error {
	m.Lock()
	notifiers := make([]memplug.Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.Unlock()

	for i, n := range notifiers {
		switch n.Notify(ev) {
		case memplug.NotifyBad, memplug.NotifyBusy:
			if cancel.valid {
				cev := *ev
				cev.Kind = cancel.kind
				for j := 0; j < i; j++ {
					notifiers[j].Notify(&cev)
				}
			}
			return memplug.ErrBusy
		}
	}
	return nil
}

// AddMemory implements memplug.MemoryManager. Added memory is onlined
// right away, one memory block at a time, if an auto-online zone is
// configured. Events and online-page handling are delivered inline.
func (m *MM) AddMemory(addr, size uint64, group int) error {
	m.Lock()
	if len(m.addErrs) > 0 {
		err := m.addErrs[0]
		m.addErrs = m.addErrs[1:]
		m.Unlock()
		return err
	}
	if addr%m.cfg.BlockSize != 0 || size == 0 || size%m.cfg.BlockSize != 0 {
		m.Unlock()
		return mmError("%w: misaligned hot-add request %#x+%#x", memplug.ErrInvalid, addr, size)
	}
	for a, s := range m.added {
		if addr < a+s && addr+size > a {
			m.Unlock()
			return mmError("%w: range %#x+%#x already added", memplug.ErrInvalid, addr, size)
		}
	}
	m.added[addr] = size
	auto := m.cfg.AutoOnline
	m.Unlock()

	if auto == ZoneNone {
		return nil
	}
	for a := addr; a < addr+size; a += m.cfg.BlockSize {
		// A denied onlining leaves the block added but offline.
		m.onlineBlock(a, auto)
	}
	return nil
}

// OnlineBlock onlines the added memory block at addr to the given
// zone. Fails if a notifier vetoes the onlining.
func (m *MM) OnlineBlock(addr uint64, zone Zone) error {
	if zone == ZoneNone {
		return mmError("%w: cannot online to no zone", memplug.ErrInvalid)
	}
	return m.onlineBlock(addr, zone)
}

func (m *MM) onlineBlock(addr uint64, zone Zone) error {
	m.Lock()
	if !m.isAdded(addr, m.cfg.BlockSize) {
		m.Unlock()
		return mmError("%w: block %#x is not added", memplug.ErrInvalid, addr)
	}
	if _, ok := m.online[addr]; ok {
		m.Unlock()
		return mmError("%w: block %#x is already online", memplug.ErrInvalid, addr)
	}
	handler := m.handler
	m.Unlock()

	ev := &memplug.MemoryEvent{
		Kind:    memplug.MemoryGoingOnline,
		Addr:    addr,
		Size:    m.cfg.BlockSize,
		Movable: zone == ZoneMovable,
	}
	if err := m.notify(ev, cancelWith(memplug.MemoryCancelOnline)); err != nil {
		return mmError("onlining of block %#x denied: %w", addr, err)
	}

	m.Lock()
	m.online[addr] = zone
	m.Unlock()

	// Pages either go to the allocator or stay fake-offline; without a
	// handler, or for ranges no handler claims, everything becomes
	// allocatable.
	if handler == nil || !handler.OnlinePage(addr, m.cfg.BlockSize) {
		m.Lock()
		m.managed += int64(m.cfg.BlockSize)
		m.Unlock()
	}

	ev.Kind = memplug.MemoryOnline
	m.notify(ev, noCancel())
	return nil
}

// OfflineBlock offlines the online memory block at addr without
// removing it, the way an administrator would through sysfs. Fails if a
// notifier vetoes it or unmovable pages remain.
func (m *MM) OfflineBlock(addr uint64) error {
	m.Lock()
	_, online := m.online[addr]
	m.Unlock()
	if !online {
		return mmError("%w: block %#x is not online", memplug.ErrInvalid, addr)
	}
	return m.offlineBlock(addr)
}

// offlineBlock offlines the online memory block at addr, failing with
// ErrBusy if a notifier vetoes it or unmovable pages remain.
func (m *MM) offlineBlock(addr uint64) error {
	ev := &memplug.MemoryEvent{
		Kind: memplug.MemoryGoingOffline,
		Addr: addr,
		Size: m.cfg.BlockSize,
	}
	if err := m.notify(ev, noCancel()); err != nil {
		return err
	}

	// Isolate and migrate: every page must be free, or fake-offline
	// with its references dropped.
	m.Lock()
	busy := false
	for a := addr; a < addr+m.cfg.BlockSize; a += m.cfg.PageSize {
		if _, ok := m.pinned[a]; ok {
			busy = true
			break
		}
		if p, ok := m.pages[a]; ok {
			if p.allocated || (p.fakeOffline && !p.refsDropped) {
				busy = true
				break
			}
		}
	}
	m.Unlock()

	if busy {
		ev.Kind = memplug.MemoryCancelOffline
		m.notify(ev, noCancel())
		return memplug.ErrBusy
	}

	m.Lock()
	for a := addr; a < addr+m.cfg.BlockSize; a += m.cfg.PageSize {
		delete(m.pages, a)
	}
	delete(m.online, addr)
	m.managed -= int64(m.cfg.BlockSize)
	m.Unlock()

	ev.Kind = memplug.MemoryOffline
	m.notify(ev, noCancel())
	return nil
}

// isAdded returns true if the given range lies within added memory.
// Called with the lock held.
func (m *MM) isAdded(addr, size uint64) bool {
	for a, s := range m.added {
		if addr >= a && addr+size <= a+s {
			return true
		}
	}
	return false
}

// RemoveMemory implements memplug.MemoryManager.
func (m *MM) RemoveMemory(addr, size uint64) error {
	m.Lock()
	defer m.Unlock()

	s, ok := m.added[addr]
	if !ok || s != size {
		return mmError("%w: range %#x+%#x was not added as such", memplug.ErrInvalid, addr, size)
	}
	for a := addr; a < addr+size; a += m.cfg.BlockSize {
		if _, online := m.online[a]; online {
			return mmError("%w: block %#x is still online", memplug.ErrInvalid, a)
		}
	}
	for a := addr; a < addr+size; a += m.cfg.PageSize {
		delete(m.pages, a)
	}
	delete(m.added, addr)
	return nil
}

// OfflineAndRemoveMemory implements memplug.MemoryManager.
func (m *MM) OfflineAndRemoveMemory(addr, size uint64) error {
	m.Lock()
	s, ok := m.added[addr]
	m.Unlock()
	if !ok || s != size {
		return mmError("%w: range %#x+%#x was not added as such", memplug.ErrInvalid, addr, size)
	}

	offlined := map[uint64]Zone{}
	for a := addr; a < addr+size; a += m.cfg.BlockSize {
		m.Lock()
		zone, online := m.online[a]
		m.Unlock()
		if !online {
			continue
		}
		if err := m.offlineBlock(a); err != nil {
			// Online the already offlined blocks again.
			for oa, oz := range offlined {
				m.onlineBlock(oa, oz)
			}
			return err
		}
		offlined[a] = zone
	}

	m.Lock()
	delete(m.added, addr)
	m.Unlock()
	return nil
}

// Pin marks a page range unmovable, making fake-offlining and
// offlining of it fail.
func (m *MM) Pin(addr, size uint64) {
	m.Lock()
	defer m.Unlock()
	for a := addr; a < addr+size; a += m.cfg.PageSize {
		m.pinned[a] = struct{}{}
	}
}

// Unpin reverts a Pin.
func (m *MM) Unpin(addr, size uint64) {
	m.Lock()
	defer m.Unlock()
	for a := addr; a < addr+size; a += m.cfg.PageSize {
		delete(m.pinned, a)
	}
}

// FailAdd injects errors for the next n AddMemory calls.
func (m *MM) FailAdd(err error, n int) {
	m.Lock()
	defer m.Unlock()
	for i := 0; i < n; i++ {
		m.addErrs = append(m.addErrs, err)
	}
}

// FailAlloc injects errors for the next n AllocContig calls.
func (m *MM) FailAlloc(err error, n int) {
	m.Lock()
	defer m.Unlock()
	for i := 0; i < n; i++ {
		m.allocErrs = append(m.allocErrs, err)
	}
}

// IsBlockOnline returns true if the memory block at addr is online.
func (m *MM) IsBlockOnline(addr uint64) bool {
	m.Lock()
	defer m.Unlock()
	_, ok := m.online[addr]
	return ok
}

// FakeOfflinePages returns the number of fake-offline pages in the
// given range.
func (m *MM) FakeOfflinePages(addr, size uint64) int {
	m.Lock()
	defer m.Unlock()

	count := 0
	for a := addr; a < addr+size; a += m.cfg.PageSize {
		if p, ok := m.pages[a]; ok && p.fakeOffline {
			count++
		}
	}
	return count
}

// mmError returns a package-specific formatted error.
func mmError(format string, args ...interface{}) error {
	return fmt.Errorf("simulator: "+format, args...)
}

// hostError returns a package-specific formatted error.
func hostError(format string, args ...interface{}) error {
	return fmt.Errorf("simulator: "+format, args...)
}
