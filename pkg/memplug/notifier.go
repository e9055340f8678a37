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

// Notify implements Notifier. The device tracks online/offline
// transitions of its memory blocks, vetoes transitions that would
// corrupt its state and keeps the fake-offline page bookkeeping
// consistent across OS offlining.
//
// The hotplug lock is taken on a going-online/going-offline event and
// held until the matching completion or cancel event, which the OS
// delivers on the same goroutine.
func (d *Device) Notify(event *MemoryEvent) Disposition {
	if !d.Overlaps(event.Addr, event.Size) {
		return NotifyDone
	}

	var id uint64
	if d.mode == SubBlockMode {
		// Memory is added in individual memory blocks, so it must be
		// onlined and offlined in the same granularity.
		if event.Size != d.layout.MemBlockSize ||
			!isAligned(event.Addr, d.layout.MemBlockSize) {
			d.log.Error("unexpected %v of %#x-%#x, not a whole memory block",
				event.Kind, event.Addr, event.Addr+event.Size-1)
			return NotifyBad
		}
		id = d.layout.BlockID(event.Addr)
	} else {
		// Only the containing big block matters, but a transition must
		// not straddle two of them.
		id = d.layout.BigBlockID(event.Addr)
		if id != d.layout.BigBlockID(event.Addr+event.Size-1) {
			d.log.Error("unexpected %v of %#x-%#x, crosses a big block boundary",
				event.Kind, event.Addr, event.Addr+event.Size-1)
			return NotifyBad
		}
	}

	disp := NotifyOK
	switch event.Kind {
	case MemoryGoingOffline:
		d.hotplug.Lock()
		if d.removing.Load() {
			d.hotplug.Unlock()
			return NotifyBusy
		}
		d.hotplugActive = true
		if d.mode == SubBlockMode {
			d.sbmGoingOffline(id)
		} else {
			d.bbmGoingOffline(id, event.Addr, event.Size)
		}

	case MemoryGoingOnline:
		d.hotplug.Lock()
		if d.removing.Load() {
			d.hotplug.Unlock()
			return NotifyBusy
		}
		d.hotplugActive = true
		if d.mode == SubBlockMode {
			disp = d.sbmGoingOnline(id)
			if disp != NotifyOK {
				d.hotplugActive = false
				d.hotplug.Unlock()
			}
		}

	case MemoryOffline:
		if d.mode == SubBlockMode {
			d.sbmOffline(id)
		}
		d.offlineSize.Add(int64(event.Size))
		// Now that there is offline memory, pending unplug requests
		// restricted to offline memory may make progress.
		if !*d.cfg.UnplugOnline {
			d.retry()
		}
		d.hotplugActive = false
		d.hotplug.Unlock()

	case MemoryOnline:
		if d.mode == SubBlockMode {
			d.sbmOnline(id, event.Movable)
		}
		d.offlineSize.Add(-int64(event.Size))
		// Start plugging more memory once half of the offline
		// threshold got onlined.
		if !d.wk.active.Load() && d.couldAddMemory(d.offlineThreshold/2) {
			d.retry()
		}
		d.hotplugActive = false
		d.hotplug.Unlock()

	case MemoryCancelOffline:
		if !d.hotplugActive {
			break
		}
		if d.mode == SubBlockMode {
			d.sbmCancelOffline(id)
		} else {
			d.bbmCancelOffline(id, event.Addr, event.Size)
		}
		d.hotplugActive = false
		d.hotplug.Unlock()

	case MemoryCancelOnline:
		if !d.hotplugActive {
			break
		}
		d.hotplugActive = false
		d.hotplug.Unlock()
	}

	return disp
}

// sbmGoingOnline decides whether an offline memory block may be
// onlined. Blocks the device didn't add, or whose unplugged ranges the
// OS would hand to the page allocator without asking us, must stay
// offline. Called with the hotplug lock held.
func (d *Device) sbmGoingOnline(id uint64) Disposition {
	if d.sbm.blocks.tracked(id) {
		switch d.sbmState(id) {
		case BlockOffline, BlockOfflinePartial:
			return NotifyOK
		}
	}
	if d.vetoWarn.Allow() {
		d.log.Warn("denying onlining of memory block %d", id)
	}
	return NotifyBad
}

// sbmOnline tracks a completed onlining. Called with the hotplug lock
// held.
func (d *Device) sbmOnline(id uint64, movable bool) {
	switch d.sbmState(id) {
	case BlockOffline:
		if movable {
			d.sbmSetState(id, BlockMovable)
		} else {
			d.sbmSetState(id, BlockKernel)
		}
	case BlockOfflinePartial:
		if movable {
			d.sbmSetState(id, BlockMovablePartial)
		} else {
			d.sbmSetState(id, BlockKernelPartial)
		}
	}
}

// sbmOffline tracks a completed offlining. Called with the hotplug
// lock held.
func (d *Device) sbmOffline(id uint64) {
	switch d.sbmState(id) {
	case BlockKernel, BlockMovable:
		d.sbmSetState(id, BlockOffline)
	case BlockKernelPartial, BlockMovablePartial:
		d.sbmSetState(id, BlockOfflinePartial)
	}
}

// goingOffline releases the fake-offline pages of the given range for
// OS offlining: our references are dropped and the pages put back into
// the managed counters, so the offlining code can account for them.
func (d *Device) goingOffline(addr, size uint64) {
	d.pages.AdjustManaged(addr, int64(size))
	d.pages.DropRefs(addr, size)
}

// cancelOffline reverts a goingOffline after an aborted offlining.
func (d *Device) cancelOffline(addr, size uint64) {
	d.pages.TakeRefs(addr, size)
	d.pages.AdjustManaged(addr, -int64(size))
}

// sbmGoingOffline prepares the unplugged, fake-offline subblocks of a
// memory block for OS offlining. Called with the hotplug lock held.
func (d *Device) sbmGoingOffline(id uint64) {
	for sb := 0; sb < d.layout.SubblocksPerBlock; sb++ {
		if d.sbmIsPlugged(id, sb, 1) {
			continue
		}
		d.goingOffline(d.layout.SubblockAddr(id, sb), d.layout.SubblockSize)
	}
}

// sbmCancelOffline reverts sbmGoingOffline. Called with the hotplug
// lock held.
func (d *Device) sbmCancelOffline(id uint64) {
	for sb := 0; sb < d.layout.SubblocksPerBlock; sb++ {
		if d.sbmIsPlugged(id, sb, 1) {
			continue
		}
		d.cancelOffline(d.layout.SubblockAddr(id, sb), d.layout.SubblockSize)
	}
}

// bbmGoingOffline prepares the fake-offline sections of a big block
// being unplugged for OS offlining. Called with the hotplug lock held.
func (d *Device) bbmGoingOffline(id uint64, addr, size uint64) {
	if d.bbmState(id) != BigBlockFakeOffline {
		return
	}
	section := d.mm.SectionSize()
	for a := addr; a < addr+size; a += section {
		if !d.pages.IsOnline(a) {
			continue
		}
		d.goingOffline(a, section)
	}
}

// bbmCancelOffline reverts bbmGoingOffline. Called with the hotplug
// lock held.
func (d *Device) bbmCancelOffline(id uint64, addr, size uint64) {
	if d.bbmState(id) != BigBlockFakeOffline {
		return
	}
	section := d.mm.SectionSize()
	for a := addr; a < addr+size; a += section {
		if !d.pages.IsOnline(a) {
			continue
		}
		d.cancelOffline(a, section)
	}
}

// onlinePage handles pages of the device region being onlined by the
// OS. Plugged ranges are onlined the generic way, unplugged ranges are
// kept fake-offline. Called on a goroutine that already holds the
// hotplug lock further up the call chain, so it must not lock.
func (d *Device) onlinePage(addr, size uint64) {
	end := addr + size
	for a := addr; a < end; {
		var (
			next   uint64
			online bool
		)
		if d.mode == SubBlockMode {
			id := d.layout.BlockID(a)
			next = minU64(end, d.layout.BlockAddr(id+1))
			sb := d.layout.SubblockID(a)
			count := d.layout.SubblockID(next-1) - sb + 1
			switch {
			case d.sbmIsPlugged(id, sb, count):
				online = true
			case count == 1 || d.sbmIsUnplugged(id, sb, count):
				online = false
			default:
				// Mixed: decide one subblock at a time.
				next = minU64(next, alignDown(a, d.layout.SubblockSize)+d.layout.SubblockSize)
				online = d.sbmIsPlugged(id, sb, 1)
			}
		} else {
			id := d.layout.BigBlockID(a)
			next = minU64(end, d.layout.BigBlockAddr(id+1))
			online = d.bbmState(id) != BigBlockFakeOffline
		}

		if online {
			d.pages.Online(a, next-a)
		} else {
			d.pages.SetOffline(a, next-a, false)
		}
		a = next
	}
}
