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
	"errors"

	"github.com/hashicorp/go-multierror"
)

// unplugRequest shrinks the plugged size by up to diff bytes.
func (d *Device) unplugRequest(diff uint64) error {
	d.log.Debug("unplugging up to %s", HumanReadableSize(diff))
	if d.mode == SubBlockMode {
		return d.sbmUnplugRequest(diff)
	}
	return d.bbmUnplugRequest(diff)
}

// fakeOffline takes the exact given online range out of service: the
// pages are allocated from the page allocator and marked offline.
// Allocation is attempted a couple of times in movable zones, where
// failures are expected to be temporary. Aborts with ErrRetry on a
// configuration change so large ranges can't stall a shrinking
// request.
func (d *Device) fakeOffline(addr, size uint64) error {
	movable := d.pages.IsMovable(addr)

	for i := 0; i < fakeOfflineAttempts; i++ {
		if d.configChanged.Load() {
			return ErrRetry
		}
		err := d.pages.AllocContig(addr, size)
		if err == nil {
			d.pages.SetOffline(addr, size, true)
			d.pages.AdjustManaged(addr, -int64(size))
			return nil
		}
		if errors.Is(err, ErrNoMemory) {
			return err
		}
		if !movable {
			break
		}
	}
	return ErrBusy
}

// fakeOnline reverts a fake-offline range: pages taken from the
// allocator are handed back, pages that were never exposed to it are
// onlined the generic way.
func (d *Device) fakeOnline(addr, size uint64) {
	unit := d.layout.SubblockSize
	if d.mode == BigBlockMode {
		unit = d.mm.SectionSize()
	}
	for a := addr; a < addr+size; a += unit {
		if d.pages.FromAllocator(a) {
			d.pages.AdjustManaged(a, int64(unit))
			d.pages.ClearOffline(a, unit, true)
			d.pages.FreeContig(a, unit)
		} else {
			d.pages.ClearOffline(a, unit, false)
			d.pages.Online(a, unit)
		}
	}
}

// sbmUnplugAnySBRaw unplugs up to *nb plugged subblocks of the given
// memory block on the host, scanning downwards and coalescing
// contiguous plugged runs. Called with the hotplug lock held.
func (d *Device) sbmUnplugAnySBRaw(id uint64, nb *uint64) error {
	sb := d.layout.SubblocksPerBlock - 1

	for *nb > 0 {
		for sb >= 0 && d.sbmIsUnplugged(id, sb, 1) {
			sb--
		}
		if sb < 0 {
			break
		}
		count := 1
		for uint64(count) < *nb && sb > 0 && d.sbmIsPlugged(id, sb-1, 1) {
			sb--
			count++
		}

		if err := d.sbmUnplugSubblocks(id, sb, count); err != nil {
			return err
		}
		*nb -= uint64(count)
		sb--
	}
	return nil
}

// sbmUnplugAnySBOffline unplugs up to *nb subblocks of an offline
// memory block. A fully unplugged block is removed from the OS, which
// must not fail for offline memory. Called with the hotplug lock held,
// which is dropped around the removal.
func (d *Device) sbmUnplugAnySBOffline(id uint64, nb *uint64) error {
	err := d.sbmUnplugAnySBRaw(id, nb)

	// Some subblocks might have been unplugged even on failure.
	if !d.sbmIsPlugged(id, 0, d.layout.SubblocksPerBlock) &&
		d.sbmState(id) == BlockOffline {
		d.sbmSetState(id, BlockOfflinePartial)
	}
	if err != nil {
		return err
	}

	if d.sbmIsUnplugged(id, 0, d.layout.SubblocksPerBlock) {
		d.hotplug.Unlock()
		rerr := d.removeMemory(d.layout.BlockAddr(id), d.layout.MemBlockSize)
		d.hotplug.Lock()
		if rerr != nil {
			d.log.Panic("failed to remove offline memory block %d: %v", id, rerr)
		}
		d.sbmSetState(id, BlockUnused)
	}
	return nil
}

// sbmUnplugSBOnline unplugs count subblocks starting at sb of an
// online memory block: the pages are fake-offlined first and handed
// back on failure. Called with the hotplug lock held.
func (d *Device) sbmUnplugSBOnline(id uint64, sb, count int) error {
	var (
		addr  = d.layout.SubblockAddr(id, sb)
		size  = uint64(count) * d.layout.SubblockSize
		state = d.sbmState(id)
	)

	if err := d.fakeOffline(addr, size); err != nil {
		return err
	}

	if err := d.sbmUnplugSubblocks(id, sb, count); err != nil {
		d.fakeOnline(addr, size)
		return err
	}

	d.sbmSetState(id, state.partialState())
	return nil
}

// sbmTryRemoveUnplugged offlines and removes a fully unplugged online
// memory block. Called with the hotplug lock held, which is dropped
// around the offlining.
func (d *Device) sbmTryRemoveUnplugged(id uint64) error {
	if !d.sbmIsUnplugged(id, 0, d.layout.SubblocksPerBlock) {
		return nil
	}

	d.hotplug.Unlock()
	err := d.offlineAndRemoveMemory(d.layout.BlockAddr(id), d.layout.MemBlockSize)
	d.hotplug.Lock()
	if err == nil {
		d.sbmSetState(id, BlockUnused)
	}
	return err
}

// sbmUnplugAnySBOnline unplugs up to *nb subblocks of an online memory
// block. Whole-block unplug is attempted first, falling back to single
// subblocks with busy ones skipped. A fully unplugged block is
// offlined and removed, with failures remembered and retried by later
// reconciliation runs. Called with the hotplug lock held.
func (d *Device) sbmUnplugAnySBOnline(id uint64, nb *uint64) error {
	per := d.layout.SubblocksPerBlock

	// If possible, unplug the complete block in one shot.
	if *nb >= uint64(per) && d.sbmIsPlugged(id, 0, per) {
		err := d.sbmUnplugSBOnline(id, 0, per)
		if err == nil {
			*nb -= uint64(per)
			goto unplugged
		}
		if !errors.Is(err, ErrBusy) {
			return err
		}
	}

	// Fall back to single subblocks.
	for sb := per - 1; sb >= 0 && *nb > 0; sb-- {
		for sb >= 0 && d.sbmIsUnplugged(id, sb, 1) {
			sb--
		}
		if sb < 0 {
			break
		}
		err := d.sbmUnplugSBOnline(id, sb, 1)
		if errors.Is(err, ErrBusy) {
			continue
		}
		if err != nil {
			return err
		}
		*nb -= 1
	}

unplugged:
	// Failures to offline and remove are not critical here, later
	// reconciliation runs retry.
	if err := d.sbmTryRemoveUnplugged(id); err != nil {
		d.log.Debug("failed to remove unplugged block %d: %v", id, err)
		d.sbm.haveUnplugged = true
	}
	return nil
}

// sbmUnplugRequest shrinks the plugged size by up to diff bytes in
// Sub-Block Mode. Offline blocks go first, then partially plugged
// online blocks, then fully plugged online blocks, newest blocks
// before older ones.
func (d *Device) sbmUnplugRequest(diff uint64) error {
	nb := diff / d.layout.SubblockSize
	if nb == 0 {
		return nil
	}

	states := []BlockState{
		BlockOfflinePartial,
		BlockOffline,
		BlockMovablePartial,
		BlockKernelPartial,
		BlockMovable,
		BlockKernel,
	}

	d.hotplug.Lock()
	defer d.hotplug.Unlock()

	for i, state := range states {
		var err error
		d.sbm.blocks.forEachRev(uint8(state), func(id uint64) bool {
			if state.isOnline() {
				err = d.sbmUnplugAnySBOnline(id, &nb)
			} else {
				err = d.sbmUnplugAnySBOffline(id, &nb)
			}
			return err == nil && nb > 0
		})
		if err != nil || nb == 0 {
			return err
		}
		if !*d.cfg.UnplugOnline && i == 1 {
			return nil
		}
	}

	if nb > 0 {
		return ErrBusy
	}
	return nil
}

// bbmIsOffline returns true if no section of the given big block has
// online pages.
func (d *Device) bbmIsOffline(id uint64) bool {
	addr := d.layout.BigBlockAddr(id)
	section := d.mm.SectionSize()
	for a := addr; a < addr+d.layout.BigBlockSize; a += section {
		if d.pages.IsOnline(a) {
			return false
		}
	}
	return true
}

// bbmIsMovable returns true if all online sections of the given big
// block are in movable zones.
func (d *Device) bbmIsMovable(id uint64) bool {
	addr := d.layout.BigBlockAddr(id)
	section := d.mm.SectionSize()
	for a := addr; a < addr+d.layout.BigBlockSize; a += section {
		if d.pages.IsOnline(a) && !d.pages.IsMovable(a) {
			return false
		}
	}
	return true
}

// bbmOfflineRemoveAndUnplug fake-offlines all online memory of the
// given added big block, offlines and removes it from the OS and
// unplugs it on the host. On failure the fake-offline ranges are
// reverted and the block stays added; if only the host unplug fails,
// the block stays plugged for the cleanup pass. Called without the
// hotplug lock.
func (d *Device) bbmOfflineRemoveAndUnplug(id uint64) error {
	var (
		addr    = d.layout.BigBlockAddr(id)
		size    = d.layout.BigBlockSize
		section = d.mm.SectionSize()
	)

	d.hotplug.Lock()
	if d.bbmState(id) != BigBlockAdded {
		d.hotplug.Unlock()
		return deviceError("%w: big block %d is not added", ErrInvalid, id)
	}
	// Once marked fake-offline, any page of the block the OS onlines
	// from now on stays logically unplugged.
	d.bbmSetState(id, BigBlockFakeOffline)
	d.hotplug.Unlock()

	rollbackEnd := addr
	var err error
	for a := addr; a < addr+size; a += section {
		if !d.pages.IsOnline(a) {
			continue
		}
		if err = d.fakeOffline(a, section); err != nil {
			rollbackEnd = a
			goto rollback
		}
	}

	if err = d.offlineAndRemoveMemory(addr, size); err != nil {
		rollbackEnd = addr + size
		goto rollback
	}

	d.hotplug.Lock()
	if uerr := d.bbmUnplugBB(id); uerr != nil {
		d.bbmSetState(id, BigBlockPlugged)
		d.hotplug.Unlock()
		return uerr
	}
	d.bbmSetState(id, BigBlockUnused)
	d.hotplug.Unlock()
	return nil

rollback:
	for a := addr; a < rollbackEnd; a += section {
		if !d.pages.IsOnline(a) {
			continue
		}
		d.fakeOnline(a, section)
	}
	d.hotplug.Lock()
	d.bbmSetState(id, BigBlockAdded)
	d.hotplug.Unlock()
	return err
}

// bbmUnplugRequest shrinks the plugged size by up to diff bytes in
// Big Block Mode. Three passes over the added big blocks, newest
// first: offline blocks, fully movable blocks, then any block.
func (d *Device) bbmUnplugRequest(diff uint64) error {
	nb := diff / d.layout.BigBlockSize
	if nb == 0 {
		return nil
	}

	for i := 0; i < 3; i++ {
		var err error
		d.hotplug.Lock()
		d.bbm.blocks.forEachRev(uint8(BigBlockAdded), func(id uint64) bool {
			if i == 0 && !d.bbmIsOffline(id) {
				return true
			}
			if i == 1 && !d.bbmIsMovable(id) {
				return true
			}
			d.hotplug.Unlock()
			err = d.bbmOfflineRemoveAndUnplug(id)
			d.hotplug.Lock()
			if errors.Is(err, ErrBusy) {
				err = nil
				return true
			}
			if err == nil {
				nb--
			}
			return err == nil && nb > 0
		})
		d.hotplug.Unlock()
		if err != nil || nb == 0 {
			return err
		}
		if i == 0 && !*d.cfg.UnplugOnline {
			return nil
		}
	}

	if nb > 0 {
		return ErrBusy
	}
	return nil
}

// cleanupPending unplugs blocks left in the transient plugged state by
// failed rollbacks and retries removing fully unplugged online blocks
// a previous run could not offline. Called by the worker, without the
// hotplug lock.
func (d *Device) cleanupPending() error {
	d.hotplug.Lock()
	defer d.hotplug.Unlock()

	if d.mode == BigBlockMode {
		var err error
		d.bbm.blocks.forEach(uint8(BigBlockPlugged), func(id uint64) bool {
			if err = d.bbmUnplugBB(id); err != nil {
				return false
			}
			d.bbmSetState(id, BigBlockUnused)
			return true
		})
		return err
	}

	var err error
	d.sbm.blocks.forEach(uint8(BlockPlugged), func(id uint64) bool {
		nb := uint64(d.layout.SubblocksPerBlock)
		if err = d.sbmUnplugAnySBRaw(id, &nb); err != nil {
			return false
		}
		d.sbmSetState(id, BlockUnused)
		return true
	})
	if err != nil || !d.sbm.haveUnplugged {
		return err
	}

	// Retry removing fully unplugged blocks that could not be offlined.
	d.sbm.haveUnplugged = false
	var errs *multierror.Error
	for _, state := range []BlockState{BlockMovablePartial, BlockKernelPartial, BlockOfflinePartial} {
		d.sbm.blocks.forEach(uint8(state), func(id uint64) bool {
			errs = multierror.Append(errs, d.sbmTryRemoveUnplugged(id))
			return true
		})
	}
	if err := errs.ErrorOrNil(); err != nil {
		d.log.Debug("failed to remove unplugged blocks, will retry: %v", err)
		d.sbm.haveUnplugged = true
	}
	return nil
}
