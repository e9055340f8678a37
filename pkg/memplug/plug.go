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

// plugRequest grows the plugged size by up to diff bytes.
func (d *Device) plugRequest(diff uint64) error {
	d.log.Debug("plugging up to %s", HumanReadableSize(diff))
	if d.mode == SubBlockMode {
		return d.sbmPlugRequest(diff)
	}
	return d.bbmPlugRequest(diff)
}

// sbmPlugSubblocks plugs count subblocks starting at sb of the given
// memory block on the host. Called with the hotplug lock held.
func (d *Device) sbmPlugSubblocks(id uint64, sb, count int) error {
	addr := d.layout.SubblockAddr(id, sb)
	size := uint64(count) * d.layout.SubblockSize

	if err := d.hostPlug(addr, size); err != nil {
		return err
	}
	d.sbm.bits.set(d.sbmBit(id, sb), count)
	return nil
}

// sbmUnplugSubblocks unplugs count subblocks starting at sb of the
// given memory block on the host. Called with the hotplug lock held.
func (d *Device) sbmUnplugSubblocks(id uint64, sb, count int) error {
	addr := d.layout.SubblockAddr(id, sb)
	size := uint64(count) * d.layout.SubblockSize

	if err := d.hostUnplug(addr, size); err != nil {
		return err
	}
	d.sbm.bits.clear(d.sbmBit(id, sb), count)
	return nil
}

// sbmPrepareNext starts tracking the next memory block of the region.
// Called with the hotplug lock held.
func (d *Device) sbmPrepareNext() (uint64, error) {
	if d.sbm.blocks.nextID > d.sbm.lastUsableID {
		return 0, ErrNoSpace
	}
	id := d.sbm.blocks.append()
	d.sbm.bits.grow(int(id+1-d.sbm.firstID) * d.layout.SubblocksPerBlock)
	return id, nil
}

// sbmPlugAnySB plugs as many unplugged subblocks of an already added
// memory block as possible, up to *nb. If the block is online, the
// plugged ranges are fake-onlined right away. Called with the hotplug
// lock held.
func (d *Device) sbmPlugAnySB(id uint64, nb *uint64) error {
	var (
		state  = d.sbmState(id)
		online = state.isOnline()
		per    = d.layout.SubblocksPerBlock
	)

	for *nb > 0 {
		sb := d.sbmFirstUnplugged(id)
		if sb >= per {
			break
		}
		count := 1
		for uint64(count) < *nb && sb+count < per && d.sbmIsUnplugged(id, sb+count, 1) {
			count++
		}

		if err := d.sbmPlugSubblocks(id, sb, count); err != nil {
			return err
		}
		*nb -= uint64(count)

		if online {
			d.fakeOnline(d.layout.SubblockAddr(id, sb), uint64(count)*d.layout.SubblockSize)
		}
	}

	if d.sbmIsPlugged(id, 0, per) {
		d.sbmSetState(id, state.fullState())
	}
	return nil
}

// sbmPlugAndAdd plugs up to *nb subblocks of an untracked or unused
// memory block and adds the block to the OS. On failure the plugged
// subblocks are unplugged again; if even that fails the block is left
// in the plugged state for the cleanup pass. Called without the
// hotplug lock.
func (d *Device) sbmPlugAndAdd(id uint64, nb *uint64) error {
	count := d.layout.SubblocksPerBlock
	if uint64(count) > *nb {
		count = int(*nb)
	}

	d.hotplug.Lock()
	if err := d.sbmPlugSubblocks(id, 0, count); err != nil {
		d.hotplug.Unlock()
		return err
	}
	if count == d.layout.SubblocksPerBlock {
		d.sbmSetState(id, BlockOffline)
	} else {
		d.sbmSetState(id, BlockOfflinePartial)
	}
	d.hotplug.Unlock()

	if err := d.addMemory(d.layout.BlockAddr(id), d.layout.MemBlockSize); err != nil {
		d.hotplug.Lock()
		if uerr := d.sbmUnplugSubblocks(id, 0, count); uerr != nil {
			d.sbmSetState(id, BlockPlugged)
		} else {
			d.sbmSetState(id, BlockUnused)
		}
		d.hotplug.Unlock()
		return err
	}

	*nb -= uint64(count)
	return nil
}

// sbmPlugRequest grows the plugged size by up to diff bytes in
// Sub-Block Mode. Partially plugged blocks are topped up first, then
// unused and untracked blocks are plugged and added.
func (d *Device) sbmPlugRequest(diff uint64) error {
	nb := diff / d.layout.SubblockSize
	if nb == 0 {
		return nil
	}

	// Partially plugged online blocks first: that memory is usable
	// right away. Partially plugged offline blocks next, they don't
	// grow the offline amount.
	d.hotplug.Lock()
	for _, state := range []BlockState{BlockKernelPartial, BlockMovablePartial, BlockOfflinePartial} {
		var err error
		d.sbm.blocks.forEach(uint8(state), func(id uint64) bool {
			err = d.sbmPlugAnySB(id, &nb)
			return err == nil && nb > 0
		})
		if err != nil || nb == 0 {
			d.hotplug.Unlock()
			return err
		}
	}
	d.hotplug.Unlock()

	// Plug and add unused, already tracked blocks.
	var err error
	d.hotplug.Lock()
	d.sbm.blocks.forEach(uint8(BlockUnused), func(id uint64) bool {
		if !d.couldAddMemory(d.layout.MemBlockSize) {
			err = ErrNoSpace
			return false
		}
		d.hotplug.Unlock()
		err = d.sbmPlugAndAdd(id, &nb)
		d.hotplug.Lock()
		return err == nil && nb > 0
	})
	d.hotplug.Unlock()
	if err != nil || nb == 0 {
		return err
	}

	// Plug and add new blocks at the end of the usable region.
	for nb > 0 {
		if !d.couldAddMemory(d.layout.MemBlockSize) {
			return ErrNoSpace
		}
		d.hotplug.Lock()
		id, err := d.sbmPrepareNext()
		d.hotplug.Unlock()
		if err != nil {
			return err
		}
		if err := d.sbmPlugAndAdd(id, &nb); err != nil {
			return err
		}
	}
	return nil
}

// bbmPlugBB plugs the given big block on the host. Called with the
// hotplug lock held.
func (d *Device) bbmPlugBB(id uint64) error {
	return d.hostPlug(d.layout.BigBlockAddr(id), d.layout.BigBlockSize)
}

// bbmUnplugBB unplugs the given big block on the host. Called with the
// hotplug lock held.
func (d *Device) bbmUnplugBB(id uint64) error {
	return d.hostUnplug(d.layout.BigBlockAddr(id), d.layout.BigBlockSize)
}

// bbmPrepareNext starts tracking the next big block of the region.
// Called with the hotplug lock held.
func (d *Device) bbmPrepareNext() (uint64, error) {
	if d.bbm.blocks.nextID > d.bbm.lastUsableID {
		return 0, ErrNoSpace
	}
	return d.bbm.blocks.append(), nil
}

// bbmPlugAndAdd plugs the given big block and adds it to the OS. If
// adding fails and the rollback unplug fails as well, the block is
// left in the plugged state for the cleanup pass. Called without the
// hotplug lock.
func (d *Device) bbmPlugAndAdd(id uint64) error {
	d.hotplug.Lock()
	if err := d.bbmPlugBB(id); err != nil {
		d.hotplug.Unlock()
		return err
	}
	d.bbmSetState(id, BigBlockPlugged)
	d.hotplug.Unlock()

	if err := d.addMemory(d.layout.BigBlockAddr(id), d.layout.BigBlockSize); err != nil {
		d.hotplug.Lock()
		if uerr := d.bbmUnplugBB(id); uerr != nil {
			d.log.Debug("leaving big block %d plugged for cleanup: %v", id, uerr)
		} else {
			d.bbmSetState(id, BigBlockUnused)
		}
		d.hotplug.Unlock()
		return err
	}

	d.hotplug.Lock()
	d.bbmSetState(id, BigBlockAdded)
	d.hotplug.Unlock()
	return nil
}

// bbmPlugRequest grows the plugged size by up to diff bytes in Big
// Block Mode.
func (d *Device) bbmPlugRequest(diff uint64) error {
	nb := diff / d.layout.BigBlockSize
	if nb == 0 {
		return nil
	}

	// Plug and add unused, already tracked big blocks.
	var err error
	d.hotplug.Lock()
	d.bbm.blocks.forEach(uint8(BigBlockUnused), func(id uint64) bool {
		if !d.couldAddMemory(d.layout.BigBlockSize) {
			err = ErrNoSpace
			return false
		}
		d.hotplug.Unlock()
		err = d.bbmPlugAndAdd(id)
		if err == nil {
			nb--
		}
		d.hotplug.Lock()
		return err == nil && nb > 0
	})
	d.hotplug.Unlock()
	if err != nil || nb == 0 {
		return err
	}

	// Plug and add new big blocks at the end of the usable region.
	for nb > 0 {
		if !d.couldAddMemory(d.layout.BigBlockSize) {
			return ErrNoSpace
		}
		d.hotplug.Lock()
		id, err := d.bbmPrepareNext()
		d.hotplug.Unlock()
		if err != nil {
			return err
		}
		if err := d.bbmPlugAndAdd(id); err != nil {
			return err
		}
		nb--
	}
	return nil
}
