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
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logger "github.com/hostmem/memplug/pkg/log"
)

// Device is one hot-(un)pluggable memory device. It owns a physical
// region and reconciles the amount of host-backed memory in it against
// an externally requested size.
type Device struct {
	cfg   Config
	host  HostClient
	mm    MemoryManager
	pages PageOps
	reg   *Registry
	log   logger.Logger

	mode   Mode
	layout Layout
	group  int

	// hotplug serializes all block state, bitmap and usable-range
	// mutations. It is dropped around OS add/remove calls, which
	// deliver memory events back to us on the calling goroutine.
	hotplug       sync.Mutex
	hotplugActive bool

	sbm struct {
		blocks        *stateTable
		bits          bitmap
		firstID       uint64
		lastUsableID  uint64
		haveUnplugged bool
	}
	bbm struct {
		blocks       *stateTable
		firstID      uint64
		lastUsableID uint64
	}

	requestedSize    atomic.Uint64
	pluggedSize      atomic.Uint64
	offlineSize      atomic.Int64
	usableSize       uint64
	offlineThreshold uint64

	configChanged atomic.Bool
	broken        atomic.Bool
	removing      atomic.Bool
	unplugAll     bool

	wk       *worker
	started  bool
	vetoWarn *rate.Limiter

	hostPlugs        atomic.Uint64
	hostPlugErrors   atomic.Uint64
	hostUnplugs      atomic.Uint64
	hostUnplugErrors atomic.Uint64
}

// New creates a device for the given region without attaching it yet.
func New(cfg *Config, host HostClient, mm MemoryManager, reg *Registry) (*Device, error) {
	c := *cfg
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	d := &Device{
		cfg:      c,
		host:     host,
		mm:       mm,
		pages:    mm.Pages(),
		reg:      reg,
		log:      logger.Get(c.Name),
		vetoWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}

	if err := d.selectMode(); err != nil {
		return nil, err
	}

	d.offlineThreshold = c.OfflineThreshold
	if d.offlineThreshold == 0 {
		unit := d.unitSize()
		d.offlineThreshold = defaultOfflineThreshold
		if 2*unit > d.offlineThreshold {
			d.offlineThreshold = 2 * unit
		}
	}

	d.requestedSize.Store(c.RequestedSize)
	d.usableSize = c.RegionSize
	d.updateUsableRange()

	plugged := host.PluggedSize()
	d.pluggedSize.Store(plugged)
	if plugged > 0 {
		d.log.Info("host still backs %s from a previous run, unplugging it all first",
			HumanReadableSize(plugged))
		d.unplugAll = true
	}

	d.wk = newWorker(d)

	d.log.Info("device region: %#x-%#x", c.Addr, c.Addr+c.RegionSize-1)
	d.log.Info("device block size: %s", HumanReadableSize(c.BlockSize))
	d.log.Info("OS memory block size: %s", HumanReadableSize(d.layout.MemBlockSize))
	switch d.mode {
	case SubBlockMode:
		d.log.Info("subblock size: %s", HumanReadableSize(d.layout.SubblockSize))
	case BigBlockMode:
		d.log.Info("big block size: %s", HumanReadableSize(d.layout.BigBlockSize))
	}
	d.log.Info("offline threshold: %s", HumanReadableSize(d.offlineThreshold))

	return d, nil
}

// selectMode picks the operating mode and sets up the layout and the
// state tracking for it.
func (d *Device) selectMode() error {
	memBlockSize := d.mm.MemoryBlockSize()
	if !isPowerOfTwo(memBlockSize) {
		return deviceError("%w: OS memory block size %#x is not a power of two",
			ErrInvalid, memBlockSize)
	}
	d.layout.MemBlockSize = memBlockSize

	sbSize := d.cfg.BlockSize
	if d.cfg.AllocUnit > sbSize {
		sbSize = d.cfg.AllocUnit
	}

	if sbSize < memBlockSize && !d.cfg.ForceBigBlocks {
		d.mode = SubBlockMode
		d.layout.SubblockSize = sbSize
		d.layout.SubblocksPerBlock = int(memBlockSize / sbSize)
		d.sbm.firstID = d.layout.BlockID(alignUp(d.cfg.Addr, memBlockSize))
		d.sbm.blocks = newStateTable(d.sbm.firstID, blockStateCount)
		if !isAligned(d.cfg.Addr, memBlockSize) || !isAligned(d.cfg.RegionSize, memBlockSize) {
			d.log.Warn("region is not aligned to the OS memory block size, some memory is unusable")
		}
		return nil
	}

	d.mode = BigBlockMode
	bbSize := d.cfg.BlockSize
	if memBlockSize > bbSize {
		bbSize = memBlockSize
	}
	if d.cfg.BigBlockSize != 0 {
		if d.cfg.BigBlockSize < bbSize {
			return deviceError("%w: big block size %s is smaller than the minimum %s",
				ErrInvalid, HumanReadableSize(d.cfg.BigBlockSize), HumanReadableSize(bbSize))
		}
		bbSize = d.cfg.BigBlockSize
	}
	d.layout.BigBlockSize = bbSize
	d.bbm.firstID = d.layout.BigBlockID(alignUp(d.cfg.Addr, bbSize))
	d.bbm.blocks = newStateTable(d.bbm.firstID, bigBlockStateCount)
	if !isAligned(d.cfg.Addr, bbSize) || !isAligned(d.cfg.RegionSize, bbSize) {
		d.log.Warn("region is not aligned to the big block size, some memory is unusable")
	}
	return nil
}

// unitSize returns the granularity OS memory is added and removed in.
func (d *Device) unitSize() uint64 {
	if d.mode == SubBlockMode {
		return d.layout.MemBlockSize
	}
	return d.layout.BigBlockSize
}

// updateUsableRange recomputes the last usable block id from the
// current usable region size, rounding partially covered blocks out.
func (d *Device) updateUsableRange() {
	end := d.cfg.Addr + d.usableSize
	if d.mode == SubBlockMode {
		d.sbm.lastUsableID = d.layout.BlockID(end) - 1
	} else {
		d.bbm.lastUsableID = d.layout.BigBlockID(end) - 1
	}
}

// Start attaches the device: it reserves the region, registers for
// memory events and page onlining, and starts the reconciliation
// worker.
func (d *Device) Start() error {
	if d.started {
		return deviceError("%w: device %s already started", ErrInvalid, d.cfg.Name)
	}

	if err := d.mm.ReserveRegion(d.cfg.Addr, d.cfg.RegionSize, d.cfg.Name); err != nil {
		return deviceError("failed to reserve device region: %w", err)
	}

	group, err := d.mm.RegisterGroup(d.cfg.Node, d.unitSize())
	if err != nil {
		d.mm.ReleaseRegion(d.cfg.Addr, d.cfg.RegionSize)
		return deviceError("failed to register memory group: %w", err)
	}
	d.group = group

	if err := d.reg.attach(d); err != nil {
		d.mm.UnregisterGroup(d.group)
		d.mm.ReleaseRegion(d.cfg.Addr, d.cfg.RegionSize)
		return deviceError("failed to attach device: %w", err)
	}
	d.mm.RegisterNotifier(d)

	d.started = true
	d.wk.start()
	d.configChanged.Store(true)
	d.retry()

	return nil
}

// Stop detaches the device. Pending work is cancelled and waited for.
// Plugged memory that is still added to the OS stays added; the region
// and the memory group are kept reserved in that case.
func (d *Device) Stop() {
	if !d.started {
		return
	}

	d.removing.Store(true)
	d.wk.stop()

	if d.mode == SubBlockMode {
		// Partially plugged offline blocks contain unplugged ranges the
		// OS must not online later on. Remove them while we still can.
		d.hotplug.Lock()
		d.sbm.blocks.forEach(uint8(BlockOfflinePartial), func(id uint64) bool {
			d.hotplug.Unlock()
			err := d.removeMemory(d.layout.BlockAddr(id), d.layout.MemBlockSize)
			d.hotplug.Lock()
			if err != nil {
				d.log.Panic("failed to remove offline memory block %d: %v", id, err)
			}
			d.sbmSetState(id, BlockUnused)
			return true
		})
		d.hotplug.Unlock()
	}

	d.mm.UnregisterNotifier(d)
	d.reg.detach(d)

	if d.mm.RangeHasMemory(d.cfg.Addr, d.cfg.RegionSize) {
		d.log.Warn("device still has memory added to the OS after detaching")
	} else {
		d.mm.UnregisterGroup(d.group)
		d.mm.ReleaseRegion(d.cfg.Addr, d.cfg.RegionSize)
	}

	d.started = false
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.cfg.Name
}

// Mode returns the operating mode of the device.
func (d *Device) Mode() Mode {
	return d.mode
}

// Layout returns the address translation layout of the device.
func (d *Device) Layout() Layout {
	return d.layout
}

// RequestedSize returns the currently requested size.
func (d *Device) RequestedSize() uint64 {
	return d.requestedSize.Load()
}

// PluggedSize returns the amount of host-backed memory.
func (d *Device) PluggedSize() uint64 {
	return d.pluggedSize.Load()
}

// OfflineSize returns the amount of device memory added to the OS but
// currently offline.
func (d *Device) OfflineSize() uint64 {
	size := d.offlineSize.Load()
	if size < 0 {
		return 0
	}
	return uint64(size)
}

// Broken returns true if the device hit an unrecoverable error and
// stopped reconciling.
func (d *Device) Broken() bool {
	return d.broken.Load()
}

// Overlaps returns true if the given range overlaps the device region.
func (d *Device) Overlaps(addr, size uint64) bool {
	return addr < d.cfg.Addr+d.cfg.RegionSize && addr+size > d.cfg.Addr
}

// contains returns true if the given range lies fully within the
// device region.
func (d *Device) contains(addr, size uint64) bool {
	return addr >= d.cfg.Addr && addr+size <= d.cfg.Addr+d.cfg.RegionSize
}

// SetRequestedSize sets the requested size and kicks reconciliation.
func (d *Device) SetRequestedSize(size uint64) {
	d.log.Info("requested size: %s", HumanReadableSize(size))
	d.requestedSize.Store(size)
	d.configChanged.Store(true)
	d.retry()
}

// ConfigChanged signals that the host changed the device
// configuration, for example by shrinking the usable region.
func (d *Device) ConfigChanged() {
	d.configChanged.Store(true)
	d.retry()
}

// retry kicks the reconciliation worker unless the device is being
// removed. A late kick racing with removal is harmless, the worker
// channel stays valid and the kick goes unprocessed.
func (d *Device) retry() {
	if d.removing.Load() {
		return
	}
	d.wk.kick()
}

// refreshConfig picks up a changed requested size or usable region.
// Called by the worker, without the hotplug lock.
func (d *Device) refreshConfig() {
	if h, ok := d.host.(interface{ UsableRegionSize() uint64 }); ok {
		usable := h.UsableRegionSize()
		if usable > d.cfg.RegionSize {
			usable = d.cfg.RegionSize
		}
		if usable != d.usableSize {
			d.hotplug.Lock()
			d.usableSize = usable
			d.updateUsableRange()
			d.hotplug.Unlock()
			d.log.Info("usable region size: %s", HumanReadableSize(usable))
		}
	}

	requested := d.requestedSize.Load()
	if !isAligned(requested, d.cfg.BlockSize) {
		d.log.Warn("requested size %s is not aligned to the device block size",
			HumanReadableSize(requested))
	}
	d.log.Info("plugged size: %s, requested size: %s",
		HumanReadableSize(d.pluggedSize.Load()), HumanReadableSize(requested))
}

// sbmState returns the state of the given memory block.
func (d *Device) sbmState(id uint64) BlockState {
	return BlockState(d.sbm.blocks.get(id))
}

// sbmSetState transitions the given memory block to a new state.
func (d *Device) sbmSetState(id uint64, state BlockState) {
	d.sbm.blocks.set(id, uint8(state))
}

// bbmState returns the state of the given big block.
func (d *Device) bbmState(id uint64) BigBlockState {
	return BigBlockState(d.bbm.blocks.get(id))
}

// bbmSetState transitions the given big block to a new state.
func (d *Device) bbmSetState(id uint64, state BigBlockState) {
	d.bbm.blocks.set(id, uint8(state))
}

// sbmBit returns the bitmap index of the given subblock.
func (d *Device) sbmBit(id uint64, sb int) int {
	return int(id-d.sbm.firstID)*d.layout.SubblocksPerBlock + sb
}

// sbmIsPlugged returns true if count subblocks starting at sb of the
// given block are all plugged.
func (d *Device) sbmIsPlugged(id uint64, sb, count int) bool {
	return d.sbm.bits.allSet(d.sbmBit(id, sb), count)
}

// sbmIsUnplugged returns true if count subblocks starting at sb of the
// given block are all unplugged.
func (d *Device) sbmIsUnplugged(id uint64, sb, count int) bool {
	return d.sbm.bits.allClear(d.sbmBit(id, sb), count)
}

// sbmFirstUnplugged returns the index of the first unplugged subblock
// of the given block, or SubblocksPerBlock if all are plugged.
func (d *Device) sbmFirstUnplugged(id uint64) int {
	bit := d.sbmBit(id, 0)
	return d.sbm.bits.nextClear(bit, bit+d.layout.SubblocksPerBlock) - bit
}

// couldAddMemory returns true if adding size bytes of offline memory
// would stay within the offline threshold.
func (d *Device) couldAddMemory(size uint64) bool {
	return d.offlineSize.Load()+int64(size) <= int64(d.offlineThreshold)
}

// addMemory adds the given range to the OS. Called without the hotplug
// lock, as the OS may deliver onlining events before returning.
func (d *Device) addMemory(addr, size uint64) error {
	d.log.Debug("adding memory %#x-%#x", addr, addr+size-1)
	d.offlineSize.Add(int64(size))
	if err := d.mm.AddMemory(addr, size, d.group); err != nil {
		d.offlineSize.Add(-int64(size))
		d.log.Debug("failed to add memory: %v", err)
		return deviceError("failed to add memory %#x-%#x: %w", addr, addr+size-1, err)
	}
	return nil
}

// removeMemory removes the given offline range from the OS. Called
// without the hotplug lock.
func (d *Device) removeMemory(addr, size uint64) error {
	d.log.Debug("removing memory %#x-%#x", addr, addr+size-1)
	if err := d.mm.RemoveMemory(addr, size); err != nil {
		d.log.Debug("failed to remove memory: %v", err)
		return deviceError("failed to remove memory %#x-%#x: %w", addr, addr+size-1, err)
	}
	d.offlineSize.Add(-int64(size))
	return nil
}

// offlineAndRemoveMemory offlines the given range and removes it from
// the OS. Called without the hotplug lock. Unexpected errors are
// clamped to ErrBusy so a temporary condition never breaks the device.
func (d *Device) offlineAndRemoveMemory(addr, size uint64) error {
	d.log.Debug("offlining and removing memory %#x-%#x", addr, addr+size-1)
	if err := d.mm.OfflineAndRemoveMemory(addr, size); err != nil {
		d.log.Debug("failed to offline and remove memory: %v", err)
		if errors.Is(err, ErrNoMemory) {
			return ErrNoMemory
		}
		return ErrBusy
	}
	d.offlineSize.Add(-int64(size))
	return nil
}

// hostPlug asks the host to back the given range.
func (d *Device) hostPlug(addr, size uint64) error {
	d.log.Debug("plugging %#x-%#x", addr, addr+size-1)
	d.hostPlugs.Add(1)
	if err := d.host.Plug(addr, size); err != nil {
		d.hostPlugErrors.Add(1)
		d.log.Debug("failed to plug: %v", err)
		return err
	}
	d.pluggedSize.Add(size)
	return nil
}

// hostUnplug asks the host to release backing for the given range.
func (d *Device) hostUnplug(addr, size uint64) error {
	d.log.Debug("unplugging %#x-%#x", addr, addr+size-1)
	d.hostUnplugs.Add(1)
	if err := d.host.Unplug(addr, size); err != nil {
		d.hostUnplugErrors.Add(1)
		d.log.Debug("failed to unplug: %v", err)
		return err
	}
	d.pluggedSize.Add(^(size - 1))
	return nil
}

// hostUnplugAll asks the host to release all backing of the device.
func (d *Device) hostUnplugAll() error {
	d.log.Debug("unplugging all device memory")
	d.hostUnplugs.Add(1)
	if err := d.host.UnplugAll(); err != nil {
		d.hostUnplugErrors.Add(1)
		d.log.Debug("failed to unplug all memory: %v", err)
		return err
	}
	d.pluggedSize.Store(0)
	if d.mode == SubBlockMode {
		d.sbm.haveUnplugged = false
	}
	return nil
}
