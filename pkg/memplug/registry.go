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
	"sync"
	"sync/atomic"
)

// Registry tracks attached devices and dispatches the per-page
// onlining decision of the OS to the device owning the pages. It
// installs itself as the online-page handler of the memory manager of
// every attached device.
//
// Dispatch is lockless on an atomic snapshot of the device list. The
// handler runs on a goroutine that already holds the owning device's
// hotplug lock, so it must not take any registry or device locks.
type Registry struct {
	mu      sync.Mutex
	devices atomic.Pointer[[]*Device]
	mms     map[MemoryManager]int
}

// NewRegistry creates a new device registry.
func NewRegistry() *Registry {
	r := &Registry{
		mms: map[MemoryManager]int{},
	}
	r.devices.Store(&[]*Device{})
	return r
}

// Devices returns a snapshot of the attached devices.
func (r *Registry) Devices() []*Device {
	return *r.devices.Load()
}

// attach adds a device to the registry, installing the registry as the
// online-page handler of the device's memory manager if it is not one
// of its devices yet.
func (r *Registry) attach(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mms[d.mm] == 0 {
		if err := d.mm.SetOnlinePageHandler(r); err != nil {
			return err
		}
	}
	r.mms[d.mm]++

	old := *r.devices.Load()
	devices := make([]*Device, 0, len(old)+1)
	devices = append(devices, old...)
	devices = append(devices, d)
	r.devices.Store(&devices)

	return nil
}

// detach removes a device from the registry.
func (r *Registry) detach(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.devices.Load()
	devices := make([]*Device, 0, len(old))
	for _, dev := range old {
		if dev != d {
			devices = append(devices, dev)
		}
	}
	if len(devices) == len(old) {
		return
	}
	r.devices.Store(&devices)

	r.mms[d.mm]--
	if r.mms[d.mm] == 0 {
		d.mm.ClearOnlinePageHandler()
		delete(r.mms, d.mm)
	}
}

// OnlinePage implements OnlinePageHandler. Ranges owned by an attached
// device are handed to that device, anything else is onlined the
// default way.
func (r *Registry) OnlinePage(addr, size uint64) bool {
	for _, d := range *r.devices.Load() {
		if d.Overlaps(addr, size) {
			d.onlinePage(addr, size)
			return true
		}
	}
	return false
}
