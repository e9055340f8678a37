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
	"sync"

	"github.com/hostmem/memplug/pkg/memplug"
)

// Host is an in-memory host backend for a device. It tracks plugged
// device blocks, enforces a backing capacity and supports error
// injection for tests.
type Host struct {
	sync.Mutex
	blockSize uint64
	capacity  uint64
	usable    uint64
	plugged   map[uint64]struct{}
	total     uint64

	plugErrs    []error
	unplugErrs  []error
	plugCalls   int
	unplugCalls int
}

// NewHost creates a host backend with the given device block size and
// backing capacity.
func NewHost(blockSize, capacity uint64) *Host {
	return &Host{
		blockSize: blockSize,
		capacity:  capacity,
		plugged:   map[uint64]struct{}{},
	}
}

// FailPlug injects errors for the next n Plug calls.
func (h *Host) FailPlug(err error, n int) {
	h.Lock()
	defer h.Unlock()
	for i := 0; i < n; i++ {
		h.plugErrs = append(h.plugErrs, err)
	}
}

// FailUnplug injects errors for the next n Unplug calls.
func (h *Host) FailUnplug(err error, n int) {
	h.Lock()
	defer h.Unlock()
	for i := 0; i < n; i++ {
		h.unplugErrs = append(h.unplugErrs, err)
	}
}

// Plug implements memplug.HostClient.
func (h *Host) Plug(addr, size uint64) error {
	h.Lock()
	defer h.Unlock()

	h.plugCalls++
	if len(h.plugErrs) > 0 {
		err := h.plugErrs[0]
		h.plugErrs = h.plugErrs[1:]
		return err
	}

	if addr%h.blockSize != 0 || size == 0 || size%h.blockSize != 0 {
		return hostError("%w: misaligned plug request %#x+%#x", memplug.ErrInvalid, addr, size)
	}
	if h.total+size > h.capacity {
		return memplug.ErrNoSpace
	}
	for a := addr; a < addr+size; a += h.blockSize {
		if _, ok := h.plugged[a]; ok {
			return hostError("%w: block %#x already plugged", memplug.ErrInvalid, a)
		}
	}
	for a := addr; a < addr+size; a += h.blockSize {
		h.plugged[a] = struct{}{}
	}
	h.total += size
	return nil
}

// Unplug implements memplug.HostClient.
func (h *Host) Unplug(addr, size uint64) error {
	h.Lock()
	defer h.Unlock()

	h.unplugCalls++
	if len(h.unplugErrs) > 0 {
		err := h.unplugErrs[0]
		h.unplugErrs = h.unplugErrs[1:]
		return err
	}

	if addr%h.blockSize != 0 || size == 0 || size%h.blockSize != 0 {
		return hostError("%w: misaligned unplug request %#x+%#x", memplug.ErrInvalid, addr, size)
	}
	for a := addr; a < addr+size; a += h.blockSize {
		if _, ok := h.plugged[a]; !ok {
			return hostError("%w: block %#x not plugged", memplug.ErrInvalid, a)
		}
	}
	for a := addr; a < addr+size; a += h.blockSize {
		delete(h.plugged, a)
	}
	h.total -= size
	return nil
}

// UnplugAll implements memplug.HostClient.
func (h *Host) UnplugAll() error {
	h.Lock()
	defer h.Unlock()

	h.unplugCalls++
	h.plugged = map[uint64]struct{}{}
	h.total = 0
	return nil
}

// PluggedSize implements memplug.HostClient.
func (h *Host) PluggedSize() uint64 {
	h.Lock()
	defer h.Unlock()
	return h.total
}

// IsPlugged returns true if the device block at addr is plugged.
func (h *Host) IsPlugged(addr uint64) bool {
	h.Lock()
	defer h.Unlock()
	_, ok := h.plugged[addr]
	return ok
}

// PlugCalls returns the number of Plug calls so far.
func (h *Host) PlugCalls() int {
	h.Lock()
	defer h.Unlock()
	return h.plugCalls
}

// UnplugCalls returns the number of Unplug and UnplugAll calls so far.
func (h *Host) UnplugCalls() int {
	h.Lock()
	defer h.Unlock()
	return h.unplugCalls
}

// SetUsableRegionSize shrinks or grows the usable region the host
// exposes. Zero means the whole device region is usable.
func (h *Host) SetUsableRegionSize(size uint64) {
	h.Lock()
	defer h.Unlock()
	h.usable = size
}

// UsableRegionSize returns the usable region size set with
// SetUsableRegionSize, or no limit if unset.
func (h *Host) UsableRegionSize() uint64 {
	h.Lock()
	defer h.Unlock()
	if h.usable == 0 {
		return ^uint64(0)
	}
	return h.usable
}
