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

// HostClient is the transport to the host side of a device. Requests
// are synchronous and free of partial effect: a failed request leaves
// the host-side plugged state unchanged.
//
// Implementations report failures using the package error taxonomy
// (ErrNoSpace, ErrHostBusy, ...), possibly wrapped. Any other error is
// treated as fatal and marks the device broken.
type HostClient interface {
	// Plug asks the host to back the given range of the device region.
	// addr and size are aligned to the device block size.
	Plug(addr, size uint64) error
	// Unplug asks the host to release backing for the given range.
	Unplug(addr, size uint64) error
	// UnplugAll asks the host to release all backing of the device.
	UnplugAll() error
	// PluggedSize returns the amount of memory the host currently
	// backs for the device. Nonzero at attach time indicates leftover
	// state from a previous incarnation that must be unplugged before
	// normal operation starts.
	PluggedSize() uint64
}
