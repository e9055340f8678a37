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
	"time"
)

const (
	// defaultOfflineThreshold bounds the amount of offline memory a
	// device keeps added to the OS before it starts removing instead
	// of merely unplugging.
	defaultOfflineThreshold = 1 * GB
	// defaultRetryMin and defaultRetryMax bound the backoff timer of
	// the reconciliation loop.
	defaultRetryMin = 50 * time.Second
	defaultRetryMax = 300 * time.Second
	// fakeOfflineAttempts is how many times fake-offlining a range is
	// attempted before giving up with ErrBusy.
	fakeOfflineAttempts = 5
)

// Config describes a device to attach.
type Config struct {
	// Name identifies the device in logs and metrics.
	Name string `json:"name"`
	// Addr is the physical start address of the device region.
	Addr uint64 `json:"addr"`
	// RegionSize is the size of the device region. It bounds the
	// usable region, which the host may shrink further at runtime.
	RegionSize uint64 `json:"regionSize"`
	// BlockSize is the device block size, the granularity the host
	// plugs and unplugs memory in. Must be a power of two.
	BlockSize uint64 `json:"blockSize"`
	// AllocUnit is the largest contiguous unit of the OS page
	// allocator. Together with BlockSize it determines the subblock
	// size. Must be a power of two.
	AllocUnit uint64 `json:"allocUnit"`
	// Node is the NUMA node the device memory belongs to.
	Node int `json:"node,omitempty"`
	// RequestedSize is the initial requested size.
	RequestedSize uint64 `json:"requestedSize,omitempty"`
	// UnplugOnline allows unplugging memory that is currently online.
	// Defaults to true. When false, only offline memory is ever
	// unplugged and shrinking below the online amount fails with
	// ErrBusy.
	UnplugOnline *bool `json:"unplugOnline,omitempty"`
	// ForceBigBlocks forces Big Block Mode even if the device could
	// operate in Sub-Block Mode.
	ForceBigBlocks bool `json:"forceBigBlocks,omitempty"`
	// BigBlockSize overrides the big block size in Big Block Mode.
	// Must be a power of two not smaller than the natural big block
	// size.
	BigBlockSize uint64 `json:"bigBlockSize,omitempty"`
	// OfflineThreshold overrides the offline-memory threshold.
	OfflineThreshold uint64 `json:"offlineThreshold,omitempty"`
	// RetryMin and RetryMax override the backoff timer bounds of the
	// reconciliation loop.
	RetryMin time.Duration `json:"retryMin,omitempty"`
	RetryMax time.Duration `json:"retryMax,omitempty"`
}

// applyDefaults fills in the defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "memplug0"
	}
	if c.UnplugOnline == nil {
		t := true
		c.UnplugOnline = &t
	}
	if c.RetryMin <= 0 {
		c.RetryMin = defaultRetryMin
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = defaultRetryMax
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = c.RetryMin
	}
}

// validate checks the configuration for consistency.
func (c *Config) validate() error {
	switch {
	case c.RegionSize == 0:
		return deviceError("%w: device with zero region size", ErrInvalid)
	case !isPowerOfTwo(c.BlockSize):
		return deviceError("%w: device block size %#x is not a power of two",
			ErrInvalid, c.BlockSize)
	case !isPowerOfTwo(c.AllocUnit):
		return deviceError("%w: allocation unit %#x is not a power of two",
			ErrInvalid, c.AllocUnit)
	case !isAligned(c.Addr, c.BlockSize):
		return deviceError("%w: region start %#x is not aligned to the device block size",
			ErrInvalid, c.Addr)
	case !isAligned(c.RegionSize, c.BlockSize):
		return deviceError("%w: region size %#x is not aligned to the device block size",
			ErrInvalid, c.RegionSize)
	case c.BigBlockSize != 0 && !isPowerOfTwo(c.BigBlockSize):
		return deviceError("%w: big block size %#x is not a power of two",
			ErrInvalid, c.BigBlockSize)
	}
	return nil
}
