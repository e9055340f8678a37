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

// Mode describes the granularity scheme a device operates in.
type Mode int

const (
	// SubBlockMode plugs and unplugs subblocks within OS memory blocks.
	SubBlockMode Mode = iota
	// BigBlockMode plugs and unplugs big blocks of one or more OS
	// memory blocks.
	BigBlockMode
)

var modeNames = map[Mode]string{
	SubBlockMode: "sub-block",
	BigBlockMode: "big-block",
}

// String returns the mode as a string.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("%%(BAD-Mode:%d)", int(m))
}

// MarshalJSON is the JSON marshaller for Mode.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON is the JSON unmarshaller for Mode.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return deviceError("failed to unmarshal Mode: %w", err)
	}
	for mode, modeName := range modeNames {
		if name == modeName {
			*m = mode
			return nil
		}
	}
	return deviceError("invalid Mode %q", name)
}

const (
	// KB, MB, GB, TB are size constants for binary units.
	KB = uint64(1) << 10
	MB = uint64(1) << 20
	GB = uint64(1) << 30
	TB = uint64(1) << 40
)

// HumanReadableSize returns the given size as a human-readable string.
func HumanReadableSize(size uint64) string {
	switch {
	case size >= TB && size%TB == 0:
		return fmt.Sprintf("%dT", size/TB)
	case size >= GB && size%GB == 0:
		return fmt.Sprintf("%dG", size/GB)
	case size >= MB && size%MB == 0:
		return fmt.Sprintf("%dM", size/MB)
	case size >= KB && size%KB == 0:
		return fmt.Sprintf("%dk", size/KB)
	}
	return fmt.Sprintf("%d", size)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

func alignUp(addr, align uint64) uint64 {
	return (addr + align - 1) &^ (align - 1)
}

func alignDown(addr, align uint64) uint64 {
	return addr &^ (align - 1)
}

func isAligned(addr, align uint64) bool {
	return addr&(align-1) == 0
}
