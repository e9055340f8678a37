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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hostmem/memplug/pkg/memplug/simulator"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadConfig(t *testing.T) {
	path := writeConfig(t, `
instrumentation:
  httpEndpoint: ":8891"
simulator:
  memBlockSize: 134217728
  autoOnline: kernel
devices:
  - name: mem0
    addr: 4294967296
    regionSize: 1073741824
    blockSize: 16777216
    allocUnit: 4194304
    requestedSize: 268435456
`)

	cfg, err := readConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":8891", cfg.Instrumentation.HTTPEndpoint)
	require.Equal(t, uint64(128)<<20, cfg.Simulator.MemBlockSize)
	require.Len(t, cfg.Devices, 1)
	require.Equal(t, "mem0", cfg.Devices[0].Name)
	require.Equal(t, uint64(256)<<20, cfg.Devices[0].RequestedSize)
}

func TestReadConfigErrors(t *testing.T) {
	_, err := readConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.Error(t, err)

	// Unknown fields are rejected.
	path := writeConfig(t, `
simulator:
  memBlockSize: 134217728
  bogus: true
devices:
  - name: mem0
    regionSize: 1073741824
    blockSize: 16777216
    allocUnit: 4194304
`)
	_, err = readConfig(path)
	require.Error(t, err)

	// The simulator block size is mandatory.
	path = writeConfig(t, `
devices:
  - name: mem0
    regionSize: 1073741824
    blockSize: 16777216
    allocUnit: 4194304
`)
	_, err = readConfig(path)
	require.Error(t, err)

	// Device names must be unique.
	path = writeConfig(t, `
simulator:
  memBlockSize: 134217728
devices:
  - name: mem0
    regionSize: 1073741824
    blockSize: 16777216
    allocUnit: 4194304
  - name: mem0
    addr: 2147483648
    regionSize: 1073741824
    blockSize: 16777216
    allocUnit: 4194304
`)
	_, err = readConfig(path)
	require.Error(t, err)
}

func TestAutoOnlineZone(t *testing.T) {
	for name, zone := range map[string]simulator.Zone{
		"":        simulator.ZoneNone,
		"none":    simulator.ZoneNone,
		"kernel":  simulator.ZoneKernel,
		"Movable": simulator.ZoneMovable,
	} {
		z, err := autoOnlineZone(name)
		require.NoError(t, err)
		require.Equal(t, zone, z)
	}

	_, err := autoOnlineZone("dma")
	require.Error(t, err)
}

func TestParseSize(t *testing.T) {
	for value, size := range map[string]uint64{
		"123":   123,
		"4k":    4 << 10,
		"128M":  128 << 20,
		"2G":    2 << 30,
		"1T":    1 << 40,
		"0x10m": 16 << 20,
	} {
		s, err := parseSize(value)
		require.NoError(t, err, "size %q", value)
		require.Equal(t, size, s, "size %q", value)
	}

	for _, value := range []string{"", "G", "12x", "-1"} {
		_, err := parseSize(value)
		require.Error(t, err, "size %q", value)
	}
}
