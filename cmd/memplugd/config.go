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
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/hostmem/memplug/pkg/instrumentation"
	logger "github.com/hostmem/memplug/pkg/log"
	"github.com/hostmem/memplug/pkg/memplug"
	"github.com/hostmem/memplug/pkg/memplug/simulator"
)

// simulatorConfig configures the simulated memory subsystem and hosts
// the devices are run against.
type simulatorConfig struct {
	// MemBlockSize is the OS memory block size.
	MemBlockSize uint64 `json:"memBlockSize"`
	// SectionSize is the OS section size, defaults to MemBlockSize.
	SectionSize uint64 `json:"sectionSize,omitempty"`
	// PageSize is the page granularity of the simulator.
	PageSize uint64 `json:"pageSize,omitempty"`
	// AutoOnline is the zone added memory is onlined to: "none",
	// "kernel" or "movable".
	AutoOnline string `json:"autoOnline,omitempty"`
	// HostCapacity limits how much memory a host backs per device,
	// defaults to the device region size.
	HostCapacity uint64 `json:"hostCapacity,omitempty"`
}

// config is the configuration of the daemon.
type config struct {
	// Logging configures logging.
	Logging logger.Config `json:"logging,omitempty"`
	// Instrumentation configures the instrumentation HTTP endpoint.
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
	// Simulator configures the simulated backend.
	Simulator simulatorConfig `json:"simulator"`
	// Devices lists the devices to attach.
	Devices []memplug.Config `json:"devices"`
}

// readConfig reads and parses the daemon configuration file.
func readConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration file")
	}

	cfg := &config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration file %s", path)
	}

	if cfg.Simulator.MemBlockSize == 0 {
		return nil, fmt.Errorf("configuration file %s: simulator memory block size unset", path)
	}
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("configuration file %s: no devices configured", path)
	}

	names := map[string]struct{}{}
	for _, d := range cfg.Devices {
		if _, ok := names[d.Name]; ok {
			return nil, fmt.Errorf("configuration file %s: duplicate device %q", path, d.Name)
		}
		names[d.Name] = struct{}{}
	}

	return cfg, nil
}

// autoOnlineZone parses an auto-online zone name.
func autoOnlineZone(name string) (simulator.Zone, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return simulator.ZoneNone, nil
	case "kernel":
		return simulator.ZoneKernel, nil
	case "movable":
		return simulator.ZoneMovable, nil
	}
	return simulator.ZoneNone, fmt.Errorf("invalid auto-online zone %q", name)
}

// parseSize parses a size with an optional k/M/G/T suffix.
func parseSize(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}

	shift := 0
	switch value[len(value)-1] {
	case 'k', 'K':
		shift = 10
	case 'm', 'M':
		shift = 20
	case 'g', 'G':
		shift = 30
	case 't', 'T':
		shift = 40
	}
	if shift != 0 {
		value = value[:len(value)-1]
	}

	size, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	return size << shift, nil
}
