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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hostmem/memplug/pkg/metrics"
)

// collector exports the state of all devices attached to a registry.
type collector struct {
	reg *Registry

	requested  *prometheus.Desc
	plugged    *prometheus.Desc
	offline    *prometheus.Desc
	broken     *prometheus.Desc
	blockState *prometheus.Desc
	hostOps    *prometheus.Desc
	hostErrors *prometheus.Desc
}

// NewCollector creates a prometheus collector for the devices attached
// to the given registry.
func NewCollector(reg *Registry) prometheus.Collector {
	return &collector{
		reg: reg,
		requested: prometheus.NewDesc(
			metrics.Namespace+"_device_requested_bytes",
			"Requested device size in bytes.",
			[]string{"device"}, nil,
		),
		plugged: prometheus.NewDesc(
			metrics.Namespace+"_device_plugged_bytes",
			"Host-backed device memory in bytes.",
			[]string{"device"}, nil,
		),
		offline: prometheus.NewDesc(
			metrics.Namespace+"_device_offline_bytes",
			"Added but offline device memory in bytes.",
			[]string{"device"}, nil,
		),
		broken: prometheus.NewDesc(
			metrics.Namespace+"_device_broken",
			"1 if the device hit an unrecoverable error.",
			[]string{"device"}, nil,
		),
		blockState: prometheus.NewDesc(
			metrics.Namespace+"_device_blocks",
			"Number of tracked blocks per state.",
			[]string{"device", "state"}, nil,
		),
		hostOps: prometheus.NewDesc(
			metrics.Namespace+"_host_requests_total",
			"Host plug/unplug requests.",
			[]string{"device", "op"}, nil,
		),
		hostErrors: prometheus.NewDesc(
			metrics.Namespace+"_host_request_failures_total",
			"Failed host plug/unplug requests.",
			[]string{"device", "op"}, nil,
		),
	}
}

// Describe implements the prometheus.Collector interface.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requested
	ch <- c.plugged
	ch <- c.offline
	ch <- c.broken
	ch <- c.blockState
	ch <- c.hostOps
	ch <- c.hostErrors
}

// Collect implements the prometheus.Collector interface.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.reg.Devices() {
		s := d.Snapshot()

		ch <- prometheus.MustNewConstMetric(c.requested,
			prometheus.GaugeValue, float64(s.RequestedSize), s.Name)
		ch <- prometheus.MustNewConstMetric(c.plugged,
			prometheus.GaugeValue, float64(s.PluggedSize), s.Name)
		ch <- prometheus.MustNewConstMetric(c.offline,
			prometheus.GaugeValue, float64(s.OfflineSize), s.Name)

		broken := 0.0
		if s.Broken {
			broken = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.broken,
			prometheus.GaugeValue, broken, s.Name)

		for state, count := range s.StateCounts {
			ch <- prometheus.MustNewConstMetric(c.blockState,
				prometheus.GaugeValue, float64(count), s.Name, state)
		}

		ch <- prometheus.MustNewConstMetric(c.hostOps,
			prometheus.CounterValue, float64(d.hostPlugs.Load()), s.Name, "plug")
		ch <- prometheus.MustNewConstMetric(c.hostOps,
			prometheus.CounterValue, float64(d.hostUnplugs.Load()), s.Name, "unplug")
		ch <- prometheus.MustNewConstMetric(c.hostErrors,
			prometheus.CounterValue, float64(d.hostPlugErrors.Load()), s.Name, "plug")
		ch <- prometheus.MustNewConstMetric(c.hostErrors,
			prometheus.CounterValue, float64(d.hostUnplugErrors.Load()), s.Name, "unplug")
	}
}
