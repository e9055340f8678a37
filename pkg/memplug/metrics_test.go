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

package memplug_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/hostmem/memplug/pkg/memplug"
	"github.com/hostmem/memplug/pkg/memplug/simulator"
	"github.com/hostmem/memplug/pkg/metrics"
)

// requireMetric gathers the metrics of the given device registry and
// checks that a metric with the given name carries the expected value
// for the named device.
func requireMetric(t *testing.T, reg *memplug.Registry, name, device string, value float64) {
	t.Helper()
	requireLabeledMetric(t, reg, name, map[string]string{"device": device}, value)
}

func requireLabeledMetric(t *testing.T, reg *memplug.Registry, name string, labels map[string]string, value float64) {
	t.Helper()

	mreg := metrics.NewRegistry()
	require.NoError(t, mreg.Register("devices", memplug.NewCollector(reg)))

	families, err := mreg.Gatherer().Gather()
	require.NoError(t, err)

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == name {
			family = f
			break
		}
	}
	require.NotNil(t, family, "metric %q not found", name)

	for _, m := range family.GetMetric() {
		if !hasLabels(m, labels) {
			continue
		}
		switch {
		case m.GetGauge() != nil:
			require.Equal(t, value, m.GetGauge().GetValue(), "metric %q", name)
		case m.GetCounter() != nil:
			require.Equal(t, value, m.GetCounter().GetValue(), "metric %q", name)
		default:
			t.Fatalf("metric %q has unexpected type", name)
		}
		return
	}
	t.Fatalf("metric %q has no sample with labels %v", name, labels)
}

func hasLabels(m *dto.Metric, labels map[string]string) bool {
	for name, value := range labels {
		found := false
		for _, l := range m.GetLabel() {
			if l.GetName() == name && l.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestHostRequestCounters(t *testing.T) {
	s := newTestSetup(t, simulator.ZoneKernel, nil)

	s.dev.SetRequestedSize(64 * MB)
	s.waitPlugged(t, 64*MB)

	plugs := float64(s.host.PlugCalls())
	require.Greater(t, plugs, 0.0)
	requireLabeledMetric(t, s.reg, "memplug_host_requests_total",
		map[string]string{"device": t.Name(), "op": "plug"}, plugs)
	requireLabeledMetric(t, s.reg, "memplug_host_request_failures_total",
		map[string]string{"device": t.Name(), "op": "plug"}, 0.0)
}
