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

package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xhttp "github.com/hostmem/memplug/pkg/http"
	logger "github.com/hostmem/memplug/pkg/log"
)

// Namespace is the common prefix of all metrics we export.
const Namespace = "memplug"

type (
	// Collector is a registered, named prometheus.Collector.
	Collector struct {
		collector prometheus.Collector
		name      string
		enabled   bool
	}

	// RegisterOption is an option for registering a collector.
	RegisterOption func(*Collector)

	// Registry is a named collection of collectors exported together.
	Registry struct {
		sync.Mutex
		registry   *prometheus.Registry
		collectors map[string]*Collector
	}
)

var (
	log = logger.Get("metrics")
	def = NewRegistry()
)

// WithDisabled registers a collector initially disabled.
func WithDisabled() RegisterOption {
	return func(c *Collector) {
		c.enabled = false
	}
}

// NewRegistry creates a new collector registry.
func NewRegistry() *Registry {
	return &Registry{
		registry:   prometheus.NewRegistry(),
		collectors: map[string]*Collector{},
	}
}

// Default returns the default registry.
func Default() *Registry {
	return def
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return def.Register(name, collector, opts...)
}

// Gatherer returns the default registry as a prometheus.Gatherer.
func Gatherer() prometheus.Gatherer {
	return def.Gatherer()
}

// Setup mounts the default registry on the given request multiplexer.
func Setup(mux *xhttp.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(def.Gatherer(), promhttp.HandlerOpts{}))
}

// Register registers a named collector.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.collectors[name]; ok {
		return metricsError("collector %q already registered", name)
	}

	c := &Collector{
		collector: collector,
		name:      name,
		enabled:   true,
	}
	for _, o := range opts {
		o(c)
	}

	if err := r.registry.Register(c); err != nil {
		return metricsError("failed to register collector %q: %v", name, err)
	}

	r.collectors[name] = c
	log.Info("registered collector %q", name)

	return nil
}

// Unregister removes a previously registered collector.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	if c, ok := r.collectors[name]; ok {
		r.registry.Unregister(c)
		delete(r.collectors, name)
	}
}

// Enable enables or disables a registered collector.
func (r *Registry) Enable(name string, enabled bool) error {
	r.Lock()
	defer r.Unlock()

	c, ok := r.collectors[name]
	if !ok {
		return metricsError("can't enable unknown collector %q", name)
	}
	c.enabled = enabled

	return nil
}

// Gatherer returns the registry as a prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.enabled {
		return
	}
	c.collector.Collect(ch)
}

// metricsError returns a package-specific formatted error.
func metricsError(format string, args ...interface{}) error {
	return fmt.Errorf("metrics: "+format, args...)
}
