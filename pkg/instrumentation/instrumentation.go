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

package instrumentation

import (
	"fmt"
	"sync"

	xhttp "github.com/hostmem/memplug/pkg/http"
	"github.com/hostmem/memplug/pkg/healthz"
	logger "github.com/hostmem/memplug/pkg/log"
	"github.com/hostmem/memplug/pkg/metrics"
)

// Config provides runtime configuration for instrumentation.
type Config struct {
	// HTTPEndpoint is the listen address for the HTTP endpoint, for
	// serving /metrics and /healthz. An empty endpoint disables the
	// HTTP server altogether.
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
}

// service is the state of our instrumentation services.
type service struct {
	sync.Mutex
	http    *xhttp.Server
	started bool
}

var (
	log = logger.Get("instrumentation")
	svc = &service{
		http: xhttp.NewServer(),
	}
)

// Start starts instrumentation services on the given endpoint.
func Start(cfg *Config) error {
	svc.Lock()
	defer svc.Unlock()

	if svc.started {
		return instrumentationError("already started")
	}

	log.Info("starting instrumentation services...")

	mux := svc.http.GetMux()
	metrics.Setup(mux)
	healthz.Setup(mux)

	if err := svc.http.Start(cfg.HTTPEndpoint); err != nil {
		return instrumentationError("failed to start HTTP server: %v", err)
	}

	svc.started = true
	return nil
}

// Reconfigure reconfigures running instrumentation services.
func Reconfigure(cfg *Config) error {
	svc.Lock()
	defer svc.Unlock()

	if !svc.started {
		return nil
	}
	return svc.http.Reconfigure(cfg.HTTPEndpoint)
}

// Stop stops instrumentation services.
func Stop() {
	svc.Lock()
	defer svc.Unlock()

	if !svc.started {
		return
	}
	svc.http.Stop()
	svc.started = false
}

// HTTPServer returns the instrumentation HTTP server.
func HTTPServer() *xhttp.Server {
	return svc.http
}

// instrumentationError returns a package-specific formatted error.
func instrumentationError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation: "+format, args...)
}
