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

package http

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	logger "github.com/hostmem/memplug/pkg/log"
)

// ServeMux is our HTTP request multiplexer.
type ServeMux = http.ServeMux

// Server is a minimal HTTP server for exposing instrumentation endpoints.
type Server struct {
	sync.Mutex
	mux      *ServeMux
	ln       net.Listener
	srv      *http.Server
	endpoint string
}

var log = logger.Get("http")

// NewServer creates a new HTTP server instance.
func NewServer() *Server {
	return &Server{
		mux: http.NewServeMux(),
	}
}

// GetMux returns the request multiplexer of the server.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// Start starts the server to listen on the given endpoint. An empty
// endpoint leaves the server disabled.
func (s *Server) Start(endpoint string) error {
	s.Lock()
	defer s.Unlock()

	if endpoint == "" {
		log.Info("HTTP server is disabled")
		return nil
	}

	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return httpError("failed to listen on %s: %v", endpoint, err)
	}

	s.ln = ln
	s.endpoint = endpoint
	s.srv = &http.Server{Handler: s.mux}

	log.Info("HTTP server listening on %s", endpoint)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server exited: %v", err)
		}
	}()

	return nil
}

// Reconfigure restarts the server on a new endpoint if it changed.
func (s *Server) Reconfigure(endpoint string) error {
	s.Lock()
	same := endpoint == s.endpoint
	s.Unlock()

	if same {
		return nil
	}

	s.Stop()
	return s.Start(endpoint)
}

// Stop stops the server.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.srv != nil {
		s.srv.Close()
		s.srv = nil
		s.ln = nil
		s.endpoint = ""
	}
}

// httpError returns a package-specific formatted error.
func httpError(format string, args ...interface{}) error {
	return fmt.Errorf("http: "+format, args...)
}
