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
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/hostmem/memplug/pkg/healthz"
	"github.com/hostmem/memplug/pkg/instrumentation"
	logger "github.com/hostmem/memplug/pkg/log"
	"github.com/hostmem/memplug/pkg/memplug"
	"github.com/hostmem/memplug/pkg/memplug/simulator"
	"github.com/hostmem/memplug/pkg/metrics"
)

// daemon runs a set of devices against a simulated memory subsystem
// and exposes them over the instrumentation HTTP endpoint.
type daemon struct {
	sync.Mutex
	configFile string
	cfg        *config
	reg        *memplug.Registry
	mm         *simulator.MM
	devices    map[string]*memplug.Device
}

var log = logger.Get("memplugd")

func main() {
	d := &daemon{
		reg:     memplug.NewRegistry(),
		devices: map[string]*memplug.Device{},
	}

	httpEndpoint := ""
	flag.StringVar(&d.configFile, "config", "/etc/memplug/config.yaml",
		"daemon configuration file")
	flag.StringVar(&httpEndpoint, "http-endpoint", "",
		"override the configured instrumentation HTTP endpoint")
	flag.Parse()

	cfg, err := readConfig(d.configFile)
	if err != nil {
		log.Fatal("%v", err)
	}
	if httpEndpoint != "" {
		cfg.Instrumentation.HTTPEndpoint = httpEndpoint
	}
	if err := logger.Configure(&cfg.Logging); err != nil {
		log.Fatal("failed to configure logging: %v", err)
	}
	d.cfg = cfg

	if err := metrics.Register("devices", memplug.NewCollector(d.reg)); err != nil {
		log.Fatal("failed to register device metrics: %v", err)
	}
	d.setupRoutes(instrumentation.HTTPServer().GetMux())
	healthz.RegisterHealthChecker("devices", d.checkDevices)
	if err := instrumentation.Start(&cfg.Instrumentation); err != nil {
		log.Fatal("failed to start instrumentation: %v", err)
	}

	if err := d.start(); err != nil {
		log.Fatal("%v", err)
	}

	d.run()
}

// start creates the simulated backend and attaches all configured
// devices.
func (d *daemon) start() error {
	zone, err := autoOnlineZone(d.cfg.Simulator.AutoOnline)
	if err != nil {
		return err
	}

	d.mm = simulator.NewMM(&simulator.MMConfig{
		BlockSize:   d.cfg.Simulator.MemBlockSize,
		SectionSize: d.cfg.Simulator.SectionSize,
		PageSize:    d.cfg.Simulator.PageSize,
		AutoOnline:  zone,
	})

	for i := range d.cfg.Devices {
		cfg := &d.cfg.Devices[i]

		capacity := d.cfg.Simulator.HostCapacity
		if capacity == 0 {
			capacity = cfg.RegionSize
		}
		host := simulator.NewHost(cfg.BlockSize, capacity)

		dev, err := memplug.New(cfg, host, d.mm, d.reg)
		if err != nil {
			return err
		}
		if err := dev.Start(); err != nil {
			return err
		}
		d.devices[dev.Name()] = dev
	}

	return nil
}

// run processes signals until the daemon is asked to exit.
func (d *daemon) run() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			log.Info("reloading configuration...")
			if err := d.reload(); err != nil {
				log.Error("failed to reload configuration: %v", err)
			}
		case syscall.SIGUSR1:
			for _, dev := range d.reg.Devices() {
				dev.DumpState("state dump")
			}
		default:
			log.Info("received signal %v, exiting...", sig)
			d.stop()
			instrumentation.Stop()
			return
		}
	}
}

// reload re-reads the configuration file and applies the changes that
// can be applied at runtime: logging, the instrumentation endpoint and
// the requested device sizes. Device geometry is fixed once attached.
func (d *daemon) reload() error {
	cfg, err := readConfig(d.configFile)
	if err != nil {
		return err
	}

	if err := logger.Configure(&cfg.Logging); err != nil {
		return err
	}
	if err := instrumentation.Reconfigure(&cfg.Instrumentation); err != nil {
		return err
	}

	d.Lock()
	defer d.Unlock()

	for i := range cfg.Devices {
		c := &cfg.Devices[i]
		dev, ok := d.devices[c.Name]
		if !ok {
			log.Warn("ignoring new device %q, attach requires a restart", c.Name)
			continue
		}
		dev.SetRequestedSize(c.RequestedSize)
	}
	for name := range d.devices {
		found := false
		for i := range cfg.Devices {
			if cfg.Devices[i].Name == name {
				found = true
				break
			}
		}
		if !found {
			log.Warn("ignoring removal of device %q, detach requires a restart", name)
		}
	}

	d.cfg = cfg
	return nil
}

// stop detaches all devices.
func (d *daemon) stop() {
	d.Lock()
	defer d.Unlock()

	for name, dev := range d.devices {
		log.Info("stopping device %q...", name)
		dev.Stop()
	}
	d.devices = map[string]*memplug.Device{}
}

// checkDevices reports broken devices to the health endpoint.
func (d *daemon) checkDevices() (healthz.Status, error) {
	var broken []string
	for _, dev := range d.reg.Devices() {
		if dev.Broken() {
			broken = append(broken, dev.Name())
		}
	}
	if len(broken) > 0 {
		return healthz.NonFunctional, fmt.Errorf("broken devices: %s", strings.Join(broken, ", "))
	}
	return healthz.Healthy, nil
}

// setupRoutes mounts the device HTTP API on the given multiplexer.
func (d *daemon) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/devices", d.handleDevices)
	mux.HandleFunc("/devices/resize", d.handleResize)
}

// handleDevices serves the tracking state of all devices as JSON.
func (d *daemon) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshots := []*memplug.Snapshot{}
	for _, dev := range d.reg.Devices() {
		snapshots = append(snapshots, dev.Snapshot())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshots); err != nil {
		log.Error("failed to encode device snapshots: %v", err)
	}
}

// handleResize changes the requested size of a device. The device is
// named with the device query parameter, the new size with size, with
// an optional k/M/G/T suffix.
func (d *daemon) handleResize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("device")
	size, err := parseSize(r.URL.Query().Get("size"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.Lock()
	dev, ok := d.devices[name]
	d.Unlock()
	if !ok {
		http.Error(w, "unknown device "+name, http.StatusNotFound)
		return
	}

	log.Info("resize request: device %q to %s", name, memplug.HumanReadableSize(size))
	dev.SetRequestedSize(size)
	w.WriteHeader(http.StatusNoContent)
}
