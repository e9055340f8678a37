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
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// worker is the single reconciliation goroutine of a device, together
// with the backoff timer that re-kicks it after transient failures.
type worker struct {
	d      *Device
	kickC  chan struct{}
	stopC  chan struct{}
	doneC  chan struct{}
	active atomic.Bool
	delay  atomic.Int64

	timerLock sync.Mutex
	timer     *time.Timer
}

func newWorker(d *Device) *worker {
	w := &worker{
		d:     d,
		kickC: make(chan struct{}, 1),
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}
	w.delay.Store(int64(d.cfg.RetryMin))
	return w
}

// start starts the reconciliation goroutine.
func (w *worker) start() {
	go func() {
		defer close(w.doneC)
		for {
			select {
			case <-w.stopC:
				return
			case <-w.kickC:
				w.process()
			}
		}
	}()
}

// stop cancels pending work and waits for an in-flight run to finish.
func (w *worker) stop() {
	close(w.stopC)
	<-w.doneC
	w.cancelTimer()
}

// kick schedules a reconciliation run. Kicks coalesce.
func (w *worker) kick() {
	select {
	case w.kickC <- struct{}{}:
	default:
	}
}

// cancelTimer stops a pending backoff timer.
func (w *worker) cancelTimer() {
	w.timerLock.Lock()
	defer w.timerLock.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// armTimer schedules a re-kick after the current backoff delay. The
// delay doubles on expiry, up to the configured maximum.
func (w *worker) armTimer() {
	w.timerLock.Lock()
	defer w.timerLock.Unlock()

	delay := time.Duration(w.delay.Load())
	w.timer = time.AfterFunc(delay, func() {
		next := 2 * delay
		if next > w.d.cfg.RetryMax {
			next = w.d.cfg.RetryMax
		}
		w.delay.Store(int64(next))
		w.d.retry()
	})
}

// process runs reconciliation until the device is in sync, out of
// space, waiting for a backoff timer, or broken.
func (w *worker) process() {
	d := w.d

	w.cancelTimer()
	if d.broken.Load() {
		return
	}

	w.active.Store(true)
	defer w.active.Store(false)

	for {
		err := w.reconcile()
		switch {
		case err == nil:
			w.delay.Store(int64(d.cfg.RetryMin))
			return
		case errors.Is(err, ErrNoSpace):
			d.log.Info("out of space, waiting for a configuration change")
			return
		case IsTransient(err):
			d.log.Info("retrying in %v: %v", time.Duration(w.delay.Load()), err)
			w.armTimer()
			return
		case errors.Is(err, ErrRetry):
			continue
		default:
			d.log.Error("unrecoverable error, marking device broken: %v", err)
			d.broken.Store(true)
			return
		}
	}
}

// reconcile runs one reconciliation pass: leftover host state and
// transient blocks are cleaned up first, then the plugged size is
// moved toward the requested size.
func (w *worker) reconcile() error {
	d := w.d

	// Start with a clean state if a previous incarnation left
	// plugged memory behind.
	if d.unplugAll {
		if err := d.hostUnplugAll(); err != nil {
			return err
		}
		d.unplugAll = false
	}

	if d.configChanged.CompareAndSwap(true, false) {
		d.refreshConfig()
	}

	if err := d.cleanupPending(); err != nil {
		return err
	}

	requested := d.requestedSize.Load()
	plugged := d.pluggedSize.Load()

	var err error
	switch {
	case requested > plugged:
		err = d.plugRequest(requested - plugged)
	case plugged > requested:
		err = d.unplugRequest(plugged - requested)
	}
	if err != nil {
		return err
	}

	// Keep retrying while fully unplugged online blocks could not be
	// offlined and removed yet.
	if d.mode == SubBlockMode && d.sbm.haveUnplugged {
		return ErrBusy
	}
	return nil
}
