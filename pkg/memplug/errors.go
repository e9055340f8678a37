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
	"fmt"
)

var (
	// ErrNoSpace indicates that no more memory can be plugged, either
	// because the host refuses or because the offline-memory budget or
	// the usable region is exhausted. Permanent until the configuration
	// changes.
	ErrNoSpace = fmt.Errorf("memplug: no space for more memory")
	// ErrHostBusy indicates that the host cannot process a request
	// right now. Retried with backoff.
	ErrHostBusy = fmt.Errorf("memplug: host is temporarily busy")
	// ErrBusy indicates that memory on the OS side is busy or pinned.
	// Retried with backoff.
	ErrBusy = fmt.Errorf("memplug: memory is busy")
	// ErrNoMemory indicates a failed local allocation. Retried with
	// backoff.
	ErrNoMemory = fmt.Errorf("memplug: out of memory")
	// ErrRetry indicates that the device configuration changed in the
	// middle of an operation. The reconciliation loop re-runs
	// immediately, without backoff.
	ErrRetry = fmt.Errorf("memplug: configuration changed, retry")
	// ErrInvalid indicates an invalid argument or device state.
	ErrInvalid = fmt.Errorf("memplug: invalid argument")
)

// IsTransient returns true for errors that are worth retrying with
// backoff. Any error that is neither transient, ErrNoSpace nor ErrRetry
// marks the device broken.
func IsTransient(err error) bool {
	return errors.Is(err, ErrHostBusy) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrNoMemory)
}

// deviceError returns a package-specific formatted error.
func deviceError(format string, args ...interface{}) error {
	return fmt.Errorf("memplug: "+format, args...)
}
