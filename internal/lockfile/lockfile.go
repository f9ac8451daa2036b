// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lockfile implements a cooperative, OS-level single-instance
// guard so at most one `pull` runs per configuration at a time. Built
// on the stdlib syscall.Flock: a thin, one-call OS syscall wrapper,
// not an abstraction a dependency would meaningfully improve on.
package lockfile

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// ErrAlreadyRunning is returned by Acquire when another process
// already holds the lock. It is not a fatal error: a second `pull`
// invocation observes it and exits 0 with an informational message.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is a held advisory lock on a single file.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if needed) the lock file at path and takes
// a non-blocking exclusive flock on it. Returns ErrAlreadyRunning if
// another process already holds it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file %q", path)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, errors.Wrapf(err, "locking %q", path)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *Lock) Release() error {
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		l.f.Close()
		return errors.Wrap(err, "unlocking")
	}
	return errors.Wrap(l.f.Close(), "closing lock file")
}
