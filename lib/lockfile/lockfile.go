// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

// Package lockfile provides an exclusive advisory lock on a file so
// that only one agent process owns a state directory at a time.
//
// The lock is a flock(2) held on an open file descriptor. The kernel
// releases it when the process exits for any reason, so a crashed
// agent never leaves a stale lock behind. The holder's PID is written
// into the file for diagnostics only; it plays no part in locking.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by [Acquire] when another process holds the
// lock.
var ErrLocked = errors.New("lockfile: already locked by another process")

// Lock is a held lock. Release it with [Lock.Release].
type Lock struct {
	path string
	fd   int
}

// Acquire takes the exclusive lock on path without blocking, creating
// the file if necessary. When another process holds the lock the
// returned error wraps [ErrLocked] and names the holder's PID when it
// is known.
func Acquire(path string) (*Lock, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: opening %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			if holder := readHolder(path); holder != "" {
				return nil, fmt.Errorf("%w (pid %s holds %s)", ErrLocked, holder, path)
			}
			return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}

	if err := unix.Ftruncate(fd, 0); err == nil {
		unix.Pwrite(fd, []byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{path: path, fd: fd}, nil
}

// Path returns the locked file's path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The file is left in place: removing it
// would race with a concurrent Acquire that already opened it.
// Release is idempotent.
func (l *Lock) Release() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
		unix.Close(fd)
		return fmt.Errorf("lockfile: unlocking %s: %w", l.path, err)
	}
	return unix.Close(fd)
}

func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
