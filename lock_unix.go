//go:build !windows

// lock_unix.go: advisory exclusive file lock
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"fmt"
	"os"
	"syscall"
)

// lockExclusive acquires a non-blocking advisory exclusive lock on f via
// flock(2), the same primitive and call style used by the pack's
// calvinalkan-agent-task/internal/fs Locker. Unlike that locker we never
// need a shared/read variant: a trace file has exactly one writer.
func lockExclusive(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fmt.Errorf("%w: exclusive lock on %s held by another process: %v", ErrIO, f.Name(), err)
	}
	return nil
}

// unlockExclusive releases a lock taken by lockExclusive. Closing the fd
// also releases it on every supported platform, but Close calls this
// first so the failure mode (if any) is reported distinctly from a
// close failure.
func unlockExclusive(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
