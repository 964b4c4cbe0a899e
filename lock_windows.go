//go:build windows

// lock_windows.go: advisory exclusive file lock
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import "os"

// lockExclusive is a no-op on Windows: no lock is taken, so a second
// process opening the same path for a new recording is not refused.
func lockExclusive(f *os.File) error {
	return nil
}

func unlockExclusive(f *os.File) error {
	return nil
}
