//go:build windows

// fork_windows.go: PID helpers
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import "os"

// Windows has no fork(2); ChildPolicy and PrepareFork/AfterFork exist
// for API parity with Unix but are exercised only via CreateProcess-style
// spawning, which always gets an independent address space (there is no
// equivalent of a copy-on-write child sharing this process's queue).
const posixPipeBuf = 512

func currentPID() uint32 {
	return uint32(os.Getpid())
}
