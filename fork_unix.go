//go:build !windows

// fork_unix.go: PID helpers and PIPE_BUF-derived constants
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import "os"

// posixPipeBuf is the POSIX-mandated minimum PIPE_BUF (512 bytes on
// every conforming host). maxPidFrameChunk (pidframe.go) bounds chunk
// size to what fits the frame's u16 length field, which is the on-wire
// contract spec.md defines; actual write(2) atomicity for a given chunk
// size depends on the host's real PIPE_BUF, which is commonly much
// larger than this floor.
const posixPipeBuf = 512

// currentPID returns the calling process's PID. A forked child observes
// a different value than its parent without any explicit fork hook,
// which is what lets Writer.disabledByFork detect the child side of a
// ChildDisabled fork purely from os.Getpid (SPEC_FULL.md §12).
func currentPID() uint32 {
	return uint32(os.Getpid())
}
