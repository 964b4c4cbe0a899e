// errors.go: error taxonomy
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import "errors"

// Sentinel errors, one per taxonomy class from spec.md §7. Call sites
// wrap these with fmt.Errorf("...: %w", ErrX) to attach context, the
// same idiom the teacher uses for errNoCurrentFile in lethe.go.
var (
	// ErrConfig: configuration errors, rejected eagerly.
	ErrConfig = errors.New("stream: invalid configuration")

	// ErrIO: path issues, lock contention, disk full, short writes.
	// Lock-contention errors always include the word "exclusive".
	ErrIO = errors.New("stream: I/O error")

	// ErrProtocol: malformed frame header, length overrun, unknown tag.
	ErrProtocol = errors.New("stream: protocol error")

	// ErrTimeout: the reader did not receive enough bytes in time.
	ErrTimeout = errors.New("stream: read timeout")

	// ErrEOF: clean end of stream with no partial record.
	ErrEOF = errors.New("stream: end of stream")

	// ErrClosed: use-after-close.
	ErrClosed = errors.New("stream: use after close")
)
