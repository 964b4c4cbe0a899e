// pidframe.go: on-wire PID envelope
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"encoding/binary"
	"fmt"
)

// pidFrameHeaderSize is the size of <pid:u32 LE><length:u16 LE>, per
// spec.md §6. Confirmed byte-for-byte against original_source's
// struct.pack('<IH', pid, chunk).
const pidFrameHeaderSize = 4 + 2

// maxPidFrameChunk is the largest payload one PID frame may carry: the
// full range of the header's u16 length field (spec.md §4.3, §6).
const maxPidFrameChunk = 0xFFFF

// putPidFrameHeader writes <pid:u32 LE><length:u16 LE> into dst, which
// must be at least pidFrameHeaderSize bytes.
func putPidFrameHeader(dst []byte, pid uint32, length uint16) {
	binary.LittleEndian.PutUint32(dst[0:4], pid)
	binary.LittleEndian.PutUint16(dst[4:6], length)
}

// parsePidFrameHeader reads a PID frame header from the front of buf.
func parsePidFrameHeader(buf []byte) (pid uint32, length uint16, err error) {
	if len(buf) < pidFrameHeaderSize {
		return 0, 0, fmt.Errorf("%w: truncated PID frame header", ErrProtocol)
	}
	pid = binary.LittleEndian.Uint32(buf[0:4])
	length = binary.LittleEndian.Uint16(buf[4:6])
	return pid, length, nil
}

// pidFrameChunks splits buf into chunks no larger than maxPidFrameChunk,
// preserving order. The persister issues exactly one write(2) per chunk.
func pidFrameChunks(buf []byte) [][]byte {
	if len(buf) == 0 {
		return [][]byte{buf}
	}
	var chunks [][]byte
	for offset := 0; offset < len(buf); {
		end := offset + maxPidFrameChunk
		if end > len(buf) {
			end = len(buf)
		}
		chunks = append(chunks, buf[offset:end])
		offset = end
	}
	return chunks
}
