// frame.go: in-slot record encoding/decoding
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"encoding/binary"
	"fmt"
)

// Record tags, per spec.md §4.4.
const (
	tagOpaque      byte = 0x01
	tagThreadSwitch byte = 0x02
	tagBind        byte = 0x03
	tagDropped     byte = 0x04
	tagHeartbeat   byte = 0x05
	tagStackDelta  byte = 0x06
)

// maxVarintLen bounds a uvarint-encoded record length: 5 base-128
// groups hold any length below 2^35, and a slot-sized payload needs 3.
const maxVarintLen = binary.MaxVarintLen32

// StackFrame is one (source path, line) pair making up a StackDelta
// frame, per original_source's (filename, lineno) tuples.
type StackFrame struct {
	File string
	Line int
}

// recordHeaderFits reports whether a record of the given tag and payload
// length can still be appended to slot without overflowing it. Records
// never cross a slot boundary on the producing side (spec.md §4.4): the
// writer must swap slots before encoding would overflow.
func recordHeaderFits(slot *BufferSlot, payloadLen int) bool {
	var lenBuf [maxVarintLen]byte
	n := binary.PutUvarint(lenBuf[:], uint64(payloadLen))
	return slot.remaining() >= 1+n+payloadLen
}

// appendRecord writes <tag><varint length><payload> into slot. Returns
// false without modifying slot if the record would not fit.
func appendRecord(slot *BufferSlot, tag byte, payload []byte) bool {
	if !recordHeaderFits(slot, len(payload)) {
		return false
	}
	var lenBuf [maxVarintLen]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	slot.append([]byte{tag})
	slot.append(lenBuf[:n])
	slot.append(payload)
	slot.records++
	return true
}

// encodedRecordSize returns the on-wire size of a record carrying
// payloadLen bytes, used by the writer to decide if a payload would
// never fit any slot (and must be treated as oversized).
func encodedRecordSize(payloadLen int) int {
	var lenBuf [maxVarintLen]byte
	n := binary.PutUvarint(lenBuf[:], uint64(payloadLen))
	return 1 + n + payloadLen
}

// encodeDropped renders a Dropped control record payload: a u32 count.
func encodeDropped(count uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, count)
	return buf
}

// decodeDropped parses a Dropped control record payload.
func decodeDropped(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: Dropped payload must be 4 bytes, got %d", ErrProtocol, len(payload))
	}
	return binary.LittleEndian.Uint32(payload), nil
}

// encodeStackDelta renders a StackDelta control record payload:
// <to_drop:u16><frame_count:u16><frames...>, each frame as
// <varint path-len><path bytes><varint line>. normalize, if non-nil, is
// applied to each frame's path before encoding (SPEC_FULL.md §13).
func encodeStackDelta(toDrop uint16, frames []StackFrame, normalize NormalizeFunc) []byte {
	var out []byte
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], toDrop)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(frames)))
	out = append(out, hdr[:]...)

	var lenBuf [maxVarintLen]byte
	for _, f := range frames {
		path := f.File
		if normalize != nil {
			path = normalize(path)
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(path)))
		out = append(out, lenBuf[:n]...)
		out = append(out, path...)
		n = binary.PutUvarint(lenBuf[:], uint64(int64(f.Line)))
		out = append(out, lenBuf[:n]...)
	}
	return out
}

// decodeStackDelta parses a StackDelta control record payload.
func decodeStackDelta(payload []byte) (toDrop uint16, frames []StackFrame, err error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("%w: StackDelta header truncated", ErrProtocol)
	}
	toDrop = binary.LittleEndian.Uint16(payload[0:2])
	count := binary.LittleEndian.Uint16(payload[2:4])
	rest := payload[4:]

	frames = make([]StackFrame, 0, count)
	for i := uint16(0); i < count; i++ {
		pathLen, n := binary.Uvarint(rest)
		if n <= 0 {
			return 0, nil, fmt.Errorf("%w: StackDelta frame %d path length truncated", ErrProtocol, i)
		}
		rest = rest[n:]
		if uint64(len(rest)) < pathLen {
			return 0, nil, fmt.Errorf("%w: StackDelta frame %d path truncated", ErrProtocol, i)
		}
		path := string(rest[:pathLen])
		rest = rest[pathLen:]

		line, n := binary.Uvarint(rest)
		if n <= 0 {
			return 0, nil, fmt.Errorf("%w: StackDelta frame %d line truncated", ErrProtocol, i)
		}
		rest = rest[n:]

		frames = append(frames, StackFrame{File: path, Line: int(line)})
	}
	return toDrop, frames, nil
}
