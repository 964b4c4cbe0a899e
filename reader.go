// reader.go: Public API - PID demultiplexing replay reader
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// Reader parses the PID-framed container produced by a persister,
// demultiplexes frames by PID into per-PID byte queues, and decodes one
// record at a time from whichever PID is currently active (spec.md
// §4.5). It runs entirely on the caller's goroutine — there is no
// internal consumer thread to mirror, unlike Writer/persister.
type Reader struct {
	cfg    ReaderConfig
	src    ReadCloser
	ownsFd bool

	queues     map[uint32]*bytes.Buffer
	order      []uint32 // PIDs in first-observed order, for ListPIDs-style introspection
	activePID  uint32
	haveActive bool

	closed bool

	// shadow stack materialized from StackDelta records, used to build
	// absolute frame lists for cfg.CreateStackDelta (SPEC_FULL.md §13).
	stack []StackFrame
}

// NewReader opens a trace for replay.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	r := &Reader{
		cfg:    cfg,
		queues: make(map[uint32]*bytes.Buffer),
	}

	if cfg.Input != nil {
		r.src = cfg.Input
		return r, nil
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrIO, cfg.Path, err)
	}
	r.src = f
	r.ownsFd = true
	return r, nil
}

// SetPID switches the active PID. Frames for other PIDs seen before the
// switch are retained and become available after switching back
// (spec.md §4.5) — PerPidQueue entries are only ever appended to or
// drained from, never discarded on switch.
func (r *Reader) SetPID(pid uint32) {
	r.activePID = pid
	r.haveActive = true
}

// ObservedPIDs returns every PID seen so far, in first-observed order.
// Unlike the standalone ListPIDs helper this reflects only what this
// Reader has read up to this point, not the whole file.
func (r *Reader) ObservedPIDs() []uint32 {
	out := make([]uint32, len(r.order))
	copy(out, r.order)
	return out
}

// ActivePID returns the PID the reader currently decodes from and
// whether one has been established yet (it locks onto the first
// observed PID by default).
func (r *Reader) ActivePID() (uint32, bool) {
	return r.activePID, r.haveActive
}

// Next decodes and returns the next record from the active PID, or
// (nil, ErrEOF) at a clean end of stream. Control records without a
// configured callback are consumed silently and Next continues to the
// following record (spec.md §4.5).
func (r *Reader) Next() (interface{}, error) {
	for {
		if r.closed {
			return nil, ErrClosed
		}

		payload, tag, err := r.nextRecord()
		if err != nil {
			return nil, err
		}

		switch tag {
		case tagOpaque:
			obj, err := r.cfg.Deserialize(payload)
			if err != nil {
				return nil, fmt.Errorf("%w: deserialize: %v", ErrProtocol, err)
			}
			return obj, nil

		case tagThreadSwitch:
			if r.cfg.OnThreadSwitch != nil {
				r.cfg.OnThreadSwitch(payload)
			}
			continue

		case tagBind:
			if r.cfg.OnBind != nil {
				r.cfg.OnBind(payload)
			}
			continue

		case tagDropped:
			count, err := decodeDropped(payload)
			if err != nil {
				return nil, err
			}
			if r.cfg.OnDropped != nil {
				r.cfg.OnDropped(count)
			}
			continue

		case tagHeartbeat:
			if r.cfg.OnHeartbeat != nil {
				r.cfg.OnHeartbeat(payload)
			}
			continue

		case tagStackDelta:
			toDrop, frames, err := decodeStackDelta(payload)
			if err != nil {
				return nil, err
			}
			r.applyStackDelta(toDrop, frames)
			if r.cfg.CreateStackDelta != nil {
				pathBytes := make([][]byte, len(r.stack))
				for i, f := range r.stack {
					pathBytes[i] = []byte(f.File)
				}
				r.cfg.CreateStackDelta(toDrop, pathBytes)
			}
			continue

		default:
			return nil, fmt.Errorf("%w: unknown record tag 0x%02x", ErrProtocol, tag)
		}
	}
}

// applyStackDelta pops toDrop frames from the shadow stack and pushes
// the new ones, after NormalizePath (SPEC_FULL.md §13).
func (r *Reader) applyStackDelta(toDrop uint16, frames []StackFrame) {
	if int(toDrop) <= len(r.stack) {
		r.stack = r.stack[:len(r.stack)-int(toDrop)]
	} else {
		r.stack = r.stack[:0]
	}
	for _, f := range frames {
		if r.cfg.NormalizePath != nil {
			f.File = r.cfg.NormalizePath(f.File)
		}
		r.stack = append(r.stack, f)
	}
}

// nextRecord returns the next decoded (tag, payload) pair from the
// active PID's queue, pulling and unframing more file bytes as needed.
func (r *Reader) nextRecord() (payload []byte, tag byte, err error) {
	for {
		if r.haveActive {
			if q, ok := r.queues[r.activePID]; ok {
				if tag, payload, ok := decodeRecord(q); ok {
					return payload, tag, nil
				}
			}
		}

		if err := r.pullFrame(); err != nil {
			return nil, 0, err
		}
	}
}

// decodeRecord attempts to parse one <tag><varint len><payload> record
// off the front of q, leaving q unmodified if a full record isn't yet
// available.
func decodeRecord(q *bytes.Buffer) (tag byte, payload []byte, ok bool) {
	b := q.Bytes()
	if len(b) < 1 {
		return 0, nil, false
	}
	tag = b[0]
	length, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return 0, nil, false
	}
	start := 1 + n
	if uint64(len(b)-start) < length {
		return 0, nil, false
	}
	payload = make([]byte, length)
	copy(payload, b[start:start+int(length)])
	q.Next(start + int(length))
	return tag, payload, true
}

// pullFrame reads and unframes exactly one PID frame from the
// underlying stream, appending its payload to the corresponding
// per-PID queue and locking onto it as the active PID if none is set
// yet (spec.md §4.5: "locks onto the first observed PID").
func (r *Reader) pullFrame() error {
	hdr, err := r.readExactly(pidFrameHeaderSize)
	if err != nil {
		return err
	}
	pid, length, err := parsePidFrameHeader(hdr)
	if err != nil {
		return err
	}

	body, err := r.readExactly(int(length))
	if err != nil {
		return err
	}

	q, ok := r.queues[pid]
	if !ok {
		q = new(bytes.Buffer)
		r.queues[pid] = q
		r.order = append(r.order, pid)
	}
	q.Write(body)

	if !r.haveActive {
		r.activePID = pid
		r.haveActive = true
	}
	return nil
}

// readExactly reads n bytes from the source, bounded by cfg.ReadTimeout
// when the source supports deadlines, and reports ErrEOF on a clean
// end of stream with no partial record pending.
func (r *Reader) readExactly(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0

	type deadliner interface {
		SetReadDeadline(time.Time) error
	}
	if dl, ok := r.src.(deadliner); ok {
		_ = dl.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
	}

	for got < n {
		m, err := r.src.Read(buf[got:])
		got += m
		if err != nil {
			if err == io.EOF {
				if got == 0 {
					return nil, ErrEOF
				}
				return nil, fmt.Errorf("%w: truncated frame at end of stream", ErrProtocol)
			}
			if isTimeout(err) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return buf, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}

// Close cancels the reader rather than draining remaining buffered
// bytes: it closes the source if the Reader opened it from Path, and
// every Next call made after Close fails with ErrClosed. Reader methods
// take no lock, so a Next already running on another goroutine is not
// turned into ErrEOF; it finishes or fails on its own read.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.ownsFd {
		return r.src.Close()
	}
	return nil
}

// ListPIDs scans a trace file start to finish and returns every
// distinct PID observed, per spec.md §4.5's list_pids helper.
func ListPIDs(path string) ([]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrIO, path, err)
	}
	defer f.Close()

	seen := make(map[uint32]bool)
	var order []uint32

	hdr := make([]byte, pidFrameHeaderSize)
	for {
		if _, err := io.ReadFull(f, hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		pid, length, err := parsePidFrameHeader(hdr)
		if err != nil {
			return nil, err
		}
		if !seen[pid] {
			seen[pid] = true
			order = append(order, pid)
		}
		if _, err := io.CopyN(io.Discard, f, int64(length)); err != nil {
			return nil, fmt.Errorf("%w: truncated frame body: %v", ErrProtocol, err)
		}
	}
	return order, nil
}
