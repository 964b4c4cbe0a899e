// writer.go: Public API - SPSC event trace writer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// Writer is the single-producer side of a trace pipeline: one caller
// thread encodes application events into double-buffered slots and
// hands filled slots to a background persister over an SPSC queue
// (spec.md §4.1). A Writer must not be used concurrently from more than
// one goroutine at a time for Write/Flush/Heartbeat/EmitStackDelta —
// that single-producer contract is what lets the queue avoid CAS.
type Writer struct {
	cfg WriterConfig

	queue *spscQueue
	pers  *persister

	active *BufferSlot
	spare  *BufferSlot

	lastThread []byte // identity from the most recent Write call, for ThreadSwitch framing

	inflightBytes atomic.Int64
	messages      atomic.Uint64
	droppedSince  atomic.Uint32

	flushInterval atomic.Int64 // time.Duration, introspection only
	verbose       atomic.Bool

	closeOnce sync.Once
	closed    atomic.Bool

	childPolicy atomic.Int32
	childOf     int // pid observed at construction; 0 turns off fork detection

	timeCache     *timecache.TimeCache
	timeCacheOnce sync.Once
}

// NewWriter constructs a Writer and starts its persister goroutine.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	pers, err := newPersister(cfg)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		cfg:    cfg,
		queue:  newSPSCQueue(cfg.QueueCapacity, cfg.ReturnQueueCapacity),
		pers:   pers,
		active: newBufferSlot(),
		spare:  newBufferSlot(),
	}
	w.flushInterval.Store(int64(cfg.FlushInterval))
	w.verbose.Store(cfg.Verbose)
	w.childPolicy.Store(int32(cfg.ChildPolicy))
	w.childOf = int(currentPID())

	pers.attach(w.queue)
	pers.owner = w
	pers.start()

	if cfg.BindPayload != nil {
		if !appendRecord(w.active, tagBind, cfg.BindPayload) {
			return nil, fmt.Errorf("%w: BindPayload too large for a slot", ErrConfig)
		}
	}

	return w, nil
}

func (w *Writer) timecache() *timecache.TimeCache {
	w.timeCacheOnce.Do(func() {
		w.timeCache = timecache.NewWithResolution(time.Millisecond)
	})
	return w.timeCache
}

// disabledByFork reports whether this Writer is currently a no-op
// because it is the child side of a ChildDisabled fork (SPEC_FULL.md §12).
func (w *Writer) disabledByFork() bool {
	return ChildPolicy(w.childPolicy.Load()) == ChildDisabled && w.childOf != 0 && w.childOf != int(currentPID())
}

// Write encodes payload as an Opaque record, prefixed by a ThreadSwitch
// record whenever cfg.Thread's return value differs from the last
// thread to write (spec.md §4.4). Blocking behavior on slot exhaustion
// is governed by cfg.BackpressureTimeout (see WriterConfig).
func (w *Writer) Write(payload interface{}) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.disabledByFork() {
		return nil
	}

	data, err := w.cfg.Serializer(payload)
	if err != nil {
		return fmt.Errorf("%w: serialize: %v", ErrIO, err)
	}

	if err := w.prependDroppedMarker(); err != nil {
		return err
	}

	if id := w.cfg.Thread(); !threadIDEqual(id, w.lastThread) {
		w.lastThread = id
		if !appendRecord(w.active, tagThreadSwitch, id) {
			if err := w.swapSlot(); err != nil {
				return err
			}
			appendRecord(w.active, tagThreadSwitch, id)
		}
	}

	if encodedRecordSize(len(data)) > SlotCapacity {
		// Hand over what the active slot already holds first, so the
		// oversized record keeps its place in the stream.
		if w.active.used > 0 {
			if err := w.swapSlot(); err != nil {
				return err
			}
		}
		return w.writeOversized(tagOpaque, data)
	}

	if !appendRecord(w.active, tagOpaque, data) {
		if err := w.swapSlot(); err != nil {
			return err
		}
		if !appendRecord(w.active, tagOpaque, data) {
			return w.writeOversized(tagOpaque, data)
		}
	}

	w.messages.Add(1)
	return nil
}

func threadIDEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// swapSlot hands the active slot to the persister and promotes the
// spare to active, blocking per the configured backpressure policy if
// no spare is available yet (spec.md §5: the only producer-side
// suspension points are acquiring a free slot and inflight backpressure).
func (w *Writer) swapSlot() error {
	used := w.active.used
	full := w.active

	policy, timeout := w.cfg.backpressurePolicy()

	if err := w.waitForInflightBudget(policy, timeout, int64(used)); err != nil {
		return err
	}

	full.owner = ownerInFlight
	entry := queueEntry{kind: entryFilledSlot, slot: full, used: used}
	pushed := w.queue.pushForward(entry)
	if !pushed && policy != BackpressureDrop {
		// Forward ring momentarily full: the persister drains it
		// continuously. Timeout mode gives up after a brief spin; wait
		// mode keeps retrying until there is room.
		for i := 0; i < 1000 && !pushed; i++ {
			pushed = w.queue.pushForward(entry)
		}
		for !pushed && policy == BackpressureWait {
			time.Sleep(50 * time.Microsecond)
			pushed = w.queue.pushForward(entry)
		}
	}
	if !pushed {
		w.recordDrop(full.records)
		full.reset()
		w.active = full
		return nil
	}
	w.inflightBytes.Add(int64(used))

	spare, err := w.acquireSlot(policy, timeout)
	if err != nil {
		return err
	}
	w.active = spare
	return nil
}

// acquireSlot obtains a free slot from the return queue, applying the
// writer's backpressure policy when none is immediately available.
func (w *Writer) acquireSlot(policy BackpressurePolicy, timeout time.Duration) (*BufferSlot, error) {
	if s, ok := w.queue.tryAcquireSlot(); ok {
		return s, nil
	}

	switch policy {
	case BackpressureDrop:
		return newBufferSlot(), nil
	case BackpressureTimeout:
		deadline := time.Now().Add(timeout)
		for {
			if s, ok := w.queue.tryAcquireSlot(); ok {
				return s, nil
			}
			if !time.Now().Before(deadline) {
				return newBufferSlot(), nil
			}
			time.Sleep(time.Millisecond)
		}
	default: // BackpressureWait
		w.queue.mu.Lock()
		for {
			if s, ok := w.queue.ret.pop(); ok {
				w.queue.mu.Unlock()
				return s, nil
			}
			w.queue.retSignal.Wait()
		}
	}
}

// waitForInflightBudget blocks (per policy) until adding pending bytes
// would not exceed cfg.InflightLimit.
func (w *Writer) waitForInflightBudget(policy BackpressurePolicy, timeout time.Duration, pending int64) error {
	if w.cfg.InflightLimit <= 0 {
		return nil
	}
	if w.inflightBytes.Load()+pending <= w.cfg.InflightLimit {
		return nil
	}

	switch policy {
	case BackpressureDrop:
		return nil // caller treats as normal path; actual drop happens by caller choice
	case BackpressureTimeout:
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if w.inflightBytes.Load()+pending <= w.cfg.InflightLimit {
				return nil
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	default:
		for w.inflightBytes.Load()+pending > w.cfg.InflightLimit {
			time.Sleep(time.Millisecond)
		}
		return nil
	}
}

// writeOversized bypasses the slot path entirely for a payload that
// could never fit a 64 KiB slot, per spec.md §4.4's Oversized variant.
func (w *Writer) writeOversized(tag byte, payload []byte) error {
	full := appendRecordBytes(payload)
	full[0] = tag

	policy, _ := w.cfg.backpressurePolicy()
	entry := queueEntry{kind: entryOversized, oversized: full}
	pushed := w.queue.pushForward(entry)
	for !pushed && policy == BackpressureWait {
		time.Sleep(50 * time.Microsecond)
		pushed = w.queue.pushForward(entry)
	}
	if !pushed {
		w.recordDrop(1)
		return nil
	}
	w.inflightBytes.Add(int64(len(full)))
	w.messages.Add(1)
	return nil
}

// appendRecordBytes renders a standalone <tag><varint len><payload> byte
// slice for the oversized path, where there is no slot to append into.
func appendRecordBytes(payload []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	out := make([]byte, 0, 1+n+len(payload))
	out = append(out, tagOpaque)
	out = append(out, lenBuf[:n]...)
	return append(out, payload...)
}

// recordDrop accounts for n records discarded under BackpressureDrop or
// BackpressureTimeout. The accumulated count is summarized by a Dropped
// marker prependDroppedMarker prepends ahead of the next successful
// write (spec.md §4.2).
func (w *Writer) recordDrop(n uint32) {
	if n == 0 {
		n = 1
	}
	w.droppedSince.Add(n)
}

// prependDroppedMarker implements spec.md §4.2: on the next successful
// write after any drops, a Dropped control record carrying the
// accumulated count is prepended ahead of that write's own records, and
// the counter resets. Swaps the active slot once if the marker alone
// doesn't fit.
func (w *Writer) prependDroppedMarker() error {
	n := w.droppedSince.Swap(0)
	if n == 0 {
		return nil
	}
	if appendRecord(w.active, tagDropped, encodeDropped(n)) {
		return nil
	}
	if err := w.swapSlot(); err != nil {
		return err
	}
	if !appendRecord(w.active, tagDropped, encodeDropped(n)) {
		return fmt.Errorf("%w: Dropped marker too large for a slot", ErrProtocol)
	}
	return nil
}

// Flush hands the active slot to the persister even if it is not full,
// and blocks until the persister has issued write(2) for every byte
// handed to it so far (spec.md §4.5).
func (w *Writer) Flush() error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.disabledByFork() {
		return nil
	}
	if w.active.used > 0 {
		if err := w.swapSlot(); err != nil {
			return err
		}
	}
	return w.pers.waitDrain()
}

// Heartbeat asks the persister to write(2) a Heartbeat record
// out-of-band from the slot pipeline: the record goes straight onto the
// forward channel, so it never waits for a free slot or inflight budget.
// If the forward channel is full, the heartbeat is discarded and
// Heartbeat still returns nil.
func (w *Writer) Heartbeat(payload []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.disabledByFork() {
		return nil
	}
	rec := appendRecordBytes(payload)
	// Overwrite the tag written by appendRecordBytes (tagOpaque) with
	// tagHeartbeat; both share the same <tag><varint len><payload> shape.
	rec[0] = tagHeartbeat
	w.queue.pushForward(queueEntry{kind: entryHeartbeat, heartbeat: rec})
	return nil
}

// EmitStackDelta writes a StackDelta control record describing toDrop
// frames popped from the reader's shadow stack followed by frames
// pushed, each path optionally rewritten by cfg.NormalizePath
// (SPEC_FULL.md §13). Producing StackDelta records is opt-in; decoding
// support is unconditional on the reader side.
func (w *Writer) EmitStackDelta(toDrop uint16, frames []StackFrame) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.disabledByFork() {
		return nil
	}
	payload := encodeStackDelta(toDrop, frames, w.cfg.NormalizePath)
	if !appendRecord(w.active, tagStackDelta, payload) {
		if err := w.swapSlot(); err != nil {
			return err
		}
		if !appendRecord(w.active, tagStackDelta, payload) {
			return fmt.Errorf("%w: StackDelta payload too large for a slot", ErrProtocol)
		}
	}
	return nil
}

// SetFlushInterval updates the advisory flush cadence an external
// caller should drive Writer.Flush at. The Writer itself never starts
// a timer (spec.md §1: periodic flush is an external collaborator).
func (w *Writer) SetFlushInterval(d time.Duration) {
	w.flushInterval.Store(int64(d))
}

// SetVerbose toggles verbose logging for this Writer and its persister.
func (w *Writer) SetVerbose(v bool) {
	w.verbose.Store(v)
	w.pers.setVerbose(v)
}

// InflightBytes returns the current number of bytes handed to the
// persister but not yet confirmed written.
func (w *Writer) InflightBytes() int64 { return w.inflightBytes.Load() }

// InflightLimit returns the configured inflight byte budget.
func (w *Writer) InflightLimit() int64 { return w.cfg.InflightLimit }

// MessagesWritten returns the count of records successfully written
// (excluding Dropped markers themselves).
func (w *Writer) MessagesWritten() uint64 { return w.messages.Load() }

// DroppedCount returns the number of records discarded under
// BackpressureDrop or BackpressureTimeout policies since the count was
// last moved into a Dropped marker in the active slot.
func (w *Writer) DroppedCount() uint32 { return w.droppedSince.Load() }

// Close flushes outstanding data, emits a final Dropped marker if any
// records were discarded, and stops the persister. Safe to call more
// than once.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		// Flush a trailing residual count: drops that happened after the
		// last successful Write, with no subsequent write to prepend onto
		// (spec.md §4.2). prependDroppedMarker is idempotent when nothing
		// was dropped.
		if markErr := w.prependDroppedMarker(); markErr != nil {
			err = markErr
			return
		}
		if w.active.used > 0 {
			w.swapSlot()
		}
		w.pers.waitDrain()
		w.closed.Store(true)
		w.queue.pushForward(queueEntry{kind: entryShutdown})
		err = w.pers.stop()
		if w.timeCache != nil {
			w.timeCache.Stop()
		}
	})
	return err
}

// PrepareFork implements the parent half of the fork discipline required
// by spec.md §5: flush(); drain(); fork(); resume(). Call this
// immediately before calling a fork primitive (e.g. os/exec's process
// attributes, or a cgo fork wrapper); call AfterFork in both parent and
// child afterward.
func (w *Writer) PrepareFork() error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.pers.drain()
	return nil
}

// AfterFork restarts the persister consumer goroutine. In the parent
// this simply resumes normal operation. In the child, the caller is
// expected to have already decided (via ChildPolicy) whether this
// Writer should keep writing; AfterFork only restarts the goroutine
// that drains whatever does get enqueued (a no-op stream under
// ChildDisabled).
func (w *Writer) AfterFork() {
	w.pers.resume()
}

// inflightDecrement is invoked by the persister after a chunk's write(2)
// completes, keeping the Writer's inflight accounting accurate without
// the persister needing access to Writer internals.
func (w *Writer) inflightDecrement(n int64) {
	w.inflightBytes.Add(-n)
}
