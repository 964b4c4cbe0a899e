// stats.go: writer telemetry snapshot
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import "time"

// Stats is a point-in-time snapshot of a Writer's telemetry, grounded
// on the teacher's comprehensive Stats struct but narrowed to this
// pipeline's own counters: inflight accounting, slot/queue occupancy,
// and drop/backpressure behavior rather than rotation.
type Stats struct {
	MessagesWritten uint64 `json:"messages_written"`
	DroppedSince    uint32 `json:"dropped_since"`

	InflightBytes int64 `json:"inflight_bytes"`
	InflightLimit int64 `json:"inflight_limit"`

	ForwardQueueLen int `json:"forward_queue_len"`
	ForwardQueueCap int `json:"forward_queue_cap"`
	ReturnQueueLen  int `json:"return_queue_len"`
	ReturnQueueCap  int `json:"return_queue_cap"`

	BackpressurePolicy string `json:"backpressure_policy"`

	// SampledAt is when this snapshot was taken, read from the Writer's
	// cached clock (millisecond resolution) rather than time.Now() so
	// polling Stats on a hot path never pays a syscall.
	SampledAt time.Time `json:"sampled_at"`
}

func (p BackpressurePolicy) String() string {
	switch p {
	case BackpressureWait:
		return "wait"
	case BackpressureDrop:
		return "drop"
	case BackpressureTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Stats returns a snapshot of this Writer's current telemetry. Safe to
// call concurrently with Write/Flush/Heartbeat (all fields read are
// atomics or queue lengths computed from atomics).
func (w *Writer) Stats() Stats {
	policy, _ := w.cfg.backpressurePolicy()
	return Stats{
		MessagesWritten:    w.messages.Load(),
		DroppedSince:       w.droppedSince.Load(),
		InflightBytes:      w.inflightBytes.Load(),
		InflightLimit:      w.cfg.InflightLimit,
		ForwardQueueLen:    w.queue.forward.len(),
		ForwardQueueCap:    w.queue.forward.cap(),
		ReturnQueueLen:     w.queue.ret.len(),
		ReturnQueueCap:     w.queue.ret.cap(),
		BackpressurePolicy: policy.String(),
		SampledAt:          w.timecache().CachedTime(),
	}
}
