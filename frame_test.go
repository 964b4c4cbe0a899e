package stream

import "testing"

func TestAppendRecordRoundTrip(t *testing.T) {
	slot := newBufferSlot()
	if !appendRecord(slot, tagOpaque, []byte("hello")) {
		t.Fatalf("append should fit in an empty slot")
	}

	tag := slot.bytes()[0]
	if tag != tagOpaque {
		t.Fatalf("tag = %x, want %x", tag, tagOpaque)
	}
}

func TestAppendRecordRefusesOverflow(t *testing.T) {
	slot := newBufferSlot()
	big := make([]byte, SlotCapacity)
	if appendRecord(slot, tagOpaque, big) {
		t.Fatalf("append should refuse a payload that cannot fit alongside its own header")
	}
	if slot.used != 0 {
		t.Fatalf("slot must be unmodified on refused append, used = %d", slot.used)
	}
}

func TestEncodedRecordSizeMatchesAppend(t *testing.T) {
	payload := []byte("a reasonably sized payload for size checking")
	slot := newBufferSlot()
	before := slot.remaining()
	if !appendRecord(slot, tagOpaque, payload) {
		t.Fatalf("append should fit")
	}
	used := before - slot.remaining()
	if used != encodedRecordSize(len(payload)) {
		t.Fatalf("encodedRecordSize = %d, actual used = %d", encodedRecordSize(len(payload)), used)
	}
}

func TestDroppedRoundTrip(t *testing.T) {
	payload := encodeDropped(42)
	count, err := decodeDropped(payload)
	if err != nil {
		t.Fatalf("decodeDropped: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestDroppedRejectsWrongLength(t *testing.T) {
	if _, err := decodeDropped([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected an error for a malformed Dropped payload")
	}
}

func TestStackDeltaRoundTrip(t *testing.T) {
	frames := []StackFrame{
		{File: "a.go", Line: 10},
		{File: "b.go", Line: 20},
	}
	payload := encodeStackDelta(3, frames, nil)
	toDrop, got, err := decodeStackDelta(payload)
	if err != nil {
		t.Fatalf("decodeStackDelta: %v", err)
	}
	if toDrop != 3 {
		t.Fatalf("toDrop = %d, want 3", toDrop)
	}
	if len(got) != len(frames) {
		t.Fatalf("got %d frames, want %d", len(got), len(frames))
	}
	for i := range frames {
		if got[i] != frames[i] {
			t.Fatalf("frame %d = %+v, want %+v", i, got[i], frames[i])
		}
	}
}

func TestStackDeltaNormalizesPaths(t *testing.T) {
	frames := []StackFrame{{File: "/build/src/a.go", Line: 1}}
	normalize := func(p string) string { return "<root>" + p[len("/build/src"):] }
	payload := encodeStackDelta(0, frames, normalize)
	_, got, err := decodeStackDelta(payload)
	if err != nil {
		t.Fatalf("decodeStackDelta: %v", err)
	}
	if got[0].File != "<root>/a.go" {
		t.Fatalf("File = %q, want %q", got[0].File, "<root>/a.go")
	}
}
