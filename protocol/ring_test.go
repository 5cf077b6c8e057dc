package protocol

import (
	"bytes"
	"testing"
)

func mkFrame(seqn uint16, payload []byte, typ FrameType) Frame {
	return Frame{Header: MakeHeader(len(payload), typ, false, seqn), Payload: payload}
}

func TestByteRingPutGetOrder(t *testing.T) {
	r := NewByteRing(2 * HWMaxFrameBytes)

	frames := []Frame{
		mkFrame(0, []byte("hello"), FrameCont),
		mkFrame(1, []byte("world"), FrameSynFin),
	}
	for _, f := range frames {
		if !r.Put(f) {
			t.Fatalf("Put failed for seqn %d", f.Header.Seqn())
		}
	}

	for _, want := range frames {
		got, ok := r.Get()
		if !ok {
			t.Fatalf("Get: ring unexpectedly empty")
		}
		if got.Header.Seqn() != want.Header.Seqn() {
			t.Errorf("seqn = %d, want %d", got.Header.Seqn(), want.Header.Seqn())
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("payload = %q, want %q", got.Payload, want.Payload)
		}
	}
	if !r.IsEmpty() {
		t.Error("ring should be empty after draining all frames")
	}
}

func TestByteRingIsFullConservative(t *testing.T) {
	r := NewByteRing(2 * HWMaxFrameBytes)
	if r.IsFull() {
		t.Fatal("empty ring reported full")
	}
	big := mkFrame(0, make([]byte, HWMaxPayloadBytes), FrameSynFin)
	r.Put(big)
	if !r.IsFull() {
		t.Error("ring with less than HWMaxFrameBytes free should report full")
	}
}

func TestByteRingBoundaryBumpNeverSplitsFrame(t *testing.T) {
	// Capacity chosen so a put lands close to the physical end, forcing a
	// boundary bump; verifies no frame is ever read back split/corrupted.
	capacity := HWMaxFrameBytes + 10
	r := NewByteRing(capacity)

	small := mkFrame(0, []byte{1, 2}, FrameCont)
	r.Put(small)
	got, ok := r.Get()
	if !ok || got.Header.Seqn() != 0 {
		t.Fatalf("unexpected first get: %+v ok=%v", got, ok)
	}

	// Now head sits at len(small.Bytes()) while tail is also there; force
	// head near the boundary by re-inserting until a bump is required.
	for i := uint16(1); i < 6; i++ {
		f := mkFrame(i, make([]byte, HWMaxPayloadBytes), FrameSynFin)
		if r.Free() < HWMaxFrameBytes+10 {
			r.Get()
		}
		r.Put(f)
		back, ok := r.Get()
		if !ok {
			t.Fatalf("Get failed after Put seqn=%d", i)
		}
		if back.Header.Seqn() != i {
			t.Errorf("round-tripped seqn = %d, want %d", back.Header.Seqn(), i)
		}
		if len(back.Payload) != HWMaxPayloadBytes {
			t.Errorf("round-tripped payload len = %d, want %d", len(back.Payload), HWMaxPayloadBytes)
		}
	}
}

func TestByteRingGetEmptyReturnsFalse(t *testing.T) {
	r := NewByteRing(64)
	if _, ok := r.Get(); ok {
		t.Fatal("Get on empty ring should return false")
	}
}

func TestByteRingReset(t *testing.T) {
	r := NewByteRing(2 * HWMaxFrameBytes)
	r.Put(mkFrame(0, []byte{1}, FrameCont))
	r.Reset()
	if !r.IsEmpty() {
		t.Fatal("ring should be empty after Reset")
	}
}
