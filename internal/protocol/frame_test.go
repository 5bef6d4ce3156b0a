package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := MarshalEnvelope(sampleEnvelope())

	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatal("frame payload mismatch")
	}
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestEncodeFrameRejectsOversize(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	// Length header claims 0 bytes.
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatal("expected error for zero-length frame")
	}
	// Length header claims more than MaxFrameSize.
	if _, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})); err == nil {
		t.Fatal("expected error for oversized frame header")
	}
	// Truncated body.
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 10, 1, 2})); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}
