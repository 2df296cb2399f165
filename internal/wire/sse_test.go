package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEventRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Type: FrameOutput, Seq: 1, Data: []byte("hello\r\n")},
		{Type: FrameOutput, Seq: 2, Data: []byte{0x1b, '[', 'H'}, RTT: &Stamp{ID: "m-1", SentAt: 1700000000000}},
		{Type: FrameClosed, Reason: "shell exited"},
	}
	for _, f := range frames {
		if err := WriteEvent(&buf, f); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	if err := WriteComment(&buf, "keepalive"); err != nil {
		t.Fatalf("WriteComment: %v", err)
	}

	r := NewEventReader(&buf)
	for i, want := range frames {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.Type != want.Type || got.Seq != want.Seq || !bytes.Equal(got.Data, want.Data) || got.Reason != want.Reason {
			t.Errorf("frame %d: got %+v, want %+v", i, got, want)
		}
		if (want.RTT == nil) != (got.RTT == nil) {
			t.Errorf("frame %d: stamp mismatch", i)
		}
	}
	if r.LastID() != 2 {
		t.Errorf("expected last id 2, got %d", r.LastID())
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestEventReaderTypeFromEventField(t *testing.T) {
	r := NewEventReader(strings.NewReader("event: closed\ndata: {\"reason\":\"idle\"}\n\n"))
	f, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Type != FrameClosed {
		t.Errorf("expected type from event field, got %q", f.Type)
	}
	if f.Reason != "idle" {
		t.Errorf("expected reason idle, got %q", f.Reason)
	}
}

func TestEventReaderMalformed(t *testing.T) {
	r := NewEventReader(strings.NewReader("data: {not json\n\n"))
	if _, err := r.Next(); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestEventReaderTruncated(t *testing.T) {
	r := NewEventReader(strings.NewReader("event: output\ndata: {\"type\":\"output\"}"))
	if _, err := r.Next(); err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}
