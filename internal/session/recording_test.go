package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestRecordingWriteCast(t *testing.T) {
	clock := newTestClock()
	rec := newRecording(Dimensions{Cols: 80, Rows: 24}, clock.Now)

	rec.Input([]byte("ls\r"))
	clock.Advance(1500 * time.Millisecond)
	rec.Output([]byte("file.txt\r\n"))
	rec.Resize(Dimensions{Cols: 100, Rows: 30})

	var buf bytes.Buffer
	if err := rec.WriteCast(&buf); err != nil {
		t.Fatalf("WriteCast: %v", err)
	}

	sc := bufio.NewScanner(&buf)
	if !sc.Scan() {
		t.Fatal("missing header")
	}
	var header castHeader
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil {
		t.Fatalf("header: %v", err)
	}
	if header.Version != 2 || header.Width != 80 || header.Height != 24 {
		t.Errorf("unexpected header %+v", header)
	}

	var events [][]any
	for sc.Scan() {
		var ev []any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("event: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0][1] != "i" || events[0][2] != "ls\r" {
		t.Errorf("unexpected input event %v", events[0])
	}
	if events[1][0] != 1.5 || events[1][1] != "o" {
		t.Errorf("unexpected output event %v", events[1])
	}
	if events[2][1] != "r" || events[2][2] != "100x30" {
		t.Errorf("unexpected resize event %v", events[2])
	}
}

func TestRecordingCapacity(t *testing.T) {
	rec := newRecording(Dimensions{Cols: 80, Rows: 24}, time.Now)
	rec.maxEvents = 2
	for i := 0; i < 5; i++ {
		rec.Output([]byte("x"))
	}
	if rec.Len() != 2 {
		t.Errorf("expected recording capped at 2 events, got %d", rec.Len())
	}
}

func TestRateLimiter(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(10, 3, clock.Now)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("call %d within burst rejected", i)
		}
	}
	if rl.Allow() {
		t.Error("expected rejection once the burst is spent")
	}
	clock.Advance(100 * time.Millisecond)
	if !rl.Allow() {
		t.Error("expected one token after 100ms at 10/s")
	}
	if rl.Allow() {
		t.Error("expected bucket empty again")
	}
}
