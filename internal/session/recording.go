package session

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// castEvent is one asciicast v2 event line: [elapsed, "o"|"i"|"r", data].
type castEvent struct {
	elapsed float64
	kind    string
	data    string
}

func (e castEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.elapsed, e.kind, e.data})
}

type castHeader struct {
	Version   int   `json:"version"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// Recording captures a session's terminal I/O in asciicast v2 form. It is
// safe for concurrent use; once maxEvents is reached further events are
// dropped.
type Recording struct {
	mu        sync.Mutex
	start     time.Time
	width     int
	height    int
	events    []castEvent
	maxEvents int
	now       func() time.Time
}

const defaultMaxRecordingEvents = 100000

func newRecording(dims Dimensions, now func() time.Time) *Recording {
	return &Recording{
		start:     now(),
		width:     dims.Cols,
		height:    dims.Rows,
		maxEvents: defaultMaxRecordingEvents,
		now:       now,
	}
}

func (r *Recording) add(kind, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) >= r.maxEvents {
		return
	}
	r.events = append(r.events, castEvent{
		elapsed: r.now().Sub(r.start).Seconds(),
		kind:    kind,
		data:    data,
	})
}

func (r *Recording) Output(p []byte) { r.add("o", string(p)) }
func (r *Recording) Input(p []byte)  { r.add("i", string(p)) }

func (r *Recording) Resize(d Dimensions) {
	r.add("r", fmt.Sprintf("%dx%d", d.Cols, d.Rows))
}

// Len returns the number of captured events.
func (r *Recording) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// WriteCast writes the header line followed by one JSON array per event.
func (r *Recording) WriteCast(w io.Writer) error {
	r.mu.Lock()
	events := make([]castEvent, len(r.events))
	copy(events, r.events)
	header := castHeader{Version: 2, Width: r.width, Height: r.height, Timestamp: r.start.Unix()}
	r.mu.Unlock()

	enc := json.NewEncoder(w)
	if err := enc.Encode(header); err != nil {
		return err
	}
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
