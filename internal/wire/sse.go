package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxEventSize bounds a single event-stream line. Output frames carry
// base64 data, so this must comfortably exceed the largest batched frame.
const maxEventSize = 4 * 1024 * 1024

var ErrMalformedEvent = errors.New("wire: malformed event")

// WriteEvent writes f as one server-sent event. The event id is the frame
// sequence so that a reconnecting EventSource resumes via Last-Event-ID.
func WriteEvent(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if f.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", f.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, body)
	return err
}

// WriteComment writes an SSE comment line, used as a proxy keepalive.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// EventReader decodes frames from a server-sent event stream.
type EventReader struct {
	scanner *bufio.Scanner
	lastID  uint64
}

func NewEventReader(r io.Reader) *EventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &EventReader{scanner: sc}
}

// LastID returns the id of the most recent event that carried one.
func (er *EventReader) LastID() uint64 {
	return er.lastID
}

// Next blocks until a complete event is read. It returns io.EOF when the
// stream ends cleanly between events.
func (er *EventReader) Next() (Frame, error) {
	var (
		event   string
		data    strings.Builder
		hasData bool
		partial bool
	)

	for er.scanner.Scan() {
		line := er.scanner.Text()

		if line == "" {
			if !hasData {
				// Comment-only or empty event
				event, partial = "", false
				continue
			}
			var f Frame
			if err := json.Unmarshal([]byte(data.String()), &f); err != nil {
				return Frame{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
			}
			if f.Type == "" {
				f.Type = event
			}
			return f, nil
		}

		partial = true
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if id, err := strconv.ParseUint(value, 10, 64); err == nil {
				er.lastID = id
			}
		}
	}

	if err := er.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if partial {
		return Frame{}, io.ErrUnexpectedEOF
	}
	return Frame{}, io.EOF
}
