package termclient

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/edurange/termbridge/internal/logutil"
	"github.com/edurange/termbridge/internal/wire"
)

// shellExitedReason is the close reason the server sends when the remote
// shell ends on its own.
const shellExitedReason = "shell exited"

// RelayTransport is the Session-Relay variant: an explicit session, an
// event stream for output and one HTTP call per input, resize or control
// message.
type RelayTransport struct {
	client    *Client
	target    string
	container string

	mu        sync.Mutex
	cols      int
	rows      int
	sessionID string
}

func NewRelayTransport(client *Client, target, container string, cols, rows int) *RelayTransport {
	return &RelayTransport{client: client, target: target, container: container, cols: cols, rows: rows}
}

func (t *RelayTransport) Features() Features {
	return Features{Coalesce: true, Keepalive: true, RTT: true}
}

func (t *RelayTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Connect rebinds to the previous session when asked and the server still
// reports it alive; otherwise it creates a new one. Either way output
// replays from the start of the retained scrollback, since the display is
// cleared before a reconnected stream is drained.
func (t *RelayTransport) Connect(ctx context.Context, rebind bool) (Stream, error) {
	id := t.SessionID()
	if rebind && id != "" {
		st, err := t.client.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if !st.Alive {
			log.Printf("[termclient] session %s is gone, creating a new one", logutil.SanitizeForLog(id))
			id = ""
		}
	} else if id != "" {
		// A fresh connect abandons the old session.
		t.client.Close(ctx, id)
		id = ""
	}

	if id == "" {
		t.mu.Lock()
		req := wire.CreateRequest{Target: t.target, Container: t.container, Cols: t.cols, Rows: t.rows}
		t.mu.Unlock()
		info, err := t.client.Create(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		id = info.ID
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}

	events, err := t.client.Events(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &relayStream{events: events}, nil
}

func (t *RelayTransport) Send(ctx context.Context, p []byte) error {
	id := t.SessionID()
	if id == "" {
		return ErrSessionNotFound
	}
	return t.client.Input(ctx, id, p)
}

func (t *RelayTransport) Resize(ctx context.Context, cols, rows int) error {
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	id := t.sessionID
	t.mu.Unlock()
	if id == "" {
		return nil
	}
	return t.client.Resize(ctx, id, cols, rows)
}

func (t *RelayTransport) Heartbeat(ctx context.Context) error {
	id := t.SessionID()
	if id == "" {
		return ErrSessionNotFound
	}
	return t.client.Heartbeat(ctx, id)
}

func (t *RelayTransport) Ping(ctx context.Context) error {
	id := t.SessionID()
	if id == "" {
		return ErrSessionNotFound
	}
	_, err := t.client.Ping(ctx, id)
	return err
}

func (t *RelayTransport) Report(ctx context.Context, m wire.Measurement) error {
	id := t.SessionID()
	if id == "" {
		return nil
	}
	return t.client.Report(ctx, id, m)
}

func (t *RelayTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	id := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()
	if id == "" {
		return nil
	}
	return t.client.Close(ctx, id)
}

type relayStream struct {
	events *EventStream
}

func (s *relayStream) Next() (wire.Frame, error) {
	for {
		f, err := s.events.Next()
		if err == io.EOF {
			return wire.Frame{}, ErrTransportAbandoned
		}
		if err != nil {
			return wire.Frame{}, err
		}
		switch f.Type {
		case wire.FrameOutput:
			return f, nil
		case wire.FrameClosed:
			if f.Reason == shellExitedReason {
				return wire.Frame{}, ErrShellExited
			}
			return wire.Frame{}, fmt.Errorf("%w: %s", ErrSessionNotFound, f.Reason)
		}
	}
}

func (s *relayStream) Close() error {
	return s.events.Close()
}
