package termclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/edurange/termbridge/internal/wire"
)

// DirectTransport is the Direct Attach variant: one websocket spliced onto
// a fresh shell. Each connect is a new session; resize goes over the HTTP
// side channel.
type DirectTransport struct {
	client    *Client
	target    string
	container string

	mu        sync.Mutex
	cols      int
	rows      int
	conn      *websocket.Conn
	connID    string
	sessionID string
}

func NewDirectTransport(client *Client, target, container string, cols, rows int) *DirectTransport {
	return &DirectTransport{client: client, target: target, container: container, cols: cols, rows: rows}
}

func (t *DirectTransport) Features() Features {
	return Features{}
}

func (t *DirectTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// closeCodeError maps an application close code onto the package errors.
func closeCodeError(err error) error {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case wire.CloseTargetUnreachable:
		return fmt.Errorf("%w: %s", ErrTargetUnreachable, ce.Reason)
	case wire.CloseBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidDimensions, ce.Reason)
	case wire.CloseSessionGone:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ce.Reason)
	case websocket.StatusNormalClosure:
		if ce.Reason == shellExitedReason {
			return ErrShellExited
		}
	}
	return fmt.Errorf("%w: %v", ErrTransportAbandoned, err)
}

// Connect dials a new attach connection. rebind is ignored: a Direct
// Attach session lives exactly as long as its connection.
func (t *DirectTransport) Connect(ctx context.Context, _ bool) (Stream, error) {
	t.mu.Lock()
	old := t.conn
	t.conn = nil
	url := t.client.AttachURL(t.target, t.container, t.cols, t.rows)
	t.mu.Unlock()
	if old != nil {
		old.Close(websocket.StatusNormalClosure, "")
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(-1)

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, closeCodeError(err)
	}
	var info wire.AttachInfo
	if msgType != websocket.MessageText || json.Unmarshal(data, &info) != nil || info.Type != wire.AttachInfoType {
		conn.Close(websocket.StatusProtocolError, "expected session info")
		return nil, fmt.Errorf("%w: unexpected first message", ErrTransportAbandoned)
	}

	t.mu.Lock()
	t.conn = conn
	t.connID = info.ConnectionID
	t.sessionID = info.SessionID
	t.mu.Unlock()
	return &directStream{conn: conn}, nil
}

func (t *DirectTransport) current() (*websocket.Conn, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.connID
}

func (t *DirectTransport) Send(ctx context.Context, p []byte) error {
	conn, _ := t.current()
	if conn == nil {
		return ErrSessionNotFound
	}
	if err := conn.Write(ctx, websocket.MessageBinary, p); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return nil
}

func (t *DirectTransport) Resize(ctx context.Context, cols, rows int) error {
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	connID := t.connID
	live := t.conn != nil
	t.mu.Unlock()
	if !live {
		return nil
	}
	return t.client.AttachResize(ctx, connID, cols, rows)
}

// The websocket itself carries liveness, so the control calls are no-ops.
func (t *DirectTransport) Heartbeat(context.Context) error                 { return nil }
func (t *DirectTransport) Ping(context.Context) error                      { return nil }
func (t *DirectTransport) Report(context.Context, wire.Measurement) error { return nil }

func (t *DirectTransport) Close(context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

type directStream struct {
	conn *websocket.Conn
}

func (s *directStream) Next() (wire.Frame, error) {
	for {
		msgType, data, err := s.conn.Read(context.Background())
		if err != nil {
			return wire.Frame{}, closeCodeError(err)
		}
		if msgType == websocket.MessageBinary {
			return wire.Frame{Type: wire.FrameOutput, Data: data}, nil
		}
	}
}

func (s *directStream) Close() error {
	return s.conn.CloseNow()
}
