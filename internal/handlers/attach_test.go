package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/edurange/termbridge/internal/session"
	"github.com/edurange/termbridge/internal/wire"
)

func dialAttach(t *testing.T, ctx context.Context, ts *testServer, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/attach?" + query
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readAttachInfo(t *testing.T, ctx context.Context, conn *websocket.Conn) wire.AttachInfo {
	t.Helper()
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read attach info: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("expected text message, got %v", msgType)
	}
	var info wire.AttachInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("failed to parse attach info: %v", err)
	}
	return info
}

// readBinary reads binary messages until their concatenation contains want.
func readBinary(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) {
	t.Helper()
	var got strings.Builder
	for !strings.Contains(got.String(), want) {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("reading output (have %q): %v", got.String(), err)
		}
		if msgType != websocket.MessageBinary {
			t.Fatalf("expected binary message, got %v", msgType)
		}
		got.Write(data)
	}
}

func waitForCount(t *testing.T, reg *session.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for reg.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, have %d", want, reg.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAttach_RoundTrip(t *testing.T) {
	ts := setupTestServer(t, session.Options{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAttach(t, ctx, ts, "target=pod-a&container=shell&cols=100&rows=30")
	info := readAttachInfo(t, ctx, conn)
	if info.Type != wire.AttachInfoType || info.SessionID == "" || info.ConnectionID == "" {
		t.Fatalf("unexpected attach info %+v", info)
	}
	if info.Cols != 100 || info.Rows != 30 {
		t.Errorf("expected 100x30, got %dx%d", info.Cols, info.Rows)
	}

	req := ts.dialer.Requests()[0]
	if req.Target.Workload != "pod-a" || req.Target.Container != "shell" {
		t.Errorf("unexpected exec target %+v", req.Target)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("echo hi\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readBinary(t, ctx, conn, "\r\nhi\r\n")

	st, ok := ts.registry.Status(info.SessionID)
	if !ok || st.Transport != session.DirectAttach {
		t.Errorf("expected a direct attach session, got %+v", st)
	}
}

func TestAttach_DefaultDimensions(t *testing.T) {
	ts := setupTestServer(t, session.Options{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAttach(t, ctx, ts, "target=pod-a")
	info := readAttachInfo(t, ctx, conn)
	if info.Cols != 80 || info.Rows != 24 {
		t.Errorf("expected default 80x24, got %dx%d", info.Cols, info.Rows)
	}
}

func TestAttach_ClientCloseEndsSession(t *testing.T) {
	ts := setupTestServer(t, session.Options{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAttach(t, ctx, ts, "target=pod-a")
	readAttachInfo(t, ctx, conn)
	waitForCount(t, ts.registry, 1)

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for !ts.dialer.Last().Closed() {
		if time.Now().After(deadline) {
			t.Fatal("expected exec stream to close after the websocket closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAttach_ShellExitClosesNormally(t *testing.T) {
	ts := setupTestServer(t, session.Options{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAttach(t, ctx, ts, "target=pod-a")
	readAttachInfo(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("exit\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if code := websocket.CloseStatus(err); code != websocket.StatusNormalClosure {
			t.Errorf("expected normal closure, got %v (%v)", code, err)
		}
		return
	}
}

func TestAttach_ServerCloseUsesSessionGone(t *testing.T) {
	ts := setupTestServer(t, session.Options{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAttach(t, ctx, ts, "target=pod-a")
	info := readAttachInfo(t, ctx, conn)

	ts.registry.Close(info.SessionID)
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if code := websocket.CloseStatus(err); code != wire.CloseSessionGone {
			t.Errorf("expected close code %d, got %v (%v)", wire.CloseSessionGone, code, err)
		}
		return
	}
}

func TestAttach_Rejections(t *testing.T) {
	ts := setupTestServer(t, session.Options{}, Options{})

	tests := []struct {
		name  string
		query string
		setup func()
		code  websocket.StatusCode
	}{
		{"missing target", "cols=80&rows=24", nil, wire.CloseBadRequest},
		{"zero cols", "target=pod-a&cols=0", nil, wire.CloseBadRequest},
		{"garbage rows", "target=pod-a&rows=tall", nil, wire.CloseBadRequest},
		{"unreachable", "target=pod-a", func() { ts.dialer.Err = errors.New("no such pod") }, wire.CloseTargetUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn := dialAttach(t, ctx, ts, tt.query)
			_, _, err := conn.Read(ctx)
			if err == nil {
				t.Fatal("expected the connection to be closed")
			}
			if code := websocket.CloseStatus(err); code != tt.code {
				t.Errorf("expected close code %d, got %v (%v)", tt.code, code, err)
			}
		})
	}
	if ts.registry.Count() != 0 {
		t.Errorf("expected no sessions, got %d", ts.registry.Count())
	}
}

func TestAttachResize(t *testing.T) {
	ts := setupTestServer(t, session.Options{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAttach(t, ctx, ts, "target=pod-a")
	info := readAttachInfo(t, ctx, conn)

	resp := ts.postJSON(t, "/api/v1/attach/"+info.ConnectionID+"/resize", wire.ResizeRequest{Cols: 132, Rows: 50})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	sizes := ts.dialer.Last().Sizes()
	if last := sizes[len(sizes)-1]; last.Cols != 132 || last.Rows != 50 {
		t.Errorf("expected resize to 132x50, got %+v", last)
	}

	resp = ts.postJSON(t, "/api/v1/attach/unknown-conn/resize", wire.ResizeRequest{Cols: 80, Rows: 24})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown connection, got %d", resp.StatusCode)
	}
}

func TestAttach_KeepalivePingTouchesSession(t *testing.T) {
	ts := setupTestServer(t, session.Options{}, Options{KeepaliveInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAttach(t, ctx, ts, "target=pod-a")
	info := readAttachInfo(t, ctx, conn)
	before, _ := ts.registry.Status(info.SessionID)

	// The client must be reading for pongs to be sent.
	conn.CloseRead(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for {
		st, _ := ts.registry.Status(info.SessionID)
		if st.LastActivity.After(before.LastActivity) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected keepalive pings to refresh last activity")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
