package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edurange/termbridge/internal/execstream/execstreamtest"
	"github.com/edurange/termbridge/internal/handlers"
	"github.com/edurange/termbridge/internal/session"
	"github.com/edurange/termbridge/internal/termclient"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type harness struct {
	dialer   *execstreamtest.Dialer
	registry *session.Registry
	out      *syncBuffer
	in       *io.PipeWriter
	done     chan error
}

func startAttach(t *testing.T, ctx context.Context, transport string, prepare func(*execstreamtest.Dialer)) *harness {
	t.Helper()
	dialer := execstreamtest.NewDialer()
	if prepare != nil {
		prepare(dialer)
	}
	reg := session.New(dialer, session.Options{})
	ts := httptest.NewServer(handlers.New(reg, handlers.Options{}).Router())

	pr, pw := io.Pipe()
	h := &harness{dialer: dialer, registry: reg, out: &syncBuffer{}, in: pw, done: make(chan error, 1)}
	t.Cleanup(func() {
		pw.Close()
		reg.Shutdown()
		ts.Close()
	})

	a := &Attacher{
		Opts:     AttachOptions{Server: ts.URL, Target: "pod-a", Transport: transport},
		In:       pr,
		Out:      h.out,
		Fd:       -1,
		Terminal: termclient.Options{BaseDelay: time.Millisecond},
	}
	go func() { h.done <- a.Run(ctx) }()
	return h
}

func (h *harness) typeKeys(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(h.in, s); err != nil {
		t.Fatalf("write input: %v", err)
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("attach did not return")
		return nil
	}
}

func (h *harness) anyAlive() bool {
	for _, info := range h.registry.List() {
		if info.Alive() {
			return true
		}
	}
	return false
}

func TestAttachDetachClosesSession(t *testing.T) {
	for _, transport := range []string{"relay", "direct"} {
		t.Run(transport, func(t *testing.T) {
			h := startAttach(t, context.Background(), transport, nil)

			h.typeKeys(t, "echo hi\r")
			waitFor(t, "echoed output", func() bool { return strings.Contains(h.out.String(), "hi\r\n") })

			h.typeKeys(t, "\x1d")
			if err := h.wait(t); err != nil {
				t.Fatalf("detach should end cleanly, got %v", err)
			}
			waitFor(t, "session closed", func() bool { return !h.anyAlive() })
		})
	}
}

func TestAttachShellExit(t *testing.T) {
	h := startAttach(t, context.Background(), "relay", nil)
	waitFor(t, "session open", h.anyAlive)

	h.typeKeys(t, "exit\r")
	if err := h.wait(t); err != nil {
		t.Fatalf("a shell exit should end cleanly, got %v", err)
	}
}

func TestAttachFocusReportsNotForwarded(t *testing.T) {
	h := startAttach(t, context.Background(), "relay", nil)
	waitFor(t, "session open", h.anyAlive)

	h.typeKeys(t, "\x1b[O\x1b[Iecho back\r")
	waitFor(t, "echoed output", func() bool { return strings.Contains(h.out.String(), "back\r\n") })
	if in := h.dialer.Last().Input(); strings.Contains(in, "\x1b[") {
		t.Errorf("focus reports reached the shell: %q", in)
	}
	h.typeKeys(t, "\x1d")
	h.wait(t)
}

func TestAttachGiveUpAndManualRetry(t *testing.T) {
	h := startAttach(t, context.Background(), "relay", func(d *execstreamtest.Dialer) {
		d.Err = errors.New("no such pod")
	})

	waitFor(t, "retry hint", func() bool { return strings.Contains(h.out.String(), retryHint) })
	if !strings.Contains(h.out.String(), termclient.GaveUpMessage) {
		t.Error("expected the gave-up message")
	}

	h.typeKeys(t, "r")
	waitFor(t, "manual retry", func() bool { return len(h.dialer.Requests()) == 2 })
	waitFor(t, "second retry hint", func() bool { return strings.Count(h.out.String(), retryHint) == 2 })

	h.typeKeys(t, "\x1d")
	if err := h.wait(t); err != nil {
		t.Fatalf("quitting after give-up should end cleanly, got %v", err)
	}
}

func TestAttachContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := startAttach(t, ctx, "relay", nil)
	waitFor(t, "session open", h.anyAlive)

	cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("cancel should end cleanly, got %v", err)
	}
	waitFor(t, "session closed", func() bool { return !h.anyAlive() })
}
