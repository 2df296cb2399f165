package execstream

import (
	"context"
	"os"
	"testing"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestLocalStreamInitialSize(t *testing.T) {
	requireShell(t)

	s, err := NewLocalDialer().Open(context.Background(), Request{
		Target:  Target{Workload: "localhost"},
		Command: []string{"/bin/sh", "-c", "stty size"},
		Size:    Size{Cols: 80, Rows: 24},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	out := collect(s)
	out.waitFor(t, "24 80")
	out.waitEOF(t)
}

func TestLocalStreamResizeAndInput(t *testing.T) {
	requireShell(t)

	s, err := NewLocalDialer().Open(context.Background(), Request{
		Target:  Target{Workload: "localhost"},
		Command: []string{"/bin/sh"},
		Size:    Size{Cols: 80, Rows: 24},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	out := collect(s)
	if err := s.Resize(Size{Cols: 100, Rows: 30}); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if _, err := s.Write([]byte("stty size; exit\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out.waitFor(t, "30 100")
	out.waitEOF(t)
}

func TestLocalStreamCloseIdempotent(t *testing.T) {
	requireShell(t)

	s, err := NewLocalDialer().Open(context.Background(), Request{
		Target:  Target{Workload: "localhost"},
		Command: []string{"/bin/sh"},
		Size:    Size{Cols: 80, Rows: 24},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
