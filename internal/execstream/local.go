package execstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// LocalDialer runs commands on the bridge host under a pseudo-terminal.
// The target is only used for logging; it exists for development and tests.
type LocalDialer struct{}

func NewLocalDialer() *LocalDialer {
	return &LocalDialer{}
}

func (LocalDialer) Name() string {
	return "local"
}

func (LocalDialer) Open(_ context.Context, req Request) (Stream, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: req.Size.Cols, Rows: req.Size.Rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &localStream{cmd: cmd, ptmx: ptmx}
	go func() {
		_ = cmd.Wait()
	}()
	return s, nil
}

type localStream struct {
	cmd  *exec.Cmd
	ptmx *os.File
	once sync.Once
}

func (s *localStream) Read(p []byte) (int, error) {
	n, err := s.ptmx.Read(p)
	// Linux reports EIO on the master once the child side is gone.
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (s *localStream) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *localStream) Resize(size Size) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
}

func (s *localStream) Close() error {
	s.once.Do(func() {
		s.ptmx.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}
