// Package execstreamtest provides an in-memory exec backend that behaves
// like a tiny echoing shell, for tests that need a session without a
// cluster.
package execstreamtest

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/edurange/termbridge/internal/execstream"
)

// Dialer opens echo Streams. If Err is set, Open fails with it.
type Dialer struct {
	mu sync.Mutex
	// Err makes every Open fail.
	Err error
	// BlockWrites makes stream writes hang until the stream is closed.
	BlockWrites bool

	requests []execstream.Request
	streams  []*Stream
}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Name() string {
	return "echo"
}

func (d *Dialer) Open(_ context.Context, req execstream.Request) (execstream.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.Err != nil {
		return nil, d.Err
	}
	s := newStream(req.Size, d.BlockWrites)
	d.streams = append(d.streams, s)
	return s, nil
}

// Requests returns every Open request seen so far.
func (d *Dialer) Requests() []execstream.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]execstream.Request(nil), d.requests...)
}

// Last returns the most recently opened stream, or nil.
func (d *Dialer) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Stream echoes input back as output, like a terminal with echo on. A
// complete line "echo WORDS" also prints WORDS, and "exit" ends the stream.
type Stream struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	blockWrites bool
	// Writing receives a value each time a blocked write starts.
	Writing chan struct{}

	mu     sync.Mutex
	input  bytes.Buffer
	line   []byte
	sizes  []execstream.Size
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newStream(size execstream.Size, blockWrites bool) *Stream {
	r, w := io.Pipe()
	return &Stream{
		outR:        r,
		outW:        w,
		blockWrites: blockWrites,
		Writing:     make(chan struct{}, 1),
		sizes:       []execstream.Size{size},
		done:        make(chan struct{}),
	}
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.outR.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if s.blockWrites {
		s.mu.Unlock()
		select {
		case s.Writing <- struct{}{}:
		default:
		}
		<-s.done
		return 0, io.ErrClosedPipe
	}

	s.input.Write(p)
	out := append([]byte(nil), p...)
	exit := false
	for _, b := range p {
		if b != '\r' && b != '\n' {
			s.line = append(s.line, b)
			continue
		}
		cmd := strings.TrimSpace(string(s.line))
		s.line = s.line[:0]
		switch {
		case cmd == "exit":
			exit = true
		case strings.HasPrefix(cmd, "echo "):
			out = append(out, "\r\n"+strings.TrimPrefix(cmd, "echo ")+"\r\n"...)
		}
	}
	s.mu.Unlock()

	if _, err := s.outW.Write(out); err != nil {
		return 0, err
	}
	if exit {
		s.outW.Close()
	}
	return len(p), nil
}

func (s *Stream) Resize(size execstream.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, size)
	return nil
}

func (s *Stream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.outR.Close()
	})
	return nil
}

// Emit writes p as shell output.
func (s *Stream) Emit(p []byte) error {
	_, err := s.outW.Write(p)
	return err
}

// Exit ends the output stream as if the shell exited.
func (s *Stream) Exit() {
	s.outW.Close()
}

// Input returns everything written to the stream.
func (s *Stream) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

// Sizes returns the initial size followed by every resize.
func (s *Stream) Sizes() []execstream.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execstream.Size(nil), s.sizes...)
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
