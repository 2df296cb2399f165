// Package termclient is the client half of the terminal bridge. A Terminal
// drives one remote shell through a Transport, keeps it connected with a
// bounded-retry Reconnection Controller, and, over Session-Relay, batches
// keystrokes, keeps the session alive while hidden and measures round-trip
// time.
//
// The controller's decisions live in Transition, a pure function of state
// and event; Terminal is the event loop that performs the effects.
package termclient

import (
	"context"
	"errors"

	"github.com/edurange/termbridge/internal/wire"
)

// ErrShellExited ends a stream whose remote shell exited. The terminal
// stops instead of reconnecting.
var ErrShellExited = errors.New("shell exited")

// Features are the optional behaviours a transport supports.
type Features struct {
	// Coalesce batches input through the Coalescer.
	Coalesce bool
	// Keepalive sends heartbeats while the terminal is hidden.
	Keepalive bool
	// RTT runs probes and answers piggybacked stamps.
	RTT bool
}

// Stream is an established output stream.
type Stream interface {
	// Next blocks for the next output frame. Any error ends the stream.
	Next() (wire.Frame, error)
	Close() error
}

// Transport is one of the two wire variants, Session-Relay or Direct
// Attach, behind a single interface.
type Transport interface {
	Features() Features
	// Connect opens the output stream. With rebind set the transport reuses
	// its previous session when the server still has it.
	Connect(ctx context.Context, rebind bool) (Stream, error)
	Send(ctx context.Context, p []byte) error
	// Resize is best effort. The new size also applies to later connects.
	Resize(ctx context.Context, cols, rows int) error
	Heartbeat(ctx context.Context) error
	Ping(ctx context.Context) error
	Report(ctx context.Context, m wire.Measurement) error
	// Close ends the session. It is best effort and safe to repeat.
	Close(ctx context.Context) error
	SessionID() string
}

// fatalConnectError reports whether a connect failure must not be retried.
func fatalConnectError(err error) bool {
	return errors.Is(err, ErrTargetUnreachable) || errors.Is(err, ErrInvalidDimensions)
}
