package session

import "errors"

var (
	// ErrSessionNotFound means the id is unknown, already closed, or closed
	// while the call was in flight. Clients must reconnect rather than retry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTargetUnreachable means the exec stream could not be opened.
	ErrTargetUnreachable = errors.New("target unreachable")
	ErrInvalidDimensions = errors.New("invalid dimensions")
	ErrInvalidTransport  = errors.New("invalid transport")
	ErrInputTooLarge     = errors.New("input too large")
	ErrRateLimited       = errors.New("rate limited")
	ErrRecordingDisabled = errors.New("recording disabled")

	// ErrSessionClosed ends a subscription whose session has closed and
	// whose remaining output has been delivered.
	ErrSessionClosed = errors.New("session closed")
	// ErrSuperseded ends a subscription replaced by a newer one.
	ErrSuperseded = errors.New("subscription superseded")
)
