package termclient

import "time"

// State is a Reconnection Controller state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateGaveUp       State = "gave_up"
)

func (s State) String() string {
	return string(s)
}

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// EventKind identifies an input to Transition.
type EventKind int

const (
	// EventStart is the first connect, or a manual retry after giving up.
	EventStart EventKind = iota
	// EventOpened reports that the output stream is established.
	EventOpened
	// EventFailed reports a failed connect attempt or a lost stream.
	EventFailed
	// EventFatal reports a connect failure that must not be retried, such
	// as an unreachable target.
	EventFatal
	// EventRetryDue is the backoff timer firing.
	EventRetryDue
	EventHidden
	EventVisible
	// EventStale reports, from the keepalive, that the server no longer has
	// the session even though the stream looked open.
	EventStale
	// EventStop ends the controller. Transition returns to Idle.
	EventStop
)

// EffectKind identifies a side effect requested by Transition.
type EffectKind int

const (
	// EffectConnect opens the output stream. Rebind asks the transport to
	// reuse the previous session if the server still has it.
	EffectConnect EffectKind = iota
	// EffectScheduleRetry arms the backoff timer for Delay.
	EffectScheduleRetry
	EffectCancelRetry
	// EffectDisconnect tears down the current output stream, if any.
	EffectDisconnect
	// EffectClearScreen and EffectReconnected run before output resumes
	// after a reconnect.
	EffectClearScreen
	EffectReconnected
	// EffectGaveUp tells the user to reload.
	EffectGaveUp
)

type Effect struct {
	Kind   EffectKind
	Delay  time.Duration
	Rebind bool
}

// Machine is the controller's pure state. Transition is the only thing
// that changes it.
type Machine struct {
	State       State
	Attempts    int
	Visible     bool
	MaxAttempts int
	BaseDelay   time.Duration
	// lost is set once a stream has been lost, so the next open is a
	// reconnect.
	lost bool
}

// NewMachine returns an Idle machine for a visible terminal.
func NewMachine(maxAttempts int, baseDelay time.Duration) Machine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return Machine{State: StateIdle, Visible: true, MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// RetryDelay is the wait before the nth attempt. Backoff is linear.
func (m Machine) RetryDelay(n int) time.Duration {
	return m.BaseDelay * time.Duration(n)
}

// Transition computes the next machine and its side effects. It never
// performs I/O.
func Transition(m Machine, ev EventKind) (Machine, []Effect) {
	switch ev {
	case EventHidden:
		m.Visible = false
		if m.State == StateReconnecting {
			// Background tabs do not spend the retry budget.
			m.State = StateDisconnected
			return m, []Effect{{Kind: EffectCancelRetry}}
		}
		return m, nil

	case EventVisible:
		m.Visible = true
		if m.State == StateDisconnected {
			return m.retry()
		}
		return m, nil

	case EventStop:
		effects := []Effect{{Kind: EffectCancelRetry}, {Kind: EffectDisconnect}}
		m.State = StateIdle
		return m, effects
	}

	switch m.State {
	case StateIdle:
		if ev == EventStart {
			m.State = StateConnecting
			return m, []Effect{{Kind: EffectConnect}}
		}

	case StateGaveUp:
		if ev == EventStart {
			m.State = StateConnecting
			m.Attempts = 0
			return m, []Effect{{Kind: EffectConnect, Rebind: m.lost}}
		}

	case StateConnecting:
		switch ev {
		case EventOpened:
			m.State = StateOpen
			m.Attempts = 0
			if m.lost {
				return m, []Effect{{Kind: EffectClearScreen}, {Kind: EffectReconnected}}
			}
			return m, nil
		case EventFailed:
			m.State = StateDisconnected
			m.lost = true
			return m.retry()
		case EventFatal:
			m.State = StateGaveUp
			return m, []Effect{{Kind: EffectGaveUp}}
		}

	case StateOpen:
		switch ev {
		case EventFailed, EventStale:
			m.State = StateDisconnected
			m.lost = true
			next, effects := m.retry()
			return next, append([]Effect{{Kind: EffectDisconnect}}, effects...)
		}

	case StateReconnecting:
		if ev == EventRetryDue {
			m.State = StateConnecting
			return m, []Effect{{Kind: EffectConnect, Rebind: true}}
		}
	}
	return m, nil
}

// retry moves a Disconnected machine on: Reconnecting if visible and within
// budget, GaveUp if the budget is spent, otherwise it waits.
func (m Machine) retry() (Machine, []Effect) {
	if m.Attempts >= m.MaxAttempts {
		m.State = StateGaveUp
		return m, []Effect{{Kind: EffectGaveUp}}
	}
	if !m.Visible {
		return m, nil
	}
	m.Attempts++
	m.State = StateReconnecting
	return m, []Effect{{Kind: EffectScheduleRetry, Delay: m.RetryDelay(m.Attempts)}}
}
