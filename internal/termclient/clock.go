package termclient

import (
	"sync"
	"time"
)

// Clock is the time source for every client timer, so that tests can drive
// debounce, backoff and probe intervals by hand.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call.
type Timer interface {
	// Stop prevents the call if it has not started. It reports whether it
	// did so.
	Stop() bool
}

type realClock struct{}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ticker calls f every interval until stopped. Each tick is scheduled after
// the previous one returns.
type ticker struct {
	clock    Clock
	interval time.Duration
	f        func()

	mu      sync.Mutex
	timer   Timer
	stopped bool
}

func startTicker(clock Clock, interval time.Duration, f func()) *ticker {
	t := &ticker{clock: clock, interval: interval, f: f}
	t.mu.Lock()
	t.timer = clock.AfterFunc(interval, t.tick)
	t.mu.Unlock()
	return t
}

func (t *ticker) tick() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}

	t.f()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.timer = t.clock.AfterFunc(t.interval, t.tick)
	}
}

func (t *ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.timer.Stop()
}
