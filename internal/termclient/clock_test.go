package termclient

import (
	"sort"
	"sync"
	"testing"
	"time"
)

// manualClock only moves when Advance is called. Due timers fire
// synchronously inside Advance, in deadline order.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*manualTimer
}

type manualTimer struct {
	clock *manualClock
	id    int
	when  time.Time
	f     func()
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), timers: make(map[int]*manualTimer)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &manualTimer{clock: c, id: c.nextID, when: c.now.Add(d), f: f}
	c.timers[t.id] = t
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, ok := t.clock.timers[t.id]
	delete(t.clock.timers, t.id)
	return ok
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*manualTimer
		for _, t := range c.timers {
			if !t.when.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].when.Equal(due[j].when) {
				return due[i].id < due[j].id
			}
			return due[i].when.Before(due[j].when)
		})
		next := due[0]
		delete(c.timers, next.id)
		c.now = next.when
		c.mu.Unlock()

		next.f()
	}
}

func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func TestTickerRepeatsUntilStopped(t *testing.T) {
	clock := newManualClock()
	var ticks int
	tk := startTicker(clock, time.Second, func() { ticks++ })

	clock.Advance(3500 * time.Millisecond)
	if ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}

	tk.Stop()
	clock.Advance(5 * time.Second)
	if ticks != 3 {
		t.Errorf("expected no ticks after Stop, got %d", ticks)
	}
	if clock.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", clock.Pending())
	}
}
