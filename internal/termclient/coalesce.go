package termclient

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const (
	DefaultCoalesceDelay   = 5 * time.Millisecond
	DefaultInterruptWindow = 300 * time.Millisecond

	// maxSendSize matches the server's per-call input limit.
	maxSendSize = 64 * 1024
)

const interrupt = "\x03"

// immediateSequences bypass the debounce: interrupt, escape and the
// escape-prefixed navigation keys, enter, erase and tab.
var immediateSequences = map[string]bool{
	interrupt: true,
	"\x1b":    true,
	// Arrows in normal and application cursor mode.
	"\x1b[A": true, "\x1b[B": true, "\x1b[C": true, "\x1b[D": true,
	"\x1bOA": true, "\x1bOB": true, "\x1bOC": true, "\x1bOD": true,
	// Home and End.
	"\x1b[H": true, "\x1b[F": true, "\x1bOH": true, "\x1bOF": true,
	"\x1b[1~": true, "\x1b[4~": true, "\x1b[7~": true, "\x1b[8~": true,
	"\r": true, "\n": true, "\r\n": true,
	"\x7f": true, "\x08": true, "\x1b[3~": true,
	"\t": true,
}

// IsImmediate reports whether p is one of the sequences sent without
// coalescing.
func IsImmediate(p []byte) bool {
	return immediateSequences[string(p)]
}

// Coalescer batches keystrokes into fewer input calls. Ordinary bytes wait
// for a short quiet period; immediate sequences flush whatever is buffered
// and then go out on their own. Bytes reach the sender in the order they
// were pushed.
type Coalescer struct {
	clock           Clock
	delay           time.Duration
	interruptWindow time.Duration
	out             *SendQueue

	mu            sync.Mutex
	buf           []byte
	timer         Timer
	gen           uint64
	lastInterrupt time.Time
	sentInterrupt bool
}

func NewCoalescer(clock Clock, delay, interruptWindow time.Duration, out *SendQueue) *Coalescer {
	if delay <= 0 {
		delay = DefaultCoalesceDelay
	}
	if interruptWindow <= 0 {
		interruptWindow = DefaultInterruptWindow
	}
	return &Coalescer{clock: clock, delay: delay, interruptWindow: interruptWindow, out: out}
}

func (c *Coalescer) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !IsImmediate(p) {
		c.buf = append(c.buf, p...)
		c.armLocked()
		return
	}

	c.flushLocked()
	if string(p) == interrupt {
		now := c.clock.Now()
		if c.sentInterrupt && now.Sub(c.lastInterrupt) < c.interruptWindow {
			return
		}
		c.sentInterrupt = true
		c.lastInterrupt = now
	}
	c.out.Enqueue(append([]byte(nil), p...))
}

// Flush sends anything buffered now.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Coalescer) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen {
			c.flushLocked()
		}
	})
}

func (c *Coalescer) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	for len(c.buf) > 0 {
		n := min(len(c.buf), maxSendSize)
		c.out.Enqueue(bytes.Clone(c.buf[:n]))
		c.buf = c.buf[n:]
	}
	c.buf = nil
}

// SendQueue delivers payloads one at a time, in order. When a send fails
// because the session or transport is gone the queue pauses with the
// failed payload still at its head, and reports the loss; Resume retries
// from that payload, so nothing typed during a reconnect is lost.
type SendQueue struct {
	send   func(ctx context.Context, p []byte) error
	onLost func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	items   [][]byte
	busy    bool
	paused  bool
	stopped bool
	done    chan struct{}
}

// NewSendQueue starts the sender goroutine. onLost is called from that
// goroutine after the queue pauses.
func NewSendQueue(send func(ctx context.Context, p []byte) error, onLost func(error)) *SendQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &SendQueue{send: send, onLost: onLost, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *SendQueue) Enqueue(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.items = append(q.items, p)
	q.cond.Broadcast()
}

// Pause holds further sends until Resume.
func (q *SendQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

func (q *SendQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
}

// Pending reports how many payloads have not been delivered yet.
func (q *SendQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain waits until every queued payload is delivered, or ctx ends.
func (q *SendQueue) Drain(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 || q.busy {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.stopped {
			return ErrTerminalClosed
		}
		q.cond.Wait()
	}
	return nil
}

// Stop ends the sender. Undelivered payloads are discarded.
func (q *SendQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.cancel()
	<-q.done
}

func (q *SendQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.stopped && (q.paused || len(q.items) == 0) {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		p := q.items[0]
		q.busy = true
		q.mu.Unlock()

		err := q.send(q.ctx, p)

		lost := false
		q.mu.Lock()
		q.busy = false
		switch {
		case err == nil:
			q.items = q.items[1:]
		case q.stopped:
		case errors.Is(err, ErrInputTooLarge), errors.Is(err, ErrInvalidDimensions):
			log.Printf("[termclient] dropping input the server rejected: %v", err)
			q.items = q.items[1:]
		default:
			q.paused = true
			lost = true
		}
		q.cond.Broadcast()
		q.mu.Unlock()

		if lost && q.onLost != nil {
			q.onLost(err)
		}
	}
}
