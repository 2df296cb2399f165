package termclient

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	calls int
}

func (r *recordingSender) send(_ context.Context, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, string(p))
	return nil
}

func (r *recordingSender) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *recordingSender) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func drain(t *testing.T, q *SendQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func newTestCoalescer(t *testing.T) (*Coalescer, *SendQueue, *recordingSender, *manualClock) {
	t.Helper()
	clock := newManualClock()
	rec := &recordingSender{}
	q := NewSendQueue(rec.send, nil)
	t.Cleanup(q.Stop)
	return NewCoalescer(clock, 0, 0, q), q, rec, clock
}

func TestIsImmediate(t *testing.T) {
	for _, seq := range []string{"\x03", "\x1b", "\x1b[A", "\x1bOD", "\x1b[H", "\r", "\n", "\x7f", "\x08", "\x1b[3~", "\t"} {
		if !IsImmediate([]byte(seq)) {
			t.Errorf("%q should be immediate", seq)
		}
	}
	for _, seq := range []string{"a", "ls", "\x1b[1;5C", "echo hi\r", "\x04"} {
		if IsImmediate([]byte(seq)) {
			t.Errorf("%q should be coalesced", seq)
		}
	}
}

func TestCoalescerBatchesUntilQuiet(t *testing.T) {
	c, q, rec, clock := newTestCoalescer(t)

	for _, k := range []string{"l", "s", " ", "-", "l"} {
		c.Push([]byte(k))
		clock.Advance(time.Millisecond)
	}
	drain(t, q)
	if got := rec.payloads(); len(got) != 0 {
		t.Fatalf("nothing should be sent before the debounce fires, got %q", got)
	}

	clock.Advance(DefaultCoalesceDelay)
	drain(t, q)
	if got := rec.payloads(); len(got) != 1 || got[0] != "ls -l" {
		t.Errorf("expected one batched call, got %q", got)
	}
}

func TestCoalescerImmediateFlushesFirst(t *testing.T) {
	c, q, rec, _ := newTestCoalescer(t)

	c.Push([]byte("ls"))
	c.Push([]byte("\r"))
	drain(t, q)

	got := rec.payloads()
	if len(got) != 2 || got[0] != "ls" || got[1] != "\r" {
		t.Errorf("expected buffered text then enter, got %q", got)
	}
}

func TestCoalescerPreservesOrder(t *testing.T) {
	keys := []string{"v", "i", "m", "\x1b", ":", "w", "q", "\r", "\x1b[A", "a", "b", "\x7f", "c", "\t", "d"}
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 20; run++ {
		c, q, rec, clock := newTestCoalescer(t)
		var want strings.Builder
		for i := 0; i < 200; i++ {
			k := keys[rng.Intn(len(keys))]
			want.WriteString(k)
			c.Push([]byte(k))
			clock.Advance(time.Duration(rng.Intn(8)) * time.Millisecond)
		}
		c.Flush()
		drain(t, q)

		if got := strings.Join(rec.payloads(), ""); got != want.String() {
			t.Fatalf("run %d: delivered bytes differ from typed bytes\n got %q\nwant %q", run, got, want.String())
		}
	}
}

func TestCoalescerInterruptDebounce(t *testing.T) {
	c, q, rec, clock := newTestCoalescer(t)

	for i := 0; i < 5; i++ {
		c.Push([]byte("\x03"))
		clock.Advance(50 * time.Millisecond)
	}
	drain(t, q)
	if n := strings.Count(strings.Join(rec.payloads(), ""), "\x03"); n != 1 {
		t.Fatalf("expected one interrupt within the window, got %d", n)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(DefaultInterruptWindow)
		c.Push([]byte("\x03"))
	}
	drain(t, q)
	if n := strings.Count(strings.Join(rec.payloads(), ""), "\x03"); n != 4 {
		t.Errorf("expected spaced interrupts to each be sent, got %d", n)
	}
}

func TestCoalescerSplitsLargeBatches(t *testing.T) {
	c, q, rec, _ := newTestCoalescer(t)

	c.Push([]byte(strings.Repeat("x", maxSendSize+10)))
	c.Flush()
	drain(t, q)

	got := rec.payloads()
	if len(got) != 2 || len(got[0]) != maxSendSize || len(got[1]) != 10 {
		t.Errorf("expected a %d byte call and a 10 byte call, got %d calls", maxSendSize, len(got))
	}
}

func TestSendQueuePausesOnLossAndResumes(t *testing.T) {
	rec := &recordingSender{fail: ErrSessionNotFound}
	lost := make(chan error, 4)
	q := NewSendQueue(rec.send, func(err error) { lost <- err })
	defer q.Stop()

	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))

	select {
	case err := <-lost:
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("unexpected loss error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the loss to be reported")
	}
	if q.Pending() != 2 {
		t.Fatalf("failed payload must stay queued, pending=%d", q.Pending())
	}

	rec.setFail(nil)
	q.Resume()
	drain(t, q)
	if got := rec.payloads(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected a then b after resume, got %q", got)
	}
}

func TestSendQueueDropsRejectedInput(t *testing.T) {
	rec := &recordingSender{fail: &APIError{Status: 413, Code: "input_too_large"}}
	q := NewSendQueue(rec.send, func(error) { t.Error("rejected input must not count as a loss") })
	defer q.Stop()

	q.Enqueue([]byte("huge"))
	drain(t, q)
	if q.Pending() != 0 {
		t.Errorf("expected the rejected payload to be dropped")
	}
}

func TestSendQueueDrainRespectsContext(t *testing.T) {
	rec := &recordingSender{}
	q := NewSendQueue(rec.send, nil)
	defer q.Stop()
	q.Pause()
	q.Enqueue([]byte("held"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
