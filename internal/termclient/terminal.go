package termclient

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second

	// GaveUpMessage is written to the display when the retry budget runs
	// out.
	GaveUpMessage = "\r\n\x1b[31m[connection lost: reload to reconnect]\x1b[0m\r\n"
	// ReconnectedMessage is written after the display is cleared on a
	// successful reconnect.
	ReconnectedMessage = "\x1b[32m[reconnected]\x1b[0m\r\n"

	clearScreen = "\x1b[H\x1b[2J\x1b[3J"

	controlTimeout = 10 * time.Second
)

type Options struct {
	Clock             Clock
	MaxAttempts       int
	BaseDelay         time.Duration
	CoalesceDelay     time.Duration
	InterruptWindow   time.Duration
	HeartbeatInterval time.Duration
	ProbeInterval     time.Duration
	// DisableRTT turns off probes and stamp replies. Terminal I/O is
	// unaffected.
	DisableRTT bool
	// OnState observes every controller state change. It is called from
	// the event loop and must not block.
	OnState func(State)
}

type loopEvent struct {
	kind   EventKind
	gen    uint64
	err    error
	stream Stream
}

// Terminal connects a local display to a remote shell. Write sends
// keystrokes; output is written to the display.
type Terminal struct {
	transport Transport
	features  Features
	display   io.Writer
	opts      Options
	clock     Clock

	queue     *SendQueue
	coalescer *Coalescer
	rtt       *rttMeter
	stats     *RTTStats
	resizer   *resizer

	events chan loopEvent
	quit   chan struct{}
	done   chan struct{}

	// Owned by the event loop.
	machine   Machine
	gen       uint64
	stream    Stream
	retry     Timer
	heartbeat *ticker

	mu       sync.Mutex
	state    State
	err      error
	closing  bool
	stopOnce sync.Once
}

func NewTerminal(transport Transport, display io.Writer, opts Options) *Terminal {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}

	t := &Terminal{
		transport: transport,
		features:  transport.Features(),
		display:   display,
		opts:      opts,
		clock:     opts.Clock,
		stats:     &RTTStats{},
		events:    make(chan loopEvent, 16),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		machine:   NewMachine(opts.MaxAttempts, opts.BaseDelay),
		state:     StateIdle,
	}
	t.queue = NewSendQueue(transport.Send, func(err error) {
		t.post(loopEvent{kind: EventFailed, err: err, gen: t.currentGen()})
	})
	// Input waits for the first open.
	t.queue.Pause()
	if t.features.Coalesce {
		t.coalescer = NewCoalescer(t.clock, opts.CoalesceDelay, opts.InterruptWindow, t.queue)
	}
	t.rtt = &rttMeter{
		enabled: t.features.RTT && !opts.DisableRTT,
		clock:   t.clock,
		stats:   t.stats,
		ping:    transport.Ping,
		report:  transport.Report,
	}
	t.resizer = newResizer(transport.Resize)
	return t
}

// Start connects and runs the event loop until Close.
func (t *Terminal) Start() {
	go t.loop()
	t.post(loopEvent{kind: EventStart})
}

// post hands ev to the event loop. It reports false once the terminal has
// stopped.
func (t *Terminal) post(ev loopEvent) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.quit:
		return false
	}
}

func (t *Terminal) currentGen() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *Terminal) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is the reason the terminal stopped, if it has: ErrShellExited, or
// ErrGaveUp when it was closed after giving up.
func (t *Terminal) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the terminal stops: on Close or when the remote
// shell exits.
func (t *Terminal) Done() <-chan struct{} {
	return t.done
}

func (t *Terminal) RTT() *RTTStats {
	return t.stats
}

func (t *Terminal) SessionID() string {
	return t.transport.SessionID()
}

// Write queues keystrokes for the remote shell. It never blocks on the
// network; input typed while disconnected is delivered after reconnect.
func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()
	if closing {
		return 0, ErrTerminalClosed
	}
	if t.coalescer != nil {
		t.coalescer.Push(p)
	} else {
		t.queue.Enqueue(append([]byte(nil), p...))
	}
	return len(p), nil
}

// Resize validates locally and then propagates best effort; only the
// latest size is sent if several arrive while one is in flight.
func (t *Terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrInvalidDimensions
	}
	t.resizer.set(cols, rows)
	return nil
}

// SetVisible reports whether the user can see the terminal.
func (t *Terminal) SetVisible(visible bool) {
	kind := EventHidden
	if visible {
		kind = EventVisible
	}
	t.post(loopEvent{kind: kind})
}

// Reconnect is the manual retry after the controller gave up.
func (t *Terminal) Reconnect() {
	t.post(loopEvent{kind: EventStart})
}

// Close flushes pending input, closes the session best effort and stops
// the terminal. ctx bounds the flush and the close call.
func (t *Terminal) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		<-t.done
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	if t.coalescer != nil {
		t.coalescer.Flush()
	}
	if t.State() == StateOpen {
		drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		t.queue.Drain(drainCtx)
		cancel()
	}

	var reason error
	if t.State() == StateGaveUp {
		reason = ErrGaveUp
	}
	t.stop(reason)
	<-t.done
	return t.transport.Close(ctx)
}

func (t *Terminal) stop(err error) {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.quit)
	})
}

func (t *Terminal) loop() {
	defer close(t.done)
	defer t.queue.Stop()
	defer t.resizer.stop()

	for {
		select {
		case <-t.quit:
			t.apply(EventStop)
			return
		case ev := <-t.events:
			t.handle(ev)
		}
	}
}

func (t *Terminal) handle(ev loopEvent) {
	switch ev.kind {
	case EventOpened:
		if ev.gen != t.gen {
			ev.stream.Close()
			return
		}
		t.stream = ev.stream
		t.apply(EventOpened)
		t.queue.Resume()
		t.rtt.start(t.opts.ProbeInterval)
		go t.pump(ev.stream, ev.gen)
		return

	case EventFailed, EventFatal:
		if ev.gen != t.gen {
			return
		}
		if errors.Is(ev.err, ErrShellExited) {
			t.display.Write([]byte("\r\n"))
			t.stop(ErrShellExited)
			return
		}
		if ev.err != nil {
			log.Printf("[termclient] connection lost: %v", ev.err)
		}
		if ev.kind == EventFailed && fatalConnectError(ev.err) && t.machine.State == StateConnecting {
			ev.kind = EventFatal
		}

	case EventStale:
		if ev.gen != t.gen {
			return
		}

	case EventHidden:
		if t.features.Keepalive && t.heartbeat == nil {
			t.heartbeat = startTicker(t.clock, t.opts.HeartbeatInterval, t.sendHeartbeat)
		}
		t.rtt.stop()

	case EventVisible:
		if t.heartbeat != nil {
			t.heartbeat.Stop()
			t.heartbeat = nil
		}
		if t.machine.State == StateOpen {
			t.rtt.start(t.opts.ProbeInterval)
			if t.features.Keepalive {
				go t.checkAlive(t.gen)
			}
		}
	}
	t.apply(ev.kind)
}

// apply runs the transition and performs its effects.
func (t *Terminal) apply(kind EventKind) {
	next, effects := Transition(t.machine, kind)
	prev := t.machine.State
	t.machine = next

	for _, eff := range effects {
		switch eff.Kind {
		case EffectConnect:
			t.mu.Lock()
			t.gen++
			gen := t.gen
			t.mu.Unlock()
			go t.connect(gen, eff.Rebind)
		case EffectScheduleRetry:
			if t.retry != nil {
				t.retry.Stop()
			}
			t.retry = t.clock.AfterFunc(eff.Delay, func() {
				t.post(loopEvent{kind: EventRetryDue})
			})
		case EffectCancelRetry:
			if t.retry != nil {
				t.retry.Stop()
				t.retry = nil
			}
		case EffectDisconnect:
			t.mu.Lock()
			t.gen++
			t.mu.Unlock()
			t.queue.Pause()
			t.rtt.stop()
			if t.stream != nil {
				t.stream.Close()
				t.stream = nil
			}
			if t.heartbeat != nil && kind == EventStop {
				t.heartbeat.Stop()
				t.heartbeat = nil
			}
		case EffectClearScreen:
			t.display.Write([]byte(clearScreen))
		case EffectReconnected:
			t.display.Write([]byte(ReconnectedMessage))
		case EffectGaveUp:
			t.queue.Pause()
			t.display.Write([]byte(GaveUpMessage))
		}
	}

	if next.State != prev {
		t.mu.Lock()
		t.state = next.State
		t.mu.Unlock()
		if t.opts.OnState != nil {
			t.opts.OnState(next.State)
		}
	}
}

func (t *Terminal) connect(gen uint64, rebind bool) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	stream, err := t.transport.Connect(ctx, rebind)
	if err != nil {
		kind := EventFailed
		if fatalConnectError(err) {
			kind = EventFatal
		}
		t.post(loopEvent{kind: kind, err: err, gen: gen})
		return
	}
	if !t.post(loopEvent{kind: EventOpened, stream: stream, gen: gen}) {
		stream.Close()
	}
}

// pump copies output to the display until the stream ends. Output is
// written before the RTT reply is computed, so measurement never delays
// the screen.
func (t *Terminal) pump(stream Stream, gen uint64) {
	for {
		f, err := stream.Next()
		if err != nil {
			t.post(loopEvent{kind: EventFailed, err: err, gen: gen})
			return
		}
		receivedAt := t.clock.Now()
		if len(f.Data) > 0 {
			if _, err := t.display.Write(f.Data); err != nil {
				log.Printf("[termclient] display write failed: %v", err)
			}
		}
		t.rtt.frameHandled(f.RTT, receivedAt)
	}
}

func (t *Terminal) sendHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := t.transport.Heartbeat(ctx); err != nil {
		log.Printf("[termclient] heartbeat failed: %v", err)
	}
}

// checkAlive confirms the session on return to the foreground, and drives
// a reconnect if the server no longer has it.
func (t *Terminal) checkAlive(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	err := t.transport.Heartbeat(ctx)
	if errors.Is(err, ErrSessionNotFound) {
		t.post(loopEvent{kind: EventStale, gen: gen})
	}
}

// resizer sends the latest requested size, one call at a time.
type resizer struct {
	send func(ctx context.Context, cols, rows int) error

	mu      sync.Mutex
	cols    int
	rows    int
	pending bool
	kick    chan struct{}
	quit    chan struct{}
	once    sync.Once
}

func newResizer(send func(ctx context.Context, cols, rows int) error) *resizer {
	r := &resizer{send: send, kick: make(chan struct{}, 1), quit: make(chan struct{})}
	go r.run()
	return r
}

func (r *resizer) set(cols, rows int) {
	r.mu.Lock()
	r.cols, r.rows, r.pending = cols, rows, true
	r.mu.Unlock()
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *resizer) run() {
	for {
		select {
		case <-r.quit:
			return
		case <-r.kick:
		}
		r.mu.Lock()
		cols, rows, pending := r.cols, r.rows, r.pending
		r.pending = false
		r.mu.Unlock()
		if !pending {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		if err := r.send(ctx, cols, rows); err != nil {
			log.Printf("[termclient] resize to %dx%d dropped: %v", cols, rows, err)
		}
		cancel()
	}
}

func (r *resizer) stop() {
	r.once.Do(func() { close(r.quit) })
}
