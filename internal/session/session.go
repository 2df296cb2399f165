package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edurange/termbridge/internal/execstream"
	"github.com/edurange/termbridge/internal/wire"
)

// Transport selects how a client is wired to a session. Both variants share
// the registry operations; only output stamping differs.
type Transport string

const (
	DirectAttach Transport = wire.TransportDirectAttach
	SessionRelay Transport = wire.TransportSessionRelay
)

func (t Transport) Valid() bool {
	return t == DirectAttach || t == SessionRelay
}

// stampsOutput reports whether output frames may carry RTT stamps. A Direct
// Attach connection carries raw bytes and has nowhere to put one.
func (t Transport) stampsOutput() bool {
	return t == SessionRelay
}

// Status is the session lifecycle: Connecting -> Open -> Closed.
type Status string

const (
	StatusConnecting Status = wire.StatusConnecting
	StatusOpen       Status = wire.StatusOpen
	StatusClosed     Status = wire.StatusClosed
)

type Dimensions struct {
	Cols int
	Rows int
}

func (d Dimensions) Valid() bool {
	return d.Cols > 0 && d.Rows > 0
}

func (d Dimensions) size() execstream.Size {
	return execstream.Size{Cols: uint16(d.Cols), Rows: uint16(d.Rows)}
}

// Info is a point-in-time copy of a session record.
type Info struct {
	ID               string
	Target           execstream.Target
	Transport        Transport
	Status           Status
	Dims             Dimensions
	CreatedAt        time.Time
	LastActivity     time.Time
	ClosedAt         time.Time
	CloseReason      string
	BytesIn          int64
	BytesOut         int64
	RTTMillis        float64
	ProcessingMillis float64
}

func (i Info) Alive() bool {
	return i.Status == StatusOpen
}

func (i Info) Wire() wire.SessionInfo {
	return wire.SessionInfo{
		ID:             i.ID,
		Target:         i.Target.Workload,
		Container:      i.Target.Container,
		Transport:      string(i.Transport),
		Status:         string(i.Status),
		Alive:          i.Alive(),
		Cols:           i.Dims.Cols,
		Rows:           i.Dims.Rows,
		CreatedAt:      i.CreatedAt,
		LastActivityAt: i.LastActivity,
		RTTMillis:      i.RTTMillis,
	}
}

// Session is one logical terminal. Its fields are only mutated through
// Registry operations.
type Session struct {
	ID        string
	Target    execstream.Target
	Transport Transport
	CreatedAt time.Time

	stream    execstream.Stream
	output    *outputBuffer
	measure   *measurements
	limiter   *RateLimiter
	recording *Recording

	// writeMu keeps the exec stream single-writer; resizeMu orders resizes.
	writeMu  sync.Mutex
	resizeMu sync.Mutex

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	mu           sync.Mutex
	status       Status
	dims         Dimensions
	lastActivity time.Time
	closedAt     time.Time
	closeReason  string
	sub          *Subscription
	pumpDone     chan struct{}
}

func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusOpen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) info() Info {
	rtt, proc := s.measure.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:               s.ID,
		Target:           s.Target,
		Transport:        s.Transport,
		Status:           s.status,
		Dims:             s.dims,
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.lastActivity,
		ClosedAt:         s.closedAt,
		CloseReason:      s.closeReason,
		BytesIn:          s.bytesIn.Load(),
		BytesOut:         s.bytesOut.Load(),
		RTTMillis:        rtt,
		ProcessingMillis: proc,
	}
}

// markOpen attaches the stream. It fails if the session was closed while
// the stream was being opened.
func (s *Session) markOpen(stream execstream.Stream, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnecting {
		return false
	}
	s.stream = stream
	s.status = StatusOpen
	s.lastActivity = now
	return true
}

// markClosed transitions to Closed once. It returns the stream to release
// and whether this call performed the transition.
func (s *Session) markClosed(reason string, now time.Time) (execstream.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return nil, false
	}
	s.status = StatusClosed
	s.closedAt = now
	s.closeReason = reason
	return s.stream, true
}

func (s *Session) closedBefore(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusClosed && s.closedAt.Before(cutoff)
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusOpen && s.lastActivity.Before(cutoff)
}

// write delivers input to the exec stream. A write racing with close fails
// with ErrSessionNotFound.
func (s *Session) write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.alive() {
		return ErrSessionNotFound
	}
	if _, err := s.stream.Write(p); err != nil {
		if !s.alive() {
			return ErrSessionNotFound
		}
		return fmt.Errorf("write input: %w", err)
	}
	s.bytesIn.Add(int64(len(p)))
	if s.recording != nil {
		s.recording.Input(p)
	}
	return nil
}

// subscribe replaces any current subscriber.
func (s *Session) subscribe(after uint64, window func() time.Duration, stamp func() *wire.Stamp) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen {
		return nil, ErrSessionNotFound
	}
	if s.sub != nil {
		s.sub.supersede()
	}
	sub := &Subscription{
		session:    s,
		lastSeq:    after,
		superseded: make(chan struct{}),
		window:     window,
		stamp:      stamp,
	}
	s.sub = sub
	return sub, nil
}

func (s *Session) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == sub {
		s.sub = nil
	}
}

func (s *Session) closeReasonText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// maxFrameBytes caps how much output one frame carries when the subscriber
// is catching up on a backlog.
const maxFrameBytes = 256 * 1024

// Subscription delivers a session's output to its single subscriber.
type Subscription struct {
	session    *Session
	lastSeq    uint64
	superseded chan struct{}
	once       sync.Once
	window     func() time.Duration
	stamp      func() *wire.Stamp
}

func (sub *Subscription) supersede() {
	sub.once.Do(func() { close(sub.superseded) })
}

// Close releases the subscription without affecting the session.
func (sub *Subscription) Close() {
	sub.session.unsubscribe(sub)
	sub.supersede()
}

// LastSeq returns the sequence of the last delivered output.
func (sub *Subscription) LastSeq() uint64 {
	return sub.lastSeq
}

// CloseReason returns why the session closed, once Next has returned
// ErrSessionClosed.
func (sub *Subscription) CloseReason() string {
	return sub.session.closeReasonText()
}

// Next blocks until output past the last delivered sequence is available and
// returns it as one frame. Chunks arriving within the session's batch window
// are merged. It returns ErrSessionClosed after the final output of a closed
// session, ErrSuperseded when a newer subscription replaced this one, or the
// context error.
func (sub *Subscription) Next(ctx context.Context) (wire.Frame, error) {
	batched := false
	for {
		select {
		case <-sub.superseded:
			return wire.Frame{}, ErrSuperseded
		default:
		}

		chunks, closed, changed := sub.session.output.since(sub.lastSeq)
		if len(chunks) > 0 {
			if w := sub.window(); w > 0 && !batched && !closed {
				batched = true
				t := time.NewTimer(w)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return wire.Frame{}, ctx.Err()
				case <-sub.superseded:
					t.Stop()
					return wire.Frame{}, ErrSuperseded
				}
				continue
			}
			return sub.frame(chunks), nil
		}
		if closed {
			return wire.Frame{}, ErrSessionClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return wire.Frame{}, ctx.Err()
		case <-sub.superseded:
			return wire.Frame{}, ErrSuperseded
		}
	}
}

func (sub *Subscription) frame(chunks []chunk) wire.Frame {
	var data []byte
	if len(chunks) == 1 {
		data = chunks[0].data
	}
	last := chunks[0].seq
	if len(chunks) > 1 {
		for _, c := range chunks {
			if len(data) > 0 && len(data)+len(c.data) > maxFrameBytes {
				break
			}
			data = append(data, c.data...)
			last = c.seq
		}
	}
	sub.lastSeq = last

	f := wire.Frame{Type: wire.FrameOutput, Seq: last, Data: data}
	if sub.stamp != nil {
		f.RTT = sub.stamp()
	}
	return f
}
