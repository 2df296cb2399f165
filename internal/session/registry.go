// Package session owns live terminal sessions: it opens exec streams, fans
// their output out to one subscriber, accepts input and resizes, tracks RTT
// reports and evicts sessions that stop showing signs of life.
//
// Lifecycle:
//  1. Create stores the record as Connecting, opens the exec stream and
//     marks it Open. A failed open removes the record.
//  2. Input, Resize, Heartbeat, Ping and output all refresh last activity.
//  3. Close, stream exit or the idle sweep mark the record Closed. It stays
//     visible for CloseGrace so duplicate closes and status checks resolve
//     cleanly, then the sweep removes it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/edurange/termbridge/internal/config"
	"github.com/edurange/termbridge/internal/execstream"
	"github.com/edurange/termbridge/internal/logutil"
	"github.com/edurange/termbridge/internal/wire"
)

const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultCloseGrace    = 30 * time.Second
	DefaultStampInterval = 5 * time.Second

	// MaxInputSize is the largest single input call accepted.
	MaxInputSize = 64 * 1024
)

// Close reasons recorded in history.
const (
	ReasonClient   = "closed by client"
	ReasonIdle     = "idle timeout"
	ReasonExited   = "shell exited"
	ReasonShutdown = "server shutdown"
)

// Recorder receives session lifecycle events, e.g. to persist history.
type Recorder interface {
	SessionOpened(Info) error
	SessionClosed(Info) error
}

type Options struct {
	IdleTimeout      time.Duration
	CloseGrace       time.Duration
	StampInterval    time.Duration
	ScrollbackBytes  int
	MaxCols          int
	MaxRows          int
	RecordingEnabled bool
	Profiles         *config.Profiles
	Recorder         Recorder
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry is the arena of live sessions, keyed by session id.
type Registry struct {
	dialer execstream.Dialer
	opts   Options
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(dialer execstream.Dialer, opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	if opts.StampInterval <= 0 {
		opts.StampInterval = DefaultStampInterval
	}
	if opts.MaxCols <= 0 {
		opts.MaxCols = 500
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 200
	}
	opts.MaxCols = min(opts.MaxCols, config.MaxDimension)
	opts.MaxRows = min(opts.MaxRows, config.MaxDimension)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		dialer:   dialer,
		opts:     opts,
		now:      now,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) clamp(d Dimensions) Dimensions {
	return Dimensions{Cols: min(d.Cols, r.opts.MaxCols), Rows: min(d.Rows, r.opts.MaxRows)}
}

func (r *Registry) get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// live returns the session only if it is Open.
func (r *Registry) live(id string) (*Session, error) {
	s := r.get(id)
	if s == nil || !s.alive() {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Create opens an exec stream to target and registers a new session.
func (r *Registry) Create(ctx context.Context, target execstream.Target, dims Dimensions, transport Transport) (Info, error) {
	if !dims.Valid() {
		return Info{}, ErrInvalidDimensions
	}
	if !transport.Valid() {
		return Info{}, fmt.Errorf("%w: %q", ErrInvalidTransport, transport)
	}
	dims = r.clamp(dims)
	now := r.now()

	s := &Session{
		ID:           uuid.New().String(),
		Target:       target,
		Transport:    transport,
		CreatedAt:    now,
		output:       newOutputBuffer(r.opts.ScrollbackBytes),
		measure:      newMeasurements(),
		limiter:      NewRateLimiter(ControlRateLimit, ControlRateBurst, r.now),
		status:       StatusConnecting,
		dims:         dims,
		lastActivity: now,
		pumpDone:     make(chan struct{}),
	}
	if r.opts.RecordingEnabled {
		s.recording = newRecording(dims, r.now)
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	targetLog := logutil.SanitizeForLog(logutil.Target(target.Workload, target.Container))
	stream, err := r.dialer.Open(ctx, execstream.Request{
		Target:  target,
		Command: r.opts.Profiles.CommandFor(target.Container),
		Size:    dims.size(),
	})
	if err != nil {
		r.remove(s.ID)
		log.Printf("[session] open %s via %s failed: %v", targetLog, r.dialer.Name(), err)
		return Info{}, fmt.Errorf("%w: %w", ErrTargetUnreachable, err)
	}
	if !s.markOpen(stream, r.now()) {
		stream.Close()
		r.remove(s.ID)
		return Info{}, fmt.Errorf("%w: session closed while connecting", ErrTargetUnreachable)
	}

	go r.pump(s)

	info := s.info()
	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.SessionOpened(info); err != nil {
			log.Printf("[session] record open of %s: %v", s.ID, err)
		}
	}
	log.Printf("[session] opened %s to %s (%s, %dx%d)", s.ID, targetLog, transport, dims.Cols, dims.Rows)
	return info, nil
}

// pump copies exec output into the session's output buffer for the lifetime
// of the stream, independent of whether anyone is subscribed.
func (r *Registry) pump(s *Session) {
	defer close(s.pumpDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.output.Write(data)
			s.bytesOut.Add(int64(n))
			s.touch(r.now())
			if s.recording != nil {
				s.recording.Output(data)
			}
		}
		if err != nil {
			reason := ReasonExited
			if !errors.Is(err, io.EOF) && s.alive() {
				reason = fmt.Sprintf("stream error: %v", err)
			}
			r.closeSession(s, reason)
			return
		}
	}
}

// Input writes p to the session's shell.
func (r *Registry) Input(id string, p []byte) error {
	if len(p) > MaxInputSize {
		return ErrInputTooLarge
	}
	s, err := r.live(id)
	if err != nil {
		return err
	}
	s.touch(r.now())
	if len(p) == 0 {
		return nil
	}
	if err := s.write(p); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		// A broken write side means the stream is gone.
		r.closeSession(s, err.Error())
		return ErrSessionNotFound
	}
	return nil
}

// Resize updates the session's dimensions and propagates them to the
// remote terminal. Values above the configured maximum are clamped.
// Propagation is best-effort; a failed resize is logged and corrected by
// the next one.
func (r *Registry) Resize(id string, dims Dimensions) error {
	if !dims.Valid() {
		return ErrInvalidDimensions
	}
	s, err := r.live(id)
	if err != nil {
		return err
	}
	dims = r.clamp(dims)

	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()

	s.mu.Lock()
	s.dims = dims
	stream := s.stream
	s.mu.Unlock()
	s.touch(r.now())

	if err := stream.Resize(dims.size()); err != nil {
		log.Printf("[session] resize %s to %dx%d: %v", s.ID, dims.Cols, dims.Rows, err)
	}
	if s.recording != nil {
		s.recording.Resize(dims)
	}
	return nil
}

// Subscribe attaches the single output subscriber, replaying retained output
// with a sequence greater than after. A previous subscriber is superseded.
func (r *Registry) Subscribe(id string, after uint64) (*Subscription, error) {
	s, err := r.live(id)
	if err != nil {
		return nil, err
	}
	s.touch(r.now())

	var stamp func() *wire.Stamp
	if s.Transport.stampsOutput() {
		stamp = func() *wire.Stamp { return s.measure.stamp(r.now(), r.opts.StampInterval) }
	}
	return s.subscribe(after, s.measure.batchWindow, stamp)
}

// Touch refreshes the session's idle timer.
func (r *Registry) Touch(id string) error {
	s, err := r.live(id)
	if err != nil {
		return err
	}
	s.touch(r.now())
	return nil
}

// Heartbeat is a rate-limited Touch.
func (r *Registry) Heartbeat(id string) error {
	s, err := r.live(id)
	if err != nil {
		return err
	}
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	s.touch(r.now())
	return nil
}

// Ping refreshes the idle timer and returns the server time.
func (r *Registry) Ping(id string) (time.Time, error) {
	s, err := r.live(id)
	if err != nil {
		return time.Time{}, err
	}
	if !s.limiter.Allow() {
		return time.Time{}, ErrRateLimited
	}
	now := r.now()
	s.touch(now)
	return now, nil
}

// Report feeds a client measurement into the session's RTT estimate. Reports
// for unknown sessions, unknown or duplicate measurement ids, and reports
// over the rate limit are ignored; the return value says whether it counted.
func (r *Registry) Report(id string, m wire.Measurement) bool {
	s, err := r.live(id)
	if err != nil || !s.limiter.Allow() {
		return false
	}
	return s.measure.report(m, r.now())
}

// Status reports the session record. Unknown ids report Closed.
func (r *Registry) Status(id string) (Info, bool) {
	s := r.get(id)
	if s == nil {
		return Info{ID: id, Status: StatusClosed}, false
	}
	info := s.info()
	return info, info.Alive()
}

// Recording returns the session's capture, if recording is enabled.
func (r *Registry) Recording(id string) (*Recording, error) {
	s := r.get(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.recording == nil {
		return nil, ErrRecordingDisabled
	}
	return s.recording, nil
}

// Close tears the session down. It is idempotent and never fails; unknown
// ids are ignored.
func (r *Registry) Close(id string) error {
	if s := r.get(id); s != nil {
		r.closeSession(s, ReasonClient)
	}
	return nil
}

func (r *Registry) closeSession(s *Session, reason string) {
	stream, ok := s.markClosed(reason, r.now())
	if !ok {
		return
	}
	if stream != nil {
		stream.Close()
	}
	s.output.Close()

	info := s.info()
	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.SessionClosed(info); err != nil {
			log.Printf("[session] record close of %s: %v", s.ID, err)
		}
	}
	log.Printf("[session] closed %s (%s): in %s, out %s, open %s",
		s.ID, reason,
		units.HumanSize(float64(info.BytesIn)), units.HumanSize(float64(info.BytesOut)),
		info.ClosedAt.Sub(info.CreatedAt).Round(time.Millisecond))
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns every tracked session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.alive() {
			n++
		}
	}
	return n
}

// CleanupIdle closes open sessions idle longer than IdleTimeout and drops
// closed records older than CloseGrace. It returns the number evicted.
func (r *Registry) CleanupIdle() int {
	now := r.now()
	idleCutoff := now.Add(-r.opts.IdleTimeout)
	graceCutoff := now.Add(-r.opts.CloseGrace)

	r.mu.RLock()
	var idle, expired []*Session
	for _, s := range r.sessions {
		switch {
		case s.idleSince(idleCutoff):
			idle = append(idle, s)
		case s.closedBefore(graceCutoff):
			expired = append(expired, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		log.Printf("[session] evicting idle session %s (last activity %s)",
			s.ID, s.info().LastActivity.Format(time.RFC3339))
		r.closeSession(s, ReasonIdle)
	}
	for _, s := range expired {
		r.remove(s.ID)
	}
	return len(idle)
}

// StartJanitor runs CleanupIdle on a cron schedule such as "@every 30s".
// The returned function stops the schedule and waits for a running sweep.
func (r *Registry) StartJanitor(schedule string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n := r.CleanupIdle(); n > 0 {
			log.Printf("[session] idle sweep evicted %d session(s)", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule idle sweep %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// Shutdown closes every open session.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		r.closeSession(s, ReasonShutdown)
	}
	log.Printf("[session] shutdown closed %d session(s)", len(all))
}
