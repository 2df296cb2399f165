package termclient

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edurange/termbridge/internal/wire"
)

const (
	// RTTWindow is how many recent samples the average covers.
	RTTWindow = 10
	// MaxRTTMillis is the largest plausible round trip; anything above is
	// discarded as a measurement error.
	MaxRTTMillis = 10000

	DefaultProbeInterval = 5 * time.Second

	processingWeight = 0.2
	reportTimeout    = 5 * time.Second
)

// Sample is one round-trip measurement.
type Sample struct {
	RTTMillis  float64
	CapturedAt time.Time
}

// ValidRTT reports whether ms is a usable round trip: a finite number in
// (0, MaxRTTMillis].
func ValidRTT(ms float64) bool {
	return !math.IsNaN(ms) && !math.IsInf(ms, 0) && ms > 0 && ms <= MaxRTTMillis
}

// RTTStats keeps the recent round-trip samples and a smoothed client
// processing time.
type RTTStats struct {
	mu         sync.Mutex
	samples    []Sample
	average    float64
	processing float64
	procN      int
}

// Add appends a valid sample, evicting the oldest beyond RTTWindow. Invalid
// samples are rejected and leave the average untouched.
func (s *RTTStats) Add(ms float64, at time.Time) bool {
	if !ValidRTT(ms) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, Sample{RTTMillis: ms, CapturedAt: at})
	if len(s.samples) > RTTWindow {
		s.samples = append(s.samples[:0:0], s.samples[len(s.samples)-RTTWindow:]...)
	}
	var sum float64
	for _, smp := range s.samples {
		sum += smp.RTTMillis
	}
	s.average = sum / float64(len(s.samples))
	return true
}

// Average is the mean of the retained samples, 0 with none.
func (s *RTTStats) Average() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.average
}

func (s *RTTStats) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples...)
}

// AddProcessing folds a frame processing time into the moving average.
// The first sample seeds it.
func (s *RTTStats) AddProcessing(ms float64) bool {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 || ms > MaxRTTMillis {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procN == 0 {
		s.processing = ms
	} else {
		s.processing = s.processing*(1-processingWeight) + ms*processingWeight
	}
	s.procN++
	return true
}

func (s *RTTStats) Processing() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// rttMeter runs the client half of RTT measurement for one terminal:
// periodic ping probes and replies to server-piggybacked stamps. A disabled
// meter does nothing.
type rttMeter struct {
	enabled bool
	clock   Clock
	stats   *RTTStats

	ping   func(ctx context.Context) error
	report func(ctx context.Context, m wire.Measurement) error

	mu     sync.Mutex
	ticker *ticker
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// probe measures one ping round trip and reports it.
func (m *rttMeter) probe(ctx context.Context) {
	if !m.enabled {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	start := m.clock.Now()
	if err := m.ping(ctx); err != nil {
		return
	}
	rtt := millis(m.clock.Now().Sub(start))
	if !m.stats.Add(rtt, start) {
		return
	}
	if err := m.report(ctx, wire.Measurement{ID: uuid.New().String(), RTTMillis: &rtt}); err != nil {
		log.Printf("[termclient] rtt report failed: %v", err)
	}
}

// frameHandled replies to a piggybacked stamp once its output has been
// written. The report is fire and forget.
func (m *rttMeter) frameHandled(stamp *wire.Stamp, receivedAt time.Time) {
	if !m.enabled || stamp == nil || stamp.ID == "" {
		return
	}
	processing := millis(m.clock.Now().Sub(receivedAt))
	m.stats.AddProcessing(processing)

	meas := wire.Measurement{
		ID:               stamp.ID,
		SentAt:           stamp.SentAt,
		ReceivedAt:       wire.UnixMillis(receivedAt),
		ProcessingMillis: processing,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := m.report(ctx, meas); err != nil {
			log.Printf("[termclient] rtt report failed: %v", err)
		}
	}()
}

func (m *rttMeter) start(interval time.Duration) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != nil {
		return
	}
	m.ticker = startTicker(m.clock, interval, func() { m.probe(context.Background()) })
}

func (m *rttMeter) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}
