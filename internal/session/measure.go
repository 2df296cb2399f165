package session

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edurange/termbridge/internal/wire"
)

const (
	// measurementTTL bounds how long a piggybacked stamp waits for its report.
	measurementTTL = 30 * time.Second
	// seenProbeIDs is how many probe report ids are remembered for dedup.
	seenProbeIDs = 32
	// maxRTTMillis is the largest plausible round trip; anything above is noise.
	maxRTTMillis = 10000
	emaWeight    = 0.2
	// maxBatchWindow caps how long output is held back to batch chunks.
	maxBatchWindow = 20 * time.Millisecond
)

// measurements is the server half of RTT tracking for one session.
type measurements struct {
	mu         sync.Mutex
	pending    map[string]time.Time
	seen       map[string]struct{}
	seenOrder  []string
	lastStamp  time.Time
	rtt        float64
	processing float64
	rttSamples int
	procCount  int
}

func newMeasurements() *measurements {
	return &measurements{
		pending: make(map[string]time.Time),
		seen:    make(map[string]struct{}),
	}
}

func validMillis(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0 && v <= maxRTTMillis
}

func ema(avg, sample float64, n int) float64 {
	if n == 0 {
		return sample
	}
	return avg*(1-emaWeight) + sample*emaWeight
}

// stamp issues a send timestamp for an outgoing frame, or nil if one was
// issued less than interval ago.
func (m *measurements) stamp(now time.Time, interval time.Duration) *wire.Stamp {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastStamp.IsZero() && now.Sub(m.lastStamp) < interval {
		return nil
	}
	m.expire(now)
	m.lastStamp = now
	id := uuid.New().String()
	m.pending[id] = now
	return &wire.Stamp{ID: id, SentAt: wire.UnixMillis(now)}
}

// expire drops stamps nobody answered. Caller holds m.mu.
func (m *measurements) expire(now time.Time) {
	for id, sentAt := range m.pending {
		if now.Sub(sentAt) > measurementTTL {
			delete(m.pending, id)
		}
	}
}

// report folds a client report into the running averages. It returns false
// when the report is ignored: unknown, expired or duplicate ids, or samples
// outside the plausible range.
func (m *measurements) report(r wire.Measurement, now time.Time) bool {
	if r.ID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.RTTMillis != nil {
		if _, dup := m.seen[r.ID]; dup {
			return false
		}
		m.remember(r.ID)
		if !validMillis(*r.RTTMillis) {
			return false
		}
		m.rtt = ema(m.rtt, *r.RTTMillis, m.rttSamples)
		m.rttSamples++
		return true
	}

	sentAt, ok := m.pending[r.ID]
	if !ok {
		return false
	}
	delete(m.pending, r.ID)
	if now.Sub(sentAt) > measurementTTL {
		return false
	}

	if r.ProcessingMillis >= 0 && !math.IsNaN(r.ProcessingMillis) && !math.IsInf(r.ProcessingMillis, 0) {
		m.processing = ema(m.processing, r.ProcessingMillis, m.procCount)
		m.procCount++
	}

	// The report left the client after it finished processing the frame.
	rtt := float64(now.Sub(sentAt).Microseconds())/1000 - r.ProcessingMillis
	if validMillis(rtt) {
		m.rtt = ema(m.rtt, rtt, m.rttSamples)
		m.rttSamples++
	}
	return true
}

// remember records a probe id, forgetting the oldest beyond seenProbeIDs.
// Caller holds m.mu.
func (m *measurements) remember(id string) {
	m.seen[id] = struct{}{}
	m.seenOrder = append(m.seenOrder, id)
	if len(m.seenOrder) > seenProbeIDs {
		delete(m.seen, m.seenOrder[0])
		m.seenOrder = m.seenOrder[1:]
	}
}

// batchWindow is how long output may be held to merge chunks: a tenth of
// the smoothed RTT, capped at maxBatchWindow. Zero until a sample exists.
func (m *measurements) batchWindow() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rttSamples == 0 {
		return 0
	}
	w := time.Duration(m.rtt / 10 * float64(time.Millisecond))
	return max(0, min(w, maxBatchWindow))
}

func (m *measurements) snapshot() (rtt, processing float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt, m.processing
}
