package metrics

import (
	"math"
	"sync"
	"time"
)

// Horizons over which provider statistics are smoothed. Health-based routing
// reads the 1-minute horizon; the longer ones serve the admin stats surface.
var horizons = []time.Duration{time.Minute, 5 * time.Minute, time.Hour}

// ProviderStats is a point-in-time snapshot of a provider's smoothed
// latency and success rate per horizon, shortest first.
type ProviderStats struct {
	Latency     [3]time.Duration
	SuccessRate [3]float64
	Samples     int64
	LastSuccess time.Time
}

// ewma is a time-decayed exponentially weighted moving average. The decay
// factor depends on elapsed wall time, so sparse traffic still ages out.
type ewma struct {
	tau   float64 // horizon in seconds
	value float64
	last  time.Time
	seen  bool
}

func (e *ewma) update(sample float64, now time.Time) {
	if !e.seen {
		e.value = sample
		e.last = now
		e.seen = true
		return
	}
	dt := now.Sub(e.last).Seconds()
	if dt < 0 {
		dt = 0
	}
	alpha := 1 - math.Exp(-dt/e.tau)
	e.value += alpha * (sample - e.value)
	e.last = now
}

type providerTracker struct {
	mu          sync.Mutex
	latency     [3]ewma
	success     [3]ewma
	samples     int64
	lastSuccess time.Time
}

// Tracker maintains per-provider moving averages of attempt latency and
// success. It feeds the health_based fallback strategy and the admin stats
// endpoint; Prometheus histograms stay the source of truth for dashboards.
type Tracker struct {
	mu        sync.RWMutex
	providers map[string]*providerTracker

	now func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		providers: make(map[string]*providerTracker),
		now:       time.Now,
	}
}

func (t *Tracker) tracker(provider string) *providerTracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.providers[provider]
	if !ok {
		pt = &providerTracker{}
		for i, h := range horizons {
			pt.latency[i].tau = h.Seconds()
			pt.success[i].tau = h.Seconds()
		}
		t.providers[provider] = pt
	}
	return pt
}

// Observe records one completed attempt against a provider.
func (t *Tracker) Observe(provider string, latency time.Duration, success bool) {
	now := t.now()
	pt := t.tracker(provider)

	outcome := 0.0
	if success {
		outcome = 1.0
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.samples++
	if success {
		pt.lastSuccess = now
	}
	for i := range horizons {
		pt.latency[i].update(latency.Seconds(), now)
		pt.success[i].update(outcome, now)
	}
}

// Snapshot returns the provider's current statistics. Providers with no
// observations return ok=false so routing can treat them as unknown rather
// than perfect.
func (t *Tracker) Snapshot(provider string) (ProviderStats, bool) {
	t.mu.RLock()
	pt, ok := t.providers[provider]
	t.mu.RUnlock()
	if !ok {
		return ProviderStats{}, false
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	var s ProviderStats
	s.Samples = pt.samples
	s.LastSuccess = pt.lastSuccess
	for i := range horizons {
		s.Latency[i] = time.Duration(pt.latency[i].value * float64(time.Second))
		s.SuccessRate[i] = pt.success[i].value
	}
	return s, pt.samples > 0
}

// LastSuccess reports when the provider last completed an attempt
// successfully; zero if it never has.
func (t *Tracker) LastSuccess(provider string) time.Time {
	t.mu.RLock()
	pt, ok := t.providers[provider]
	t.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.lastSuccess
}

// Score ranks a provider for health-based routing on the 1-minute horizon:
// higher is better. Unobserved providers score 0.5 so fresh providers get
// traffic without dominating proven ones.
func (t *Tracker) Score(provider string) float64 {
	s, ok := t.Snapshot(provider)
	if !ok {
		return 0.5
	}
	latencyPenalty := s.Latency[0].Seconds() / 10 // 10s of latency erases a full success rate
	score := s.SuccessRate[0] - latencyPenalty
	if score < 0 {
		score = 0
	}
	return score
}
