// Package dispatch is the request engine: it authenticates API keys, admits
// against rate budgets, resolves candidate providers, walks them with
// circuit-breaker protection, and relays materialized or streaming responses.
package dispatch

import (
	"sync"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/metrics"
)

// BreakerState is the operational state of a per-provider circuit breaker.
//
//	closed:    normal operation, requests pass through.
//	open:      provider is failing, requests are rejected immediately.
//	half-open: recovery probe, exactly one request is allowed through.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerOpen     BreakerState = 1
	BreakerHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the circuit breakers. Zero values use the defaults.
type BreakerConfig struct {
	// FailureThreshold is the count of consecutive failures that opens the
	// breaker. Default 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before a half-open
	// probe is allowed. Default 5m.
	ResetTimeout time.Duration
}

func (c *BreakerConfig) threshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}

func (c *BreakerConfig) resetTimeout() time.Duration {
	if c.ResetTimeout > 0 {
		return c.ResetTimeout
	}
	return 5 * time.Minute
}

// providerBreaker holds per-provider state. A sliding record of recent
// outcomes is kept alongside the consecutive counter for the admin surface.
type providerBreaker struct {
	mu sync.Mutex

	state         BreakerState
	consecutive   int
	openedAt      time.Time
	probeInFlight bool

	recent []bool // newest last, capped at threshold*2
}

// BreakerStatus is the admin view of one breaker.
type BreakerStatus struct {
	Provider            string    `json:"provider"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	RecentOutcomes      []bool    `json:"recent_outcomes"`
}

// BreakerSet manages independent circuit breakers per provider. Breakers are
// created lazily on first use and removed when a provider is deleted.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*providerBreaker
	cfg      BreakerConfig
	metrics  *metrics.Registry
	now      func() time.Time
}

// NewBreakerSet creates a BreakerSet.
func NewBreakerSet(cfg BreakerConfig, met *metrics.Registry) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*providerBreaker),
		cfg:      cfg,
		metrics:  met,
		now:      time.Now,
	}
}

func (bs *BreakerSet) get(provider string) *providerBreaker {
	bs.mu.RLock()
	pb, ok := bs.breakers[provider]
	bs.mu.RUnlock()
	if ok {
		return pb
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if pb, ok = bs.breakers[provider]; ok {
		return pb
	}
	pb = &providerBreaker{}
	bs.breakers[provider] = pb
	return pb
}

// Allow reports whether provider should receive the next request.
//
//	Closed    → true.
//	Open      → false, unless the reset timeout has elapsed, in which case
//	            the breaker goes half-open and this caller becomes the probe.
//	Half-open → true only for the single probe slot.
func (bs *BreakerSet) Allow(provider string) bool {
	pb := bs.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if bs.now().Sub(pb.openedAt) >= bs.cfg.resetTimeout() {
			pb.state = BreakerHalfOpen
			pb.probeInFlight = true
			bs.publish(provider, BreakerHalfOpen)
			return true
		}
		if bs.metrics != nil {
			bs.metrics.RecordCircuitBreakerRejection(provider)
		}
		return false

	case BreakerHalfOpen:
		if pb.probeInFlight {
			if bs.metrics != nil {
				bs.metrics.RecordCircuitBreakerRejection(provider)
			}
			return false
		}
		pb.probeInFlight = true
		return true
	}
	return true
}

// RecordSuccess closes the breaker and clears the failure streak.
func (bs *BreakerSet) RecordSuccess(provider string) {
	pb := bs.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.state = BreakerClosed
	pb.consecutive = 0
	pb.probeInFlight = false
	pb.push(true, bs.cfg.threshold())
	bs.publish(provider, BreakerClosed)
}

// RecordFailure advances the consecutive failure streak; the breaker opens on
// exactly the threshold-th failure. A failed half-open probe reopens it and
// restarts the reset timer.
func (bs *BreakerSet) RecordFailure(provider string) {
	pb := bs.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.consecutive++
	pb.probeInFlight = false
	pb.push(false, bs.cfg.threshold())

	if pb.state == BreakerHalfOpen || pb.consecutive >= bs.cfg.threshold() {
		pb.state = BreakerOpen
		pb.openedAt = bs.now()
		bs.publish(provider, BreakerOpen)
	}
}

// State returns the current state for provider.
func (bs *BreakerSet) State(provider string) BreakerState {
	pb := bs.get(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// Reset closes the breaker administratively.
func (bs *BreakerSet) Reset(provider string) {
	pb := bs.get(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.state = BreakerClosed
	pb.consecutive = 0
	pb.probeInFlight = false
	bs.publish(provider, BreakerClosed)
}

// ForceOpen opens the breaker administratively, e.g. to drain a provider.
func (bs *BreakerSet) ForceOpen(provider string) {
	pb := bs.get(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.state = BreakerOpen
	pb.openedAt = bs.now()
	bs.publish(provider, BreakerOpen)
}

// Remove drops a deleted provider's breaker.
func (bs *BreakerSet) Remove(provider string) {
	bs.mu.Lock()
	delete(bs.breakers, provider)
	bs.mu.Unlock()
}

// Status returns the admin view for provider.
func (bs *BreakerSet) Status(provider string) BreakerStatus {
	pb := bs.get(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return BreakerStatus{
		Provider:            provider,
		State:               pb.state.String(),
		ConsecutiveFailures: pb.consecutive,
		OpenedAt:            pb.openedAt,
		RecentOutcomes:      append([]bool(nil), pb.recent...),
	}
}

// StatusAll returns the admin view for every tracked provider.
func (bs *BreakerSet) StatusAll() []BreakerStatus {
	bs.mu.RLock()
	names := make([]string, 0, len(bs.breakers))
	for name := range bs.breakers {
		names = append(names, name)
	}
	bs.mu.RUnlock()

	out := make([]BreakerStatus, 0, len(names))
	for _, name := range names {
		out = append(out, bs.Status(name))
	}
	return out
}

func (bs *BreakerSet) publish(provider string, state BreakerState) {
	if bs.metrics != nil {
		bs.metrics.SetCircuitBreaker(provider, int64(state))
	}
}

func (pb *providerBreaker) push(ok bool, threshold int) {
	pb.recent = append(pb.recent, ok)
	if limit := threshold * 2; len(pb.recent) > limit {
		pb.recent = pb.recent[len(pb.recent)-limit:]
	}
}
