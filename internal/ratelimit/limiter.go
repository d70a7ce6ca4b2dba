// Package ratelimit enforces per-key request and token budgets across four
// scopes: requests per minute, requests per day, tokens per minute, and
// tokens per day.
//
// Minute budgets use a 60-second sliding window; day budgets use the UTC
// calendar day. Admission happens before dispatch with an estimated token
// count; Settle reconciles the estimate against the provider-reported usage
// afterwards, so budgets track real consumption without blocking dispatch on
// exact counts.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/keys"
)

// Reason identifies which budget denied admission.
type Reason string

const (
	ReasonRequestsPerMinute Reason = "requests_per_minute"
	ReasonRequestsPerDay    Reason = "requests_per_day"
	ReasonTokensPerMinute   Reason = "tokens_per_minute"
	ReasonTokensPerDay      Reason = "tokens_per_day"
)

// Decision is the outcome of an admission check. When OK is false, RetryAt is
// the earliest instant at which the denied budget could admit the request.
type Decision struct {
	OK      bool
	Reason  Reason
	RetryAt time.Time
}

// Limiter admits requests against per-key budgets and settles token usage.
type Limiter interface {
	// Admit checks every configured budget and, when all pass, records the
	// request and the token estimate. Zero-valued budgets are not enforced.
	Admit(ctx context.Context, keyID string, limits keys.RateLimits, estimatedTokens int64) (Decision, error)

	// Settle replaces a request's token estimate with the actual count once
	// the provider reports usage. Negative adjustments floor at zero.
	Settle(ctx context.Context, keyID string, estimatedTokens, actualTokens int64) error
}

const minuteWindow = time.Minute

// ─────────────────────────────────────────────────────────────────────────────
// In-memory limiter
// ─────────────────────────────────────────────────────────────────────────────

type event struct {
	at     time.Time
	tokens int64
}

type keyState struct {
	mu     sync.Mutex
	events []event // sliding minute window, oldest first
	winTok int64   // sum of tokens across events

	day       time.Time // UTC day the day counters belong to
	dayReqs   int64
	dayTokens int64
}

// MemoryLimiter is the single-instance Limiter. State is per gateway process;
// deployments that share budgets across replicas use RedisLimiter instead.
type MemoryLimiter struct {
	mu   sync.Mutex
	keys map[string]*keyState

	now func() time.Time
}

// NewMemoryLimiter creates an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		keys: make(map[string]*keyState),
		now:  time.Now,
	}
}

func (l *MemoryLimiter) state(keyID string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.keys[keyID]
	if !ok {
		st = &keyState{}
		l.keys[keyID] = st
	}
	return st
}

// Admit implements Limiter.
func (l *MemoryLimiter) Admit(_ context.Context, keyID string, limits keys.RateLimits, estimatedTokens int64) (Decision, error) {
	now := l.now().UTC()
	st := l.state(keyID)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(now)
	st.rollDay(now)

	if limits.RequestsPerMinute > 0 && len(st.events) >= limits.RequestsPerMinute {
		return deny(ReasonRequestsPerMinute, st.windowRetryAt(now)), nil
	}
	if limits.RequestsPerDay > 0 && st.dayReqs >= int64(limits.RequestsPerDay) {
		return deny(ReasonRequestsPerDay, nextUTCMidnight(now)), nil
	}
	if limits.TokensPerMinute > 0 && st.winTok+estimatedTokens > int64(limits.TokensPerMinute) {
		return deny(ReasonTokensPerMinute, st.windowRetryAt(now)), nil
	}
	if limits.TokensPerDay > 0 && st.dayTokens+estimatedTokens > int64(limits.TokensPerDay) {
		return deny(ReasonTokensPerDay, nextUTCMidnight(now)), nil
	}

	st.events = append(st.events, event{at: now, tokens: estimatedTokens})
	st.winTok += estimatedTokens
	st.dayReqs++
	st.dayTokens += estimatedTokens
	return Decision{OK: true}, nil
}

// Settle implements Limiter.
func (l *MemoryLimiter) Settle(_ context.Context, keyID string, estimatedTokens, actualTokens int64) error {
	delta := actualTokens - estimatedTokens
	if delta == 0 {
		return nil
	}

	st := l.state(keyID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Attribute the correction to the newest event still in the window; if
	// the window already rolled past it, only the day counter is adjusted.
	if n := len(st.events); n > 0 {
		st.events[n-1].tokens = max64(0, st.events[n-1].tokens+delta)
	}
	st.winTok = max64(0, st.winTok+delta)
	st.dayTokens = max64(0, st.dayTokens+delta)
	return nil
}

func (st *keyState) prune(now time.Time) {
	cutoff := now.Add(-minuteWindow)
	i := 0
	for ; i < len(st.events); i++ {
		if st.events[i].at.After(cutoff) {
			break
		}
		st.winTok -= st.events[i].tokens
	}
	if i > 0 {
		st.events = append(st.events[:0], st.events[i:]...)
	}
	if st.winTok < 0 {
		st.winTok = 0
	}
}

func (st *keyState) rollDay(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if !st.day.Equal(day) {
		st.day = day
		st.dayReqs = 0
		st.dayTokens = 0
	}
}

// windowRetryAt is when the oldest in-window event falls out of the window.
func (st *keyState) windowRetryAt(now time.Time) time.Time {
	if len(st.events) == 0 {
		return now
	}
	return st.events[0].at.Add(minuteWindow)
}

func deny(reason Reason, retryAt time.Time) Decision {
	return Decision{OK: false, Reason: reason, RetryAt: retryAt}
}

func nextUTCMidnight(now time.Time) time.Time {
	return now.Truncate(24 * time.Hour).AddDate(0, 0, 1)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
