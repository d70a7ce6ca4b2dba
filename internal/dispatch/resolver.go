package dispatch

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/dyadhq/dyad-gateway/internal/metrics"
	"github.com/dyadhq/dyad-gateway/internal/registry"
)

// Attempt caps for one request. Policies may raise the default up to the
// ceiling; anything else walks at most three providers.
const (
	defaultMaxAttempts = 3
	maxAttemptsCeiling = 10
)

// Resolver turns a model id into an ordered candidate list of providers.
//
// The order encodes the model's fallback policy; when no policy is configured
// the resolver falls back to priority order over every enabled provider that
// serves the model. The dispatcher walks the list, so position one is the
// primary and the rest are failover targets.
type Resolver struct {
	reg     *registry.Registry
	tracker *metrics.Tracker

	mu      sync.Mutex
	cursors map[string]int // round-robin position per model
}

// NewResolver creates a Resolver. tracker may be nil; health_based then
// degrades to priority order.
func NewResolver(reg *registry.Registry, tracker *metrics.Tracker) *Resolver {
	return &Resolver{
		reg:     reg,
		tracker: tracker,
		cursors: make(map[string]int),
	}
}

// Resolve returns the candidate providers for model, best first. An empty
// result means no enabled provider serves the model.
func (r *Resolver) Resolve(model string) []registry.Provider {
	candidates := r.reg.ProvidersForModel(model)
	if len(candidates) == 0 {
		return nil
	}

	policy, ok := r.reg.Policy(model)
	if !ok {
		return capAttempts(r.byPriority(candidates), 0)
	}

	explicit := len(policy.ProviderIDs) > 0
	if explicit {
		candidates = restrict(candidates, policy.ProviderIDs)
		if len(candidates) == 0 {
			return nil
		}
	}

	switch policy.Strategy {
	case registry.StrategyNone:
		candidates = candidates[:1]
	case registry.StrategyRoundRobin:
		candidates = r.rotate(model, candidates)
	case registry.StrategyRandom:
		candidates = shuffle(candidates)
	case registry.StrategyHealthBased:
		candidates = r.byHealth(candidates)
	case registry.StrategyPriority:
		// An explicit provider list encodes its own order.
		if !explicit {
			candidates = r.byPriority(candidates)
		}
	}

	return capAttempts(candidates, policy.MaxAttempts)
}

// capAttempts truncates the candidate list to the effective attempt budget:
// the policy's maxAttempts clamped to the ceiling, or the default when the
// policy is absent or silent.
func capAttempts(candidates []registry.Provider, maxAttempts int) []registry.Provider {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxAttempts > maxAttemptsCeiling {
		maxAttempts = maxAttemptsCeiling
	}
	if len(candidates) > maxAttempts {
		candidates = candidates[:maxAttempts]
	}
	return candidates
}

// restrict keeps only the allow-listed providers, in allow-list order, and
// drops duplicate ids.
func restrict(candidates []registry.Provider, ids []string) []registry.Provider {
	byID := make(map[string]registry.Provider, len(candidates))
	for _, p := range candidates {
		byID[p.ID] = p
	}

	seen := make(map[string]bool, len(ids))
	out := make([]registry.Provider, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// rotate advances the model's cursor and returns candidates starting there.
func (r *Resolver) rotate(model string, candidates []registry.Provider) []registry.Provider {
	r.mu.Lock()
	start := r.cursors[model] % len(candidates)
	r.cursors[model] = start + 1
	r.mu.Unlock()

	out := make([]registry.Provider, 0, len(candidates))
	out = append(out, candidates[start:]...)
	out = append(out, candidates[:start]...)
	return out
}

func shuffle(candidates []registry.Provider) []registry.Provider {
	out := append([]registry.Provider(nil), candidates...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// byPriority orders candidates by ascending priority, breaking ties in favor
// of the provider that succeeded most recently.
func (r *Resolver) byPriority(candidates []registry.Provider) []registry.Provider {
	if r.tracker == nil {
		return candidates
	}
	out := append([]registry.Provider(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return r.tracker.LastSuccess(out[i].ID).After(r.tracker.LastSuccess(out[j].ID))
	})
	return out
}

// byHealth puts providers last reported healthy first, best observed success
// first among them; the unhealthy remainder keeps priority order as the
// failover tail. With nothing healthy the whole list degrades to priority.
func (r *Resolver) byHealth(candidates []registry.Provider) []registry.Provider {
	healthy := make([]registry.Provider, 0, len(candidates))
	rest := make([]registry.Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.Health.Status == registry.HealthHealthy {
			healthy = append(healthy, p)
		} else {
			rest = append(rest, p)
		}
	}
	if len(healthy) == 0 {
		return r.byPriority(candidates)
	}
	if r.tracker != nil {
		sort.SliceStable(healthy, func(i, j int) bool {
			return r.tracker.Score(healthy[i].ID) > r.tracker.Score(healthy[j].ID)
		})
	}
	return append(healthy, rest...)
}

// Forget drops per-model routing state, e.g. when a policy is rewritten.
func (r *Resolver) Forget(model string) {
	r.mu.Lock()
	delete(r.cursors, model)
	r.mu.Unlock()
}
