package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventKind classifies a change notification.
type EventKind string

const (
	EventUpserted EventKind = "upserted"
	EventDeleted  EventKind = "deleted"
)

// Event is delivered to watchers when a provider record changes.
type Event struct {
	Kind       EventKind
	ProviderID string
}

// Registry is the in-memory provider read model.
//
// Reads are lock-cheap and return copies; the engine never holds references
// into registry-owned state across a request. Mutations come from the admin
// surface and fan out change events to all watchers (non-blocking: a slow
// watcher misses events rather than stalling the admin path).
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	policies  map[string]*FallbackPolicy // keyed by dyad model id

	watchMu  sync.Mutex
	watchers []chan Event
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		policies:  make(map[string]*FallbackPolicy),
	}
}

// Put validates and upserts a provider record.
func (r *Registry) Put(p Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Health.Status == "" {
		p.Health.Status = HealthUnknown
	}

	r.mu.Lock()
	cp := p
	r.providers[p.ID] = &cp
	r.mu.Unlock()

	r.notify(Event{Kind: EventUpserted, ProviderID: p.ID})
	return nil
}

// Delete removes a provider record. Returns false when the id is unknown.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	_, ok := r.providers[id]
	delete(r.providers, id)
	r.mu.Unlock()

	if ok {
		r.notify(Event{Kind: EventDeleted, ProviderID: id})
	}
	return ok
}

// Get returns a copy of the provider record for id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return Provider{}, false
	}
	return *p, true
}

// List returns copies of all provider records, ordered by priority then id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ProvidersForModel returns enabled providers serving dyadModelID, ordered by
// priority then id.
func (r *Registry) ProvidersForModel(dyadModelID string) []Provider {
	var out []Provider
	for _, p := range r.List() {
		if !p.Enabled {
			continue
		}
		if _, ok := p.ModelFor(dyadModelID); ok {
			out = append(out, p)
		}
	}
	return out
}

// SetPolicy validates and stores the fallback policy for a model.
func (r *Registry) SetPolicy(dyadModelID string, fp FallbackPolicy) error {
	if err := fp.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	cp := fp
	r.policies[dyadModelID] = &cp
	r.mu.Unlock()
	return nil
}

// Policy returns the fallback policy for a model, if one is configured and enabled.
func (r *Registry) Policy(dyadModelID string) (FallbackPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.policies[dyadModelID]
	if !ok || !fp.Enabled {
		return FallbackPolicy{}, false
	}
	return *fp, true
}

// SetHealth publishes a health monitor result onto the provider record.
// Unknown ids are ignored (the provider may have been deleted mid-probe).
func (r *Registry) SetHealth(id string, status, reason string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return
	}
	p.Health = HealthStatus{
		Status:    status,
		Reason:    reason,
		CheckedAt: time.Now().UTC(),
		Latency:   latency,
	}
}

// Watch registers a change-event channel. The returned stop function
// unregisters it and closes the channel.
func (r *Registry) Watch() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	r.watchMu.Lock()
	r.watchers = append(r.watchers, ch)
	r.watchMu.Unlock()

	stop := func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		for i, w := range r.watchers {
			if w == ch {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, stop
}

func (r *Registry) notify(ev Event) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, w := range r.watchers {
		select {
		case w <- ev:
		default: // slow watcher, drop rather than block the admin path
		}
	}
}

// String implements fmt.Stringer for log fields.
func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.ProviderID)
}
