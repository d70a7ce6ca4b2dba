// Package credentials resolves provider credentials from the secrets store
// with an LRU+TTL cache in front.
//
// The service is the sole authority over credential material: provider
// records carry only logical credential names, never values. On store or
// rotate the affected cache entries are purged before the call returns, so a
// caller observing success never reads a stale value afterwards.
package credentials

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/secrets"
)

const (
	defaultCacheSize = 512
	defaultTTL       = 5 * time.Minute
)

// Options tunes the Service. Zero values use the package defaults.
type Options struct {
	// CacheSize is the maximum number of cached credentials. Default: 512.
	CacheSize int

	// TTL is how long a cached value stays fresh. Default: 5m.
	TTL time.Duration

	// EnvFallback enables falling back to PROVIDER_<ID>_<KEY> environment
	// variables when the secrets store is unavailable. Never applies to
	// NotFound. Default: disabled.
	EnvFallback bool

	// Logger for fallback warnings. Defaults to slog.Default().
	Logger *slog.Logger

	// now overrides the clock in tests.
	now func() time.Time
}

type cacheEntry struct {
	name     string
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

// Service caches resolved credentials. Safe for concurrent use.
type Service struct {
	store secrets.Provider
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element // name → element holding *cacheEntry
	order   *list.List               // front = most recently used
	size    int
	ttl     time.Duration

	envFallback bool
	now         func() time.Time
}

// New creates a Service over the given secrets store.
func New(store secrets.Provider, opts Options) *Service {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:       store,
		log:         log,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		size:        size,
		ttl:         ttl,
		envFallback: opts.EnvFallback,
		now:         now,
	}
}

// Get resolves the credential for (providerID, key), consulting the cache
// first. A cached value past its TTL is refetched.
func (s *Service) Get(ctx context.Context, providerID, key string) ([]byte, error) {
	name := secrets.CredentialName(providerID, key)

	if v, ok := s.cached(name); ok {
		return v, nil
	}

	value, err := s.store.Get(ctx, name)
	if err != nil {
		if s.envFallback && errors.Is(err, secrets.ErrUnavailable) {
			if v, ok := envCredential(providerID, key); ok {
				s.log.WarnContext(ctx, "credential_env_fallback",
					slog.String("provider_id", providerID),
					slog.String("credential_key", key),
				)
				return v, nil
			}
		}
		return nil, fmt.Errorf("credentials: get %s: %w", name, err)
	}

	s.insert(name, value)
	return value, nil
}

// Store writes a credential and purges the cached entry before returning.
func (s *Service) Store(ctx context.Context, providerID, key string, value []byte) (int64, error) {
	name := secrets.CredentialName(providerID, key)
	version, err := s.store.Set(ctx, name, value)
	if err != nil {
		return 0, fmt.Errorf("credentials: store %s: %w", name, err)
	}
	s.purge(name)
	return version, nil
}

// Rotate replaces a credential and purges the cached entry before returning.
func (s *Service) Rotate(ctx context.Context, providerID, key string, value []byte) (int64, error) {
	name := secrets.CredentialName(providerID, key)
	version, err := s.store.Rotate(ctx, name, value)
	if err != nil {
		return 0, fmt.Errorf("credentials: rotate %s: %w", name, err)
	}
	s.purge(name)
	return version, nil
}

// Delete removes a credential and its cached entry.
func (s *Service) Delete(ctx context.Context, providerID, key string) error {
	name := secrets.CredentialName(providerID, key)
	if err := s.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("credentials: delete %s: %w", name, err)
	}
	s.purge(name)
	return nil
}

// PurgeProvider drops every cached credential belonging to providerID.
// Called from the registry invalidation hook on provider mutation.
func (s *Service) PurgeProvider(providerID string) {
	prefix := secrets.CredentialName(providerID, "")

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, el := range s.entries {
		if strings.HasPrefix(name, prefix) {
			s.order.Remove(el)
			delete(s.entries, name)
		}
	}
}

// Len returns the number of cached entries (expired included until evicted).
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Service) cached(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	if s.now().Sub(e.storedAt) > e.ttl {
		s.order.Remove(el)
		delete(s.entries, name)
		return nil, false
	}
	s.order.MoveToFront(el)
	return e.value, true
}

func (s *Service) insert(name string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[name]; ok {
		e := el.Value.(*cacheEntry)
		e.value = value
		e.storedAt = s.now()
		s.order.MoveToFront(el)
		return
	}

	// Evict the least recently used entry when the size bound is reached.
	if len(s.entries) >= s.size {
		if back := s.order.Back(); back != nil {
			evicted := back.Value.(*cacheEntry)
			s.order.Remove(back)
			delete(s.entries, evicted.name)
		}
	}

	s.entries[name] = s.order.PushFront(&cacheEntry{
		name:     name,
		value:    value,
		storedAt: s.now(),
		ttl:      s.ttl,
	})
}

func (s *Service) purge(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[name]; ok {
		s.order.Remove(el)
		delete(s.entries, name)
	}
}

// envCredential reads PROVIDER_<UPPER(ID)>_<UPPER(KEY)>, with dashes folded
// to underscores so provider UUID slugs form valid variable names.
func envCredential(providerID, key string) ([]byte, bool) {
	norm := func(s string) string {
		return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	}
	v, ok := os.LookupEnv("PROVIDER_" + norm(providerID) + "_" + norm(key))
	if !ok || v == "" {
		return nil, false
	}
	return []byte(v), true
}
