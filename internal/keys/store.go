package keys

import (
	"errors"
	"sync"
	"time"
)

// Authentication failures. Callers map these to 401s without detail leakage.
var (
	ErrNotFound = errors.New("keys: not found")
	ErrInvalid  = errors.New("keys: invalid key")
	ErrDisabled = errors.New("keys: key disabled")
	ErrExpired  = errors.New("keys: key expired")
)

// Store is the in-memory key store with a prefix index for bearer lookup.
// Keys are mutated by the admin surface; the dispatch path only reads and
// posts usage. Per-key locking keeps usage updates off the global lock.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*entry
	byPrefix map[string][]*entry // prefixes may collide; candidates are verified

	now func() time.Time
}

type entry struct {
	mu  sync.Mutex
	key Key
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		byID:     make(map[string]*entry),
		byPrefix: make(map[string][]*entry),
		now:      time.Now,
	}
}

// Put upserts a key record.
func (s *Store) Put(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byID[k.ID]; ok {
		s.removePrefixLocked(old)
	}
	e := &entry{key: k}
	s.byID[k.ID] = e
	s.byPrefix[k.Prefix] = append(s.byPrefix[k.Prefix], e)
}

// Get returns a copy of the key record for id.
func (s *Store) Get(id string) (Key, bool) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return Key{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key, true
}

// Delete removes a key record.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	s.removePrefixLocked(e)
	delete(s.byID, id)
	return true
}

// SetEnabled flips a key's enabled flag. Authentication is point-in-time:
// in-flight requests already authenticated under the key are unaffected.
func (s *Store) SetEnabled(id string, enabled bool) bool {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.key.Enabled = enabled
	e.mu.Unlock()
	return true
}

// Authenticate resolves a presented bearer token to a key copy.
//
// Candidates are found by prefix, then verified with a constant-time hash
// comparison. Disabled and expired keys authenticate negatively even when the
// hash matches, so the caller can return 401 uniformly.
func (s *Store) Authenticate(token string) (Key, error) {
	prefix, ok := SplitToken(token)
	if !ok {
		return Key{}, ErrInvalid
	}

	s.mu.RLock()
	candidates := append([]*entry(nil), s.byPrefix[prefix]...)
	s.mu.RUnlock()

	for _, e := range candidates {
		e.mu.Lock()
		k := e.key
		e.mu.Unlock()

		if !k.Verify(token) {
			continue
		}
		if !k.Enabled {
			return Key{}, ErrDisabled
		}
		if k.Expired(s.now()) {
			return Key{}, ErrExpired
		}
		return k, nil
	}
	return Key{}, ErrInvalid
}

// RecordUsage posts request/token consumption onto a key's counters,
// applying UTC calendar-day and calendar-month resets first. Safe to call
// from the dispatcher's async accounting goroutine.
func (s *Store) RecordUsage(id string, requests, tokens int64) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return
	}

	now := s.now().UTC()
	today := now.Truncate(24 * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()
	u := &e.key.Usage

	if !sameDay(u.LastResetDate, today) {
		if !sameMonth(u.LastResetDate, today) {
			u.RequestsThisMonth = 0
			u.TokensThisMonth = 0
		}
		u.RequestsToday = 0
		u.TokensToday = 0
		u.LastResetDate = today
	}

	u.RequestsToday += requests
	u.TokensToday += tokens
	u.RequestsThisMonth += requests
	u.TokensThisMonth += tokens
	u.LastUsed = now
}

// List returns redacted copies of all keys.
func (s *Store) List() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.byID))
	for _, e := range s.byID {
		e.mu.Lock()
		out = append(out, e.key.Redacted())
		e.mu.Unlock()
	}
	return out
}

func (s *Store) removePrefixLocked(e *entry) {
	prefix := e.key.Prefix
	list := s.byPrefix[prefix]
	for i, cand := range list {
		if cand == e {
			s.byPrefix[prefix] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.byPrefix[prefix]) == 0 {
		delete(s.byPrefix, prefix)
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	ay, am, _ := a.UTC().Date()
	by, bm, _ := b.UTC().Date()
	return ay == by && am == bm
}
