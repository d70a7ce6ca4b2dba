package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// memEntry holds one versioned secret value.
type memEntry struct {
	value   []byte
	version int64
}

// MemoryStore is the in-process development backend. Values are sealed with
// AES-GCM before they land in the map, keyed by the secret name, so a heap
// dump yields ciphertext. The constructor still rejects production
// environments: the master key lives in the same process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	seal    *sealer
}

// NewMemoryStore creates a MemoryStore. environment is the process's
// advertised environment name (e.g. "development", "production").
func NewMemoryStore(environment string, masterKey []byte) (*MemoryStore, error) {
	if strings.EqualFold(environment, "production") {
		return nil, fmt.Errorf("secrets: in-memory store is not allowed in production")
	}
	s, err := newSealer(masterKey)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		entries: make(map[string]memEntry),
		seal:    s,
	}, nil
}

func (m *MemoryStore) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.seal.Open(e.value, name)
}

func (m *MemoryStore) Set(_ context.Context, name string, value []byte) (int64, error) {
	sealed, err := m.seal.Seal(value, name)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.entries[name].version + 1
	m.entries[name] = memEntry{value: sealed, version: next}
	return next, nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[name]; !ok {
		return ErrNotFound
	}
	delete(m.entries, name)
	return nil
}

// Rotate replaces the value under name and bumps the version. Rotating a name
// that does not exist is an error — rotation is a replacement, not creation.
func (m *MemoryStore) Rotate(_ context.Context, name string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		return 0, ErrNotFound
	}

	sealed, err := m.seal.Seal(value, name)
	if err != nil {
		return 0, err
	}
	e.value = sealed
	e.version++
	m.entries[name] = e
	return e.version, nil
}

// Version returns the current version for name, or 0 when absent.
func (m *MemoryStore) Version(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[name].version
}

func (m *MemoryStore) Encrypt(plaintext []byte, keyID string) ([]byte, error) {
	return m.seal.Seal(plaintext, keyID)
}

func (m *MemoryStore) Decrypt(ciphertext []byte, keyID string) ([]byte, error) {
	return m.seal.Open(ciphertext, keyID)
}
