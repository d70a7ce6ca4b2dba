package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/secrets"
)

// stubStore lets tests control secrets behaviour and count fetches.
type stubStore struct {
	values map[string][]byte
	err    error
	gets   int
}

func newStubStore() *stubStore {
	return &stubStore{values: make(map[string][]byte)}
}

func (s *stubStore) Get(_ context.Context, name string) ([]byte, error) {
	s.gets++
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.values[name]
	if !ok {
		return nil, secrets.ErrNotFound
	}
	return v, nil
}

func (s *stubStore) Set(_ context.Context, name string, value []byte) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.values[name] = value
	return 1, nil
}

func (s *stubStore) Delete(_ context.Context, name string) error {
	delete(s.values, name)
	return nil
}

func (s *stubStore) Rotate(_ context.Context, name string, value []byte) (int64, error) {
	if _, ok := s.values[name]; !ok {
		return 0, secrets.ErrNotFound
	}
	s.values[name] = value
	return 2, nil
}

func (s *stubStore) Encrypt(p []byte, _ string) ([]byte, error) { return p, nil }
func (s *stubStore) Decrypt(c []byte, _ string) ([]byte, error) { return c, nil }

func TestService_CachesAfterFirstGet(t *testing.T) {
	store := newStubStore()
	store.values[secrets.CredentialName("p1", "api_key")] = []byte("v")
	svc := New(store, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := svc.Get(ctx, "p1", "api_key")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "v" {
			t.Fatalf("got %q", got)
		}
	}
	if store.gets != 1 {
		t.Errorf("expected 1 store fetch, got %d", store.gets)
	}
}

func TestService_TTLExpiryRefetches(t *testing.T) {
	store := newStubStore()
	store.values[secrets.CredentialName("p1", "api_key")] = []byte("v")

	clock := time.Now()
	svc := New(store, Options{TTL: time.Minute, now: func() time.Time { return clock }})
	ctx := context.Background()

	if _, err := svc.Get(ctx, "p1", "api_key"); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Minute)
	if _, err := svc.Get(ctx, "p1", "api_key"); err != nil {
		t.Fatal(err)
	}
	if store.gets != 2 {
		t.Errorf("expected refetch after TTL, got %d fetches", store.gets)
	}
}

func TestService_LRUEviction(t *testing.T) {
	store := newStubStore()
	store.values[secrets.CredentialName("p1", "a")] = []byte("1")
	store.values[secrets.CredentialName("p1", "b")] = []byte("2")
	store.values[secrets.CredentialName("p1", "c")] = []byte("3")

	svc := New(store, Options{CacheSize: 2})
	ctx := context.Background()

	_, _ = svc.Get(ctx, "p1", "a")
	_, _ = svc.Get(ctx, "p1", "b")
	_, _ = svc.Get(ctx, "p1", "a") // a is now most recent
	_, _ = svc.Get(ctx, "p1", "c") // evicts b

	if svc.Len() != 2 {
		t.Fatalf("cache should hold 2 entries, got %d", svc.Len())
	}

	store.gets = 0
	_, _ = svc.Get(ctx, "p1", "a")
	if store.gets != 0 {
		t.Error("a should still be cached")
	}
	_, _ = svc.Get(ctx, "p1", "b")
	if store.gets != 1 {
		t.Error("b should have been evicted and refetched")
	}
}

func TestService_RotatePurgesBeforeReturn(t *testing.T) {
	store := newStubStore()
	store.values[secrets.CredentialName("p1", "api_key")] = []byte("old")
	svc := New(store, Options{})
	ctx := context.Background()

	if _, err := svc.Get(ctx, "p1", "api_key"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Rotate(ctx, "p1", "api_key", []byte("new")); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, "p1", "api_key")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new" {
		t.Errorf("got %q after rotate, want %q", got, "new")
	}
}

func TestService_StorePurges(t *testing.T) {
	store := newStubStore()
	store.values[secrets.CredentialName("p1", "api_key")] = []byte("old")
	svc := New(store, Options{})
	ctx := context.Background()

	_, _ = svc.Get(ctx, "p1", "api_key")
	if _, err := svc.Store(ctx, "p1", "api_key", []byte("new")); err != nil {
		t.Fatal(err)
	}
	if svc.Len() != 0 {
		t.Error("store must purge the cached entry before returning")
	}
}

func TestService_EnvFallbackOnlyWhenUnavailable(t *testing.T) {
	t.Setenv("PROVIDER_P1_API_KEY", "env-value")

	store := newStubStore()
	store.err = secrets.ErrUnavailable
	svc := New(store, Options{EnvFallback: true})

	got, err := svc.Get(context.Background(), "p1", "api_key")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "env-value" {
		t.Errorf("got %q, want env fallback value", got)
	}

	// NotFound must never fall back.
	store.err = nil
	if _, err := svc.Get(context.Background(), "p1", "other_key"); !errors.Is(err, secrets.ErrNotFound) {
		t.Errorf("NotFound must not trigger env fallback, got %v", err)
	}
}

func TestService_EnvFallbackDisabledByDefault(t *testing.T) {
	t.Setenv("PROVIDER_P1_API_KEY", "env-value")

	store := newStubStore()
	store.err = secrets.ErrUnavailable
	svc := New(store, Options{})

	if _, err := svc.Get(context.Background(), "p1", "api_key"); !errors.Is(err, secrets.ErrUnavailable) {
		t.Errorf("fallback must be opt-in, got %v", err)
	}
}

func TestService_EnvFallbackNormalizesDashes(t *testing.T) {
	t.Setenv("PROVIDER_PROV_1_API_KEY", "dash-value")

	store := newStubStore()
	store.err = secrets.ErrUnavailable
	svc := New(store, Options{EnvFallback: true})

	got, err := svc.Get(context.Background(), "prov-1", "api-key")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "dash-value" {
		t.Errorf("got %q", got)
	}
}

func TestService_PurgeProvider(t *testing.T) {
	store := newStubStore()
	store.values[secrets.CredentialName("p1", "a")] = []byte("1")
	store.values[secrets.CredentialName("p2", "b")] = []byte("2")
	svc := New(store, Options{})
	ctx := context.Background()

	_, _ = svc.Get(ctx, "p1", "a")
	_, _ = svc.Get(ctx, "p2", "b")

	svc.PurgeProvider("p1")
	if svc.Len() != 1 {
		t.Errorf("expected only p2's entry to remain, len=%d", svc.Len())
	}
}
