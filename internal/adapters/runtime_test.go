package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/credentials"
	"github.com/dyadhq/dyad-gateway/internal/registry"
	"github.com/dyadhq/dyad-gateway/internal/secrets"
)

func testProvider(id, baseURL string) registry.Provider {
	return registry.Provider{
		ID:      id,
		Slug:    id,
		Type:    registry.TypeHTTPSDK,
		Enabled: true,
		Adapter: registry.AdapterConfig{HTTP: &registry.HTTPConfig{BaseURL: baseURL, AuthHeader: "Authorization"}},
		Models: []registry.ModelMapping{
			{DyadModelID: "m", AdapterModelID: "m-upstream", SupportsStreaming: true},
		},
		CredentialRefs: []registry.CredentialRef{{Key: "api_key"}},
	}
}

func TestRuntime_InvokeResolvesCredential(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	store, err := secrets.NewMemoryStore("test", []byte("master-key"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Set(context.Background(), secrets.CredentialName("p1", "api_key"), []byte("sk-from-store")); err != nil {
		t.Fatal(err)
	}
	creds := credentials.New(store, credentials.Options{})

	rt := NewRuntime(RuntimeOptions{Credentials: creds})
	defer rt.Close()

	p := testProvider("p1", srv.URL)
	_, err = rt.Invoke(context.Background(), &p, &Request{Kind: KindChat, Model: "m-upstream", Body: []byte(`{"model":"m"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer sk-from-store" {
		t.Errorf("auth = %q, want stored credential", gotAuth)
	}
}

func TestRuntime_CredentialUnavailable(t *testing.T) {
	store, _ := secrets.NewMemoryStore("test", []byte("master-key"))
	creds := credentials.New(store, credentials.Options{})

	rt := NewRuntime(RuntimeOptions{Credentials: creds})
	defer rt.Close()

	p := testProvider("p1", "http://127.0.0.1:1")
	_, err := rt.Invoke(context.Background(), &p, &Request{Kind: KindChat, Body: []byte(`{}`)})
	if err == nil {
		t.Fatal("missing credential must fail the invoke")
	}
}

func TestRuntime_CacheEvictionOnRegistryChange(t *testing.T) {
	reg := registry.New()
	rt := NewRuntime(RuntimeOptions{Registry: reg})
	defer rt.Close()

	p := testProvider("p1", "http://127.0.0.1:9999")
	p.CredentialRefs = nil
	if err := reg.Put(p); err != nil {
		t.Fatal(err)
	}

	if _, err := rt.adapterFor(&p); err != nil {
		t.Fatal(err)
	}
	rt.mu.Lock()
	_, cached := rt.cache["p1"]
	rt.mu.Unlock()
	if !cached {
		t.Fatal("adapter must be cached after first build")
	}

	// An upsert must invalidate the cached instance.
	if err := reg.Put(p); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(time.Second)
	for {
		rt.mu.Lock()
		_, cached = rt.cache["p1"]
		rt.mu.Unlock()
		if !cached {
			break
		}
		select {
		case <-deadline:
			t.Fatal("cache entry never evicted after registry change")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRuntime_BuildsAllShapes(t *testing.T) {
	rt := NewRuntime(RuntimeOptions{})
	defer rt.Close()

	providers := []registry.Provider{
		testProvider("http", "http://127.0.0.1:9999"),
		{
			ID: "proxy", Type: registry.TypeProxy,
			Adapter: registry.AdapterConfig{Proxy: &registry.ProxyConfig{ProxyURL: "http://127.0.0.1:9999"}},
			Models:  []registry.ModelMapping{{DyadModelID: "m", AdapterModelID: "m"}},
		},
		{
			ID: "local", Type: registry.TypeLocal,
			Adapter: registry.AdapterConfig{Local: &registry.LocalConfig{HTTPConfig: registry.HTTPConfig{BaseURL: "http://localhost:8080"}}},
			Models:  []registry.ModelMapping{{DyadModelID: "m", AdapterModelID: "m"}},
		},
		{
			ID: "spawn", Type: registry.TypeSpawnCLI,
			Adapter: registry.AdapterConfig{Spawn: &registry.SpawnConfig{Command: "sh"}},
			Models:  []registry.ModelMapping{{DyadModelID: "m", AdapterModelID: "m"}},
		},
	}
	for _, p := range providers {
		p := p
		if _, err := rt.adapterFor(&p); err != nil {
			t.Errorf("%s: %v", p.ID, err)
		}
	}
}
