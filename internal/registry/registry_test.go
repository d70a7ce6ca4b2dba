package registry

import (
	"testing"
	"time"
)

func httpProvider(id string, priority int, models ...string) Provider {
	mm := make([]ModelMapping, len(models))
	for i, m := range models {
		mm[i] = ModelMapping{DyadModelID: m, AdapterModelID: m, SupportsStreaming: true}
	}
	return Provider{
		ID:       id,
		Slug:     id,
		Name:     id,
		Type:     TypeHTTPSDK,
		Enabled:  true,
		Priority: priority,
		Adapter:  AdapterConfig{HTTP: &HTTPConfig{BaseURL: "https://api.example.com/v1"}},
		Models:   mm,
	}
}

func TestValidate_ExactlyOneAdapterConfig(t *testing.T) {
	p := httpProvider("p1", 0, "gpt-x")
	p.Adapter.Spawn = &SpawnConfig{Command: "llm"}
	if err := p.Validate(); err == nil {
		t.Error("two adapter configs must be rejected")
	}

	p = httpProvider("p1", 0, "gpt-x")
	p.Adapter.HTTP = nil
	if err := p.Validate(); err == nil {
		t.Error("zero adapter configs must be rejected")
	}
}

func TestValidate_TypeConfigMismatch(t *testing.T) {
	p := httpProvider("p1", 0, "gpt-x")
	p.Type = TypeSpawnCLI
	if err := p.Validate(); err == nil {
		t.Error("spawn-cli with http config must be rejected")
	}
}

func TestValidate_SpawnMemoryLimit(t *testing.T) {
	good := Provider{
		ID:      "s1",
		Type:    TypeSpawnCLI,
		Enabled: true,
		Adapter: AdapterConfig{Spawn: &SpawnConfig{Command: "llm-cli", MemoryLimit: "512m"}},
		Models:  []ModelMapping{{DyadModelID: "m", AdapterModelID: "m"}},
	}
	if err := good.Validate(); err != nil {
		t.Errorf("valid spawn provider rejected: %v", err)
	}

	bad := good
	badCfg := *good.Adapter.Spawn
	badCfg.MemoryLimit = "512mb"
	bad.Adapter = AdapterConfig{Spawn: &badCfg}
	if err := bad.Validate(); err == nil {
		t.Error("memory limit '512mb' must be rejected (pattern is \\d+[kmg])")
	}
}

func TestValidate_BadURL(t *testing.T) {
	p := httpProvider("p1", 0, "gpt-x")
	p.Adapter.HTTP.BaseURL = "not a url"
	if err := p.Validate(); err == nil {
		t.Error("invalid base url must be rejected")
	}
}

func TestRegistry_PutGetDelete(t *testing.T) {
	r := New()
	if err := r.Put(httpProvider("p1", 0, "gpt-x")); err != nil {
		t.Fatal(err)
	}

	got, ok := r.Get("p1")
	if !ok {
		t.Fatal("expected provider p1")
	}
	if got.Health.Status != HealthUnknown {
		t.Errorf("new provider health should default to unknown, got %q", got.Health.Status)
	}

	if !r.Delete("p1") {
		t.Error("delete should report true for existing id")
	}
	if r.Delete("p1") {
		t.Error("delete should report false for missing id")
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := New()
	_ = r.Put(httpProvider("p1", 0, "gpt-x"))

	a, _ := r.Get("p1")
	a.Enabled = false

	b, _ := r.Get("p1")
	if !b.Enabled {
		t.Error("mutating a returned record must not affect the registry")
	}
}

func TestRegistry_ProvidersForModel(t *testing.T) {
	r := New()
	_ = r.Put(httpProvider("p2", 2, "gpt-x"))
	_ = r.Put(httpProvider("p1", 1, "gpt-x", "other"))

	disabled := httpProvider("p3", 0, "gpt-x")
	disabled.Enabled = false
	_ = r.Put(disabled)

	got := r.ProvidersForModel("gpt-x")
	if len(got) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(got))
	}
	if got[0].ID != "p1" || got[1].ID != "p2" {
		t.Errorf("expected priority order [p1 p2], got [%s %s]", got[0].ID, got[1].ID)
	}
}

func TestRegistry_PolicyDisabledIsAbsent(t *testing.T) {
	r := New()
	_ = r.SetPolicy("gpt-x", FallbackPolicy{Strategy: StrategyRoundRobin, Enabled: false})
	if _, ok := r.Policy("gpt-x"); ok {
		t.Error("disabled policy must not be returned")
	}

	_ = r.SetPolicy("gpt-x", FallbackPolicy{Strategy: StrategyRoundRobin, Enabled: true})
	fp, ok := r.Policy("gpt-x")
	if !ok || fp.Strategy != StrategyRoundRobin {
		t.Errorf("expected enabled round_robin policy, got %+v ok=%v", fp, ok)
	}
}

func TestRegistry_SetPolicyValidates(t *testing.T) {
	r := New()
	if err := r.SetPolicy("m", FallbackPolicy{Strategy: "bogus"}); err == nil {
		t.Error("unknown strategy must be rejected")
	}
	if err := r.SetPolicy("m", FallbackPolicy{Strategy: StrategyPriority, MaxAttempts: 11}); err == nil {
		t.Error("maxAttempts above cap must be rejected")
	}
}

func TestRegistry_WatchDeliversEvents(t *testing.T) {
	r := New()
	ch, stop := r.Watch()
	defer stop()

	_ = r.Put(httpProvider("p1", 0, "gpt-x"))
	select {
	case ev := <-ch:
		if ev.Kind != EventUpserted || ev.ProviderID != "p1" {
			t.Errorf("unexpected event %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	r.Delete("p1")
	select {
	case ev := <-ch:
		if ev.Kind != EventDeleted {
			t.Errorf("expected delete event, got %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no delete event delivered")
	}
}

func TestRegistry_SetHealth(t *testing.T) {
	r := New()
	_ = r.Put(httpProvider("p1", 0, "gpt-x"))

	r.SetHealth("p1", HealthHealthy, "", 12*time.Millisecond)
	p, _ := r.Get("p1")
	if p.Health.Status != HealthHealthy {
		t.Errorf("expected healthy, got %q", p.Health.Status)
	}
	if p.Health.CheckedAt.IsZero() {
		t.Error("checkedAt must be set")
	}

	// Unknown id must not panic.
	r.SetHealth("nope", HealthHealthy, "", 0)
}
