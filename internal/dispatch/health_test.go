package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/registry"
)

type fakeProber struct {
	mu      sync.Mutex
	results map[string]error
	delay   time.Duration
	probes  int
}

func (f *fakeProber) HealthCheck(ctx context.Context, p *registry.Provider) error {
	f.mu.Lock()
	f.probes++
	err := f.results[p.ID]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeProber) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func TestMonitor_PublishesProbeResults(t *testing.T) {
	reg := seedRegistry(t, "up", "down")
	prober := &fakeProber{results: map[string]error{
		"down": errors.New("connection refused"),
	}}

	m := NewMonitor(MonitorOptions{Registry: reg, Prober: prober, Interval: time.Hour})
	m.Start(context.Background())
	defer m.Close()

	// The first sweep runs synchronously inside Start.
	up, _ := reg.Get("up")
	if up.Health.Status != registry.HealthHealthy {
		t.Errorf("up status = %q", up.Health.Status)
	}
	down, _ := reg.Get("down")
	if down.Health.Status != registry.HealthUnhealthy {
		t.Errorf("down status = %q", down.Health.Status)
	}
	if down.Health.Reason == "" {
		t.Error("unhealthy results must carry a reason")
	}
	if down.Health.CheckedAt.IsZero() {
		t.Error("probe timestamp missing")
	}
}

func TestMonitor_DisabledProvidersSkipped(t *testing.T) {
	reg := seedRegistry(t, "on", "off")
	p, _ := reg.Get("off")
	p.Enabled = false
	if err := reg.Put(p); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{}
	m := NewMonitor(MonitorOptions{Registry: reg, Prober: prober, Interval: time.Hour})
	m.Start(context.Background())
	defer m.Close()

	if got := prober.probeCount(); got != 1 {
		t.Errorf("probes = %d, want only the enabled provider", got)
	}
	off, _ := reg.Get("off")
	if off.Health.Status != registry.HealthUnknown {
		t.Errorf("disabled provider status = %q, want untouched", off.Health.Status)
	}
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	reg := seedRegistry(t, "slow")
	prober := &fakeProber{delay: time.Second}

	m := NewMonitor(MonitorOptions{
		Registry: reg,
		Prober:   prober,
		Interval: time.Hour,
		Timeout:  20 * time.Millisecond,
	})
	m.Start(context.Background())
	defer m.Close()

	p, _ := reg.Get("slow")
	if p.Health.Status != registry.HealthUnhealthy {
		t.Errorf("status = %q, want unhealthy after probe timeout", p.Health.Status)
	}
}

func TestMonitor_Healthy(t *testing.T) {
	reg := seedRegistry(t, "a", "b")
	prober := &fakeProber{results: map[string]error{
		"a": errors.New("down"),
		"b": errors.New("down"),
	}}
	m := NewMonitor(MonitorOptions{Registry: reg, Prober: prober, Interval: time.Hour})
	m.Start(context.Background())
	defer m.Close()

	if m.Healthy() {
		t.Error("no provider is up, readiness must fail")
	}

	reg.SetHealth("a", registry.HealthDegraded, "slow probe", time.Second)
	if !m.Healthy() {
		t.Error("a degraded provider still serves traffic")
	}
}

func TestMonitor_CloseStopsLoop(t *testing.T) {
	reg := seedRegistry(t, "a")
	prober := &fakeProber{}
	m := NewMonitor(MonitorOptions{Registry: reg, Prober: prober, Interval: 5 * time.Millisecond})
	m.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	m.Close()
	after := prober.probeCount()
	time.Sleep(20 * time.Millisecond)

	if prober.probeCount() != after {
		t.Error("probes must stop after Close")
	}
}
