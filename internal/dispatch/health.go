package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/adapters"
	"github.com/dyadhq/dyad-gateway/internal/registry"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second

	// Probes slower than this mark the provider degraded rather than healthy.
	degradedLatency = 2 * time.Second
)

// HealthProber runs a shape-appropriate liveness probe for one provider.
// *adapters.Runtime satisfies it.
type HealthProber interface {
	HealthCheck(ctx context.Context, p *registry.Provider) error
}

// MonitorOptions configure a Monitor. Zero intervals use the defaults.
type MonitorOptions struct {
	Registry *registry.Registry
	Prober   HealthProber
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Monitor periodically probes every enabled provider and publishes results to
// the registry. Results feed routing visibility and the admin surface only;
// circuit breakers react to real request outcomes, never to probes, so a
// provider that fails probes but serves traffic keeps serving it.
type Monitor struct {
	reg      *registry.Registry
	prober   HealthProber
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a stopped Monitor; call Start to begin probing.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		reg:      opts.Registry,
		prober:   opts.Prober,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		done:     make(chan struct{}),
	}
}

// Start runs the first probe sweep synchronously so readiness reflects real
// provider state at boot, then probes on the configured interval until Close.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.sweep(ctx)

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Close stops the probe loop and waits for it to exit.
func (m *Monitor) Close() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// sweep probes all enabled providers in parallel.
func (m *Monitor) sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range m.reg.List() {
		if !p.Enabled {
			continue
		}
		wg.Add(1)
		go func(p registry.Provider) {
			defer wg.Done()
			m.probe(ctx, &p)
		}(p)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, p *registry.Provider) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := m.prober.HealthCheck(ctx, p)
	latency := time.Since(start)

	status := registry.HealthHealthy
	reason := ""
	switch {
	case err != nil:
		status = registry.HealthUnhealthy
		reason = err.Error()
	case latency > degradedLatency:
		status = registry.HealthDegraded
		reason = "slow probe"
	}

	m.reg.SetHealth(p.ID, status, reason, latency)
	if status != registry.HealthHealthy {
		m.logger.Warn("provider_probe",
			slog.String("provider", p.ID),
			slog.String("status", status),
			slog.String("reason", reason),
			slog.Duration("latency", latency))
	}
}

// Healthy reports whether at least one enabled provider has a healthy or
// degraded probe result. Readiness uses this to shed traffic when every
// upstream is down.
func (m *Monitor) Healthy() bool {
	for _, p := range m.reg.List() {
		if !p.Enabled {
			continue
		}
		switch p.Health.Status {
		case registry.HealthHealthy, registry.HealthDegraded:
			return true
		}
	}
	return false
}

var _ HealthProber = (*adapters.Runtime)(nil)
