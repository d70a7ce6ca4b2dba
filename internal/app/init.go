package app

import (
	"context"
	"fmt"

	"github.com/dyadhq/dyad-gateway/internal/adapters"
	"github.com/dyadhq/dyad-gateway/internal/credentials"
	"github.com/dyadhq/dyad-gateway/internal/dispatch"
	"github.com/dyadhq/dyad-gateway/internal/keys"
	"github.com/dyadhq/dyad-gateway/internal/logger"
	"github.com/dyadhq/dyad-gateway/internal/metrics"
	"github.com/dyadhq/dyad-gateway/internal/ratelimit"
	"github.com/dyadhq/dyad-gateway/internal/registry"
	"github.com/dyadhq/dyad-gateway/internal/sandbox"
	"github.com/dyadhq/dyad-gateway/internal/secrets"
)

// initInfra connects external services. Redis is only dialed when a redis
// mode is selected; config validation already guarantees the URL is present.
func (e *Engine) initInfra(ctx context.Context) error {
	e.prom = metrics.New()
	e.prom.SetBuildInfo(e.version)
	e.tracker = metrics.NewTracker()

	if e.cfg.Secrets.Mode == "redis" || e.cfg.RateLimit.Mode == "redis" {
		rdb, err := connectRedis(ctx, e.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		e.rdb = rdb
	}
	return nil
}

// initStores builds the persistence-facing subsystems: secrets, the
// credential cache, the API key store and the provider registry.
func (e *Engine) initStores(ctx context.Context) error {
	masterKey := []byte(e.cfg.MasterKey)

	switch e.cfg.Secrets.Mode {
	case "redis":
		store, err := secrets.NewRedisStore(e.rdb, masterKey)
		if err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
		e.secrets = store
	default:
		store, err := secrets.NewMemoryStore(e.cfg.Environment, masterKey)
		if err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
		e.secrets = store
	}

	e.creds = credentials.New(e.secrets, credentials.Options{
		CacheSize:   e.cfg.Credentials.CacheSize,
		TTL:         e.cfg.Credentials.CacheTTL,
		EnvFallback: e.cfg.Credentials.EnvFallback,
		Logger:      e.log,
	})

	e.keystore = keys.NewStore()
	e.registry = registry.New()

	switch e.cfg.RateLimit.Mode {
	case "redis":
		e.limiter = ratelimit.NewRedisLimiter(e.rdb)
	default:
		e.limiter = ratelimit.NewMemoryLimiter()
	}
	e.estimator = ratelimit.NewEstimator()

	return nil
}

// initEngine builds the dispatch path: sandbox, adapter runtime, breakers,
// resolver, dispatcher.
func (e *Engine) initEngine(ctx context.Context) error {
	e.sandbox = sandbox.New(sandbox.Options{
		MaxConcurrent: e.cfg.Sandbox.MaxConcurrent,
		MaxQueue:      e.cfg.Sandbox.MaxQueue,
		Logger:        e.log,
		Metrics:       e.prom,
	})

	e.runtime = adapters.NewRuntime(adapters.RuntimeOptions{
		Registry:    e.registry,
		Credentials: e.creds,
		Sandbox:     e.sandbox,
		Logger:      e.log,
	})

	e.breakers = dispatch.NewBreakerSet(dispatch.BreakerConfig{
		FailureThreshold: e.cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     e.cfg.CircuitBreaker.ResetTimeout,
	}, e.prom)
	e.resolver = dispatch.NewResolver(e.registry, e.tracker)

	e.dispatcher = dispatch.NewDispatcher(dispatch.DispatcherOptions{
		Registry:       e.registry,
		Keys:           e.keystore,
		Limiter:        e.limiter,
		Estimator:      e.estimator,
		Invoker:        e.runtime,
		Breakers:       e.breakers,
		Resolver:       e.resolver,
		Tracker:        e.tracker,
		Metrics:        e.prom,
		Logger:         e.log,
		AttemptTimeout: e.cfg.Dispatch.AttemptTimeout,
	})

	// Deleted providers must not keep breaker state or routing history.
	go e.watchRegistry()

	return nil
}

// initServer builds the health monitor and the HTTP surface.
func (e *Engine) initServer(ctx context.Context) error {
	reqLogger, err := logger.New(e.baseCtx, e.log)
	if err != nil {
		return err
	}
	e.reqLogger = reqLogger

	e.monitor = dispatch.NewMonitor(dispatch.MonitorOptions{
		Registry: e.registry,
		Prober:   e.runtime,
		Interval: e.cfg.Health.Interval,
		Timeout:  e.cfg.Health.Timeout,
		Logger:   e.log,
	})

	e.server = dispatch.NewServer(dispatch.ServerOptions{
		Dispatcher:  e.dispatcher,
		Registry:    e.registry,
		Monitor:     e.monitor,
		Metrics:     e.prom,
		Logger:      e.log,
		RequestLog:  e.reqLogger,
		CORSOrigins: e.cfg.CORSOrigins,
		Version:     e.version,
	})
	return nil
}

// watchRegistry clears per-provider engine state when a provider is deleted.
func (e *Engine) watchRegistry() {
	ch, stop := e.registry.Watch()
	defer stop()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind == registry.EventDeleted {
				e.breakers.Remove(ev.ProviderID)
			}
		}
	}
}
