// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra   — external connections (Redis when a redis mode is selected)
//  2. initStores  — secrets, credentials, key store, provider registry
//  3. initEngine  — adapters, sandbox, breakers, resolver, dispatcher
//  4. initServer  — health monitor + HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dyadhq/dyad-gateway/internal/adapters"
	"github.com/dyadhq/dyad-gateway/internal/config"
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

// Engine owns all long-lived resources and exposes Run / Close.
type Engine struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	prom    *metrics.Registry
	tracker *metrics.Tracker

	secrets   secrets.Provider
	creds     *credentials.Service
	keystore  *keys.Store
	registry  *registry.Registry
	limiter   ratelimit.Limiter
	estimator *ratelimit.Estimator

	sandbox  *sandbox.Executor
	runtime  *adapters.Runtime
	breakers *dispatch.BreakerSet
	resolver *dispatch.Resolver

	dispatcher *dispatch.Dispatcher
	monitor    *dispatch.Monitor
	reqLogger  *logger.Logger
	server     *dispatch.Server
}

// New initialises all subsystems and returns a ready-to-run Engine.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*Engine, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	e := &Engine{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", e.initInfra},
		{"stores", e.initStores},
		{"engine", e.initEngine},
		{"server", e.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			e.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return e, nil
}

// Run starts the health monitor and the HTTP server, and blocks until ctx is
// cancelled or an error occurs. It closes the engine gracefully when
// returning.
func (e *Engine) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", e.cfg.Port)

	e.log.Info("starting gateway",
		slog.String("version", e.version),
		slog.String("addr", addr),
		slog.String("secrets_mode", e.cfg.Secrets.Mode),
		slog.String("ratelimit_mode", e.cfg.RateLimit.Mode),
	)

	e.monitor.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.server.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := e.server.Shutdown(); err != nil {
			e.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		e.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (e *Engine) Close() {
	if e.monitor != nil {
		e.monitor.Close()
		e.monitor = nil
	}
	if e.reqLogger != nil {
		if err := e.reqLogger.Close(); err != nil {
			e.log.Error("logger close error", slog.String("error", err.Error()))
		}
		e.reqLogger = nil
	}
	if e.runtime != nil {
		if err := e.runtime.Close(); err != nil {
			e.log.Error("runtime close error", slog.String("error", err.Error()))
		}
		e.runtime = nil
	}
	if e.sandbox != nil {
		e.sandbox.Close()
		e.sandbox = nil
	}
	if e.rdb != nil {
		if err := e.rdb.Close(); err != nil {
			e.log.Error("redis close error", slog.String("error", err.Error()))
		}
		e.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
