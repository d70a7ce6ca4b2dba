package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dyadhq/dyad-gateway/internal/credentials"
	"github.com/dyadhq/dyad-gateway/internal/registry"
	"github.com/dyadhq/dyad-gateway/internal/sandbox"
)

// RuntimeOptions configure a Runtime.
type RuntimeOptions struct {
	Registry    *registry.Registry
	Credentials *credentials.Service
	Sandbox     *sandbox.Executor
	Logger      *slog.Logger
}

// Runtime owns the live adapter instances. Adapters are built lazily from
// provider records and cached until the registry reports a change, so config
// edits take effect without restarts and unchanged providers keep their
// connection pools and throttles warm.
type Runtime struct {
	creds   *credentials.Service
	sandbox *sandbox.Executor
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]Adapter

	stopWatch func()
}

// NewRuntime creates a Runtime subscribed to registry change events.
func NewRuntime(opts RuntimeOptions) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Runtime{
		creds:   opts.Credentials,
		sandbox: opts.Sandbox,
		logger:  opts.Logger,
		cache:   make(map[string]Adapter),
	}

	if opts.Registry != nil {
		ch, stop := opts.Registry.Watch()
		r.stopWatch = stop
		go func() {
			for ev := range ch {
				r.evict(ev.ProviderID)
			}
		}()
	}
	return r
}

func (r *Runtime) evict(providerID string) {
	r.mu.Lock()
	delete(r.cache, providerID)
	r.mu.Unlock()
	r.logger.Debug("adapter_evicted", slog.String("provider", providerID))
}

// adapterFor returns the cached adapter for p, building it on first use.
func (r *Runtime) adapterFor(p *registry.Provider) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.cache[p.ID]; ok {
		return a, nil
	}

	a, err := build(p, r.sandbox)
	if err != nil {
		return nil, err
	}
	r.cache[p.ID] = a
	return a, nil
}

func build(p *registry.Provider, sbx *sandbox.Executor) (Adapter, error) {
	switch p.Type {
	case registry.TypeHTTPSDK:
		return newHTTPAdapter(p.ID, *p.Adapter.HTTP, p.RateLimits)
	case registry.TypeLocal:
		return newLocalAdapter(p.ID, *p.Adapter.Local, p.RateLimits)
	case registry.TypeProxy:
		return newProxyAdapter(p.ID, *p.Adapter.Proxy), nil
	case registry.TypeSpawnCLI:
		return newSpawnAdapter(p.ID, *p.Adapter.Spawn, sbx)
	default:
		return nil, &AdapterError{Provider: p.ID, Kind: ErrConfiguration, Message: fmt.Sprintf("unknown adapter type %q", p.Type)}
	}
}

// Invoke dispatches req to p, resolving the provider's credential first.
func (r *Runtime) Invoke(ctx context.Context, p *registry.Provider, req *Request) (*Response, error) {
	a, err := r.adapterFor(p)
	if err != nil {
		return nil, err
	}

	if req.APIKey == "" && len(p.CredentialRefs) > 0 && r.creds != nil {
		key, err := r.creds.Get(ctx, p.ID, p.CredentialRefs[0].Key)
		if err != nil {
			return nil, &AdapterError{Provider: p.ID, Kind: ErrConfiguration,
				Message: fmt.Sprintf("credential %s unavailable: %v", p.CredentialRefs[0].Key, err)}
		}
		req.APIKey = string(key)
	}
	return a.Invoke(ctx, req)
}

// HealthCheck probes p the way its shape is probed.
func (r *Runtime) HealthCheck(ctx context.Context, p *registry.Provider) error {
	a, err := r.adapterFor(p)
	if err != nil {
		return err
	}
	return a.HealthCheck(ctx)
}

// Close stops the registry subscription.
func (r *Runtime) Close() error {
	if r.stopWatch != nil {
		r.stopWatch()
	}
	return nil
}
