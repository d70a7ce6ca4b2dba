package app

import (
	"context"
	"fmt"

	"github.com/dyadhq/dyad-gateway/internal/dispatch"
	"github.com/dyadhq/dyad-gateway/internal/keys"
	"github.com/dyadhq/dyad-gateway/internal/metrics"
	"github.com/dyadhq/dyad-gateway/internal/registry"
)

// Admin capabilities. These are plain methods so an operator surface (CLI,
// internal HTTP binding, tests) can drive the engine without reaching into
// its internals.

// PutProvider validates and upserts a provider record.
func (e *Engine) PutProvider(p registry.Provider) error {
	return e.registry.Put(p)
}

// DeleteProvider removes a provider record.
func (e *Engine) DeleteProvider(id string) bool {
	return e.registry.Delete(id)
}

// Providers lists all provider records.
func (e *Engine) Providers() []registry.Provider {
	return e.registry.List()
}

// SetCredential stores a provider credential in the secrets backend and
// drops any cached copy.
func (e *Engine) SetCredential(ctx context.Context, providerID, key string, value []byte) error {
	if _, err := e.creds.Store(ctx, providerID, key, value); err != nil {
		return fmt.Errorf("app: store credential: %w", err)
	}
	return nil
}

// RotateCredential replaces an existing provider credential.
func (e *Engine) RotateCredential(ctx context.Context, providerID, key string, value []byte) error {
	if _, err := e.creds.Rotate(ctx, providerID, key, value); err != nil {
		return fmt.Errorf("app: rotate credential: %w", err)
	}
	return nil
}

// IssueKey mints a new API key. The returned token is shown exactly once.
func (e *Engine) IssueKey(userID string, perms []keys.Permission, limits keys.RateLimits) (keys.Key, string, error) {
	k, token, err := keys.Issue(userID, perms, limits)
	if err != nil {
		return keys.Key{}, "", err
	}
	e.keystore.Put(k)
	return k.Redacted(), token, nil
}

// SetKeyEnabled toggles an API key.
func (e *Engine) SetKeyEnabled(id string, enabled bool) bool {
	return e.keystore.SetEnabled(id, enabled)
}

// DeleteKey removes an API key.
func (e *Engine) DeleteKey(id string) bool {
	return e.keystore.Delete(id)
}

// Keys lists all API key records, redacted.
func (e *Engine) Keys() []keys.Key {
	return e.keystore.List()
}

// SetFallbackPolicy stores the failover policy for a model and resets its
// routing cursor.
func (e *Engine) SetFallbackPolicy(model string, fp registry.FallbackPolicy) error {
	if err := e.registry.SetPolicy(model, fp); err != nil {
		return err
	}
	e.resolver.Forget(model)
	return nil
}

// ResetBreaker closes a provider's circuit breaker.
func (e *Engine) ResetBreaker(providerID string) {
	e.breakers.Reset(providerID)
}

// ForceOpenBreaker opens a provider's circuit breaker, draining it.
func (e *Engine) ForceOpenBreaker(providerID string) {
	e.breakers.ForceOpen(providerID)
}

// BreakerStatus reports every tracked circuit breaker.
func (e *Engine) BreakerStatus() []dispatch.BreakerStatus {
	return e.breakers.StatusAll()
}

// ProviderStats reports the reliability windows for one provider.
func (e *Engine) ProviderStats(providerID string) (metrics.ProviderStats, bool) {
	return e.tracker.Snapshot(providerID)
}
