// Package registry holds the provider read model the dispatch engine consumes.
//
// Provider records are created and mutated by the admin surface; the engine
// treats them as immutable within a request and subscribes to change events
// to invalidate derived caches (credentials, breakers, round-robin cursors).
package registry

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// AdapterType discriminates the adapterConfig variant a provider carries.
type AdapterType string

const (
	TypeSpawnCLI AdapterType = "spawn-cli"
	TypeHTTPSDK  AdapterType = "http-sdk"
	TypeProxy    AdapterType = "proxy"
	TypeLocal    AdapterType = "local"
)

// Health status values published by the health monitor.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// memoryLimitPattern matches docker-style memory limits: "512m", "2g", "256k".
var memoryLimitPattern = regexp.MustCompile(`^\d+[kmg]$`)

type (
	// ModelMapping translates a public dyad model id to the id forwarded
	// upstream, and records the model's capabilities.
	ModelMapping struct {
		DyadModelID        string
		AdapterModelID     string
		MaxTokens          int
		ContextWindow      int
		SupportsStreaming  bool
		SupportsEmbeddings bool
	}

	// CredentialRef names a logical credential; the value lives in the
	// secrets store, never on the provider record.
	CredentialRef struct {
		Key string // e.g. "api_key"
	}

	// RateLimitHints bound the gateway's own call rate to the upstream.
	// Zero values mean "no client-side throttle".
	RateLimitHints struct {
		RequestsPerSecond float64
		Burst             int
	}

	// HealthStatus is the monitor's last published result for a provider.
	HealthStatus struct {
		Status    string
		Reason    string
		CheckedAt time.Time
		Latency   time.Duration
	}

	// HTTPConfig configures the http-sdk adapter shape.
	HTTPConfig struct {
		BaseURL            string
		ChatEndpoint       string // default "/chat/completions"
		EmbeddingsEndpoint string // default "/embeddings"
		ModelsEndpoint     string // default "/models"
		Headers            map[string]string
		AuthHeader         string // default "X-API-Key"; "Authorization" uses Bearer
		TimeoutMs          int

		RetryAttempts        int   // default 3
		RetryBaseDelayMs     int   // default 200
		RetryMaxDelayMs      int   // default 5000
		RetryableStatusCodes []int // default {502, 503, 504}

		RequestTransform  string // named override, resolved by the adapter runtime
		ResponseTransform string
	}

	// LocalConfig is the http-sdk wire protocol pointed at a loopback or
	// intra-cluster model server.
	LocalConfig struct {
		HTTPConfig
		AllowRemote bool
	}

	// ProxyConfig configures the raw-forwarding adapter shape.
	ProxyConfig struct {
		ProxyURL       string
		HeaderRewrites map[string]string
		RemoveHeaders  []string
		TimeoutMs      int
	}

	// SpawnConfig configures the spawned-CLI adapter shape.
	SpawnConfig struct {
		Command        string
		Args           []string
		Env            map[string]string
		DockerSandbox  bool
		Image          string // sandbox image; default from configuration
		MemoryLimit    string // docker-style, e.g. "512m"
		CPULimit       string // docker --cpus value, e.g. "0.5"
		TimeoutSeconds int
		NeedsNetwork   bool
	}

	// AdapterConfig is a tagged variant: exactly one case is non-nil and it
	// must match the provider's Type. Validated at load so the dispatcher
	// never sees an impossible combination.
	AdapterConfig struct {
		HTTP  *HTTPConfig
		Local *LocalConfig
		Proxy *ProxyConfig
		Spawn *SpawnConfig
	}

	// Provider is one upstream record.
	Provider struct {
		ID             string
		Slug           string
		Name           string
		Type           AdapterType
		Enabled        bool
		Priority       int // ascending; lower dispatches first
		Adapter        AdapterConfig
		Models         []ModelMapping
		CredentialRefs []CredentialRef
		RateLimits     RateLimitHints
		Health         HealthStatus
	}

	// FallbackStrategy orders candidate providers for a model.
	FallbackStrategy string

	// FallbackPolicy configures per-model failover. When absent the resolver
	// uses StrategyPriority over every provider serving the model.
	FallbackPolicy struct {
		Strategy     FallbackStrategy
		ProviderIDs  []string
		MaxAttempts  int
		RetryDelayMs int
		Enabled      bool
	}
)

const (
	StrategyNone        FallbackStrategy = "none"
	StrategyRoundRobin  FallbackStrategy = "round_robin"
	StrategyPriority    FallbackStrategy = "priority"
	StrategyRandom      FallbackStrategy = "random"
	StrategyHealthBased FallbackStrategy = "health_based"
)

// MaxFallbackAttempts caps a policy's MaxAttempts.
const MaxFallbackAttempts = 10

// ModelFor returns the mapping for dyadModelID, if this provider serves it.
func (p *Provider) ModelFor(dyadModelID string) (ModelMapping, bool) {
	for _, m := range p.Models {
		if m.DyadModelID == dyadModelID {
			return m, true
		}
	}
	return ModelMapping{}, false
}

// Validate checks structural invariants of the record. Violations are
// configuration errors: fatal for the provider, not for requests that can
// fall back elsewhere.
func (p *Provider) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("registry: provider id is required")
	}
	if len(p.Models) == 0 {
		return fmt.Errorf("registry: provider %s: at least one model mapping is required", p.ID)
	}

	set := 0
	for _, present := range []bool{
		p.Adapter.HTTP != nil, p.Adapter.Local != nil, p.Adapter.Proxy != nil, p.Adapter.Spawn != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("registry: provider %s: exactly one adapter config must be set, got %d", p.ID, set)
	}

	switch p.Type {
	case TypeHTTPSDK:
		if p.Adapter.HTTP == nil {
			return fmt.Errorf("registry: provider %s: type http-sdk requires http config", p.ID)
		}
		return validateBaseURL(p.ID, p.Adapter.HTTP.BaseURL)

	case TypeLocal:
		if p.Adapter.Local == nil {
			return fmt.Errorf("registry: provider %s: type local requires local config", p.ID)
		}
		return validateBaseURL(p.ID, p.Adapter.Local.BaseURL)

	case TypeProxy:
		if p.Adapter.Proxy == nil {
			return fmt.Errorf("registry: provider %s: type proxy requires proxy config", p.ID)
		}
		return validateBaseURL(p.ID, p.Adapter.Proxy.ProxyURL)

	case TypeSpawnCLI:
		cfg := p.Adapter.Spawn
		if cfg == nil {
			return fmt.Errorf("registry: provider %s: type spawn-cli requires spawn config", p.ID)
		}
		if cfg.Command == "" {
			return fmt.Errorf("registry: provider %s: spawn command is required", p.ID)
		}
		if cfg.MemoryLimit != "" && !memoryLimitPattern.MatchString(cfg.MemoryLimit) {
			return fmt.Errorf("registry: provider %s: invalid memory limit %q", p.ID, cfg.MemoryLimit)
		}
		return nil

	default:
		return fmt.Errorf("registry: provider %s: unknown adapter type %q", p.ID, p.Type)
	}
}

// Validate checks a fallback policy's structural invariants.
func (fp *FallbackPolicy) Validate() error {
	switch fp.Strategy {
	case StrategyNone, StrategyRoundRobin, StrategyPriority, StrategyRandom, StrategyHealthBased:
	default:
		return fmt.Errorf("registry: unknown fallback strategy %q", fp.Strategy)
	}
	if fp.MaxAttempts < 0 || fp.MaxAttempts > MaxFallbackAttempts {
		return fmt.Errorf("registry: maxAttempts must be in [0, %d], got %d", MaxFallbackAttempts, fp.MaxAttempts)
	}
	return nil
}

func validateBaseURL(providerID, raw string) error {
	if raw == "" {
		return fmt.Errorf("registry: provider %s: url is required", providerID)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("registry: provider %s: invalid url %q", providerID, raw)
	}
	return nil
}
