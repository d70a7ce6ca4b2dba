package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/dyadhq/dyad-gateway/internal/adapters"
	"github.com/dyadhq/dyad-gateway/internal/keys"
	"github.com/dyadhq/dyad-gateway/internal/metrics"
	"github.com/dyadhq/dyad-gateway/internal/ratelimit"
	"github.com/dyadhq/dyad-gateway/internal/registry"
	"github.com/dyadhq/dyad-gateway/pkg/apierr"
)

// Invoker dispatches one adapter request. *adapters.Runtime satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, p *registry.Provider, req *adapters.Request) (*adapters.Response, error)
}

// Request is one client call after HTTP decoding.
type Request struct {
	Kind      adapters.Kind
	Model     string
	Body      []byte
	Stream    bool
	Token     string // presented bearer token
	RequestID string
}

// Result is a successful dispatch. For streaming responses Response.Stream is
// live and the caller must call Finish with the usage observed at end of
// stream; for materialized responses the dispatcher finishes accounting
// itself and Finish is a no-op.
//
// Cancel tears down the per-request context feeding the upstream attempt.
// The relay calls it the moment the client goes away so the adapter stops
// producing; calling it after a clean finish is a harmless no-op.
type Result struct {
	Provider string
	Attempts int
	FellOver bool
	Key      keys.Key
	Response *adapters.Response

	Finish func(actual adapters.Usage)
	Cancel context.CancelFunc
}

// Error is a dispatch failure already mapped to the client-facing error
// envelope. RetryAfter is in seconds and set only for rate-limit denials.
type Error struct {
	Status     int
	Type       string
	Code       string
	Message    string
	Details    map[string]any
	RetryAfter int64
}

func (e *Error) Error() string { return e.Message }

// DispatcherOptions wires a Dispatcher. Registry, Keys, Resolver, Breakers
// and Invoker are required; the rest degrade gracefully when nil.
type DispatcherOptions struct {
	Registry  *registry.Registry
	Keys      *keys.Store
	Limiter   ratelimit.Limiter
	Estimator *ratelimit.Estimator
	Invoker   Invoker
	Breakers  *BreakerSet
	Resolver  *Resolver
	Tracker   *metrics.Tracker
	Metrics   *metrics.Registry
	Logger    *slog.Logger

	// AttemptTimeout bounds each non-streaming upstream attempt so one slow
	// provider cannot eat the whole failover budget. Zero leaves attempts
	// bounded only by adapter timeouts.
	AttemptTimeout time.Duration
}

// Dispatcher is the request engine: authenticate, admit, resolve, walk the
// candidate list with breaker protection, account for usage.
type Dispatcher struct {
	reg       *registry.Registry
	keys      *keys.Store
	limiter   ratelimit.Limiter
	estimator *ratelimit.Estimator
	invoker   Invoker
	breakers  *BreakerSet
	resolver  *Resolver
	tracker   *metrics.Tracker
	metrics   *metrics.Registry
	logger    *slog.Logger

	attemptTimeout time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		reg:            opts.Registry,
		keys:           opts.Keys,
		limiter:        opts.Limiter,
		estimator:      opts.Estimator,
		invoker:        opts.Invoker,
		breakers:       opts.Breakers,
		resolver:       opts.Resolver,
		tracker:        opts.Tracker,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		attemptTimeout: opts.AttemptTimeout,
	}
}

// Authenticate resolves and verifies a bearer token. Failure detail is
// deliberately coarse: expired keys get their own code, everything else is
// "invalid api key".
func (d *Dispatcher) Authenticate(token string) (keys.Key, *Error) {
	if token == "" {
		return keys.Key{}, &Error{
			Status: fasthttp.StatusUnauthorized, Type: apierr.TypeAuthenticationErr,
			Code: apierr.CodeInvalidAPIKey, Message: "missing api key",
		}
	}
	k, err := d.keys.Authenticate(token)
	if err != nil {
		code := apierr.CodeInvalidAPIKey
		msg := "invalid api key"
		if errors.Is(err, keys.ErrExpired) {
			code = apierr.CodeExpiredAPIKey
			msg = "api key expired"
		}
		return keys.Key{}, &Error{
			Status: fasthttp.StatusUnauthorized, Type: apierr.TypeAuthenticationErr,
			Code: code, Message: msg,
		}
	}
	return k, nil
}

// Dispatch runs one request end to end. Exactly one of the results is
// non-nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, *Error) {
	key, derr := d.Authenticate(req.Token)
	if derr != nil {
		return nil, derr
	}
	if derr := authorize(&key, req); derr != nil {
		return nil, derr
	}

	estimate := d.estimate(req)
	if derr := d.admit(ctx, &key, estimate); derr != nil {
		return nil, derr
	}

	candidates, derr := d.candidates(&key, req.Model)
	if derr != nil {
		return nil, derr
	}

	// Every upstream attempt runs under a cancel the caller keeps: when the
	// client disconnects mid-stream the relay fires it and the producing
	// adapter sees ctx.Done instead of writing into the void.
	rctx, cancel := context.WithCancel(ctx)
	res, derr := d.walk(rctx, &key, req, candidates, estimate)
	if derr != nil {
		cancel()
		return nil, derr
	}
	res.Cancel = cancel
	if res.Response.Stream == nil {
		// Materialized responses are fully read; nothing upstream is live.
		cancel()
	}
	return res, nil
}

func authorize(key *keys.Key, req *Request) *Error {
	perm := map[adapters.Kind]keys.Permission{
		adapters.KindChat:       keys.PermChat,
		adapters.KindEmbeddings: keys.PermEmbeddings,
		adapters.KindModels:     keys.PermModels,
	}[req.Kind]

	if !key.HasPermission(perm) {
		return &Error{
			Status: fasthttp.StatusForbidden, Type: apierr.TypePermissionError,
			Code:    apierr.CodeInsufficientScope,
			Message: fmt.Sprintf("api key lacks the %q permission", perm),
		}
	}
	if req.Model != "" && !key.ModelAllowed(req.Model) {
		return &Error{
			Status: fasthttp.StatusForbidden, Type: apierr.TypePermissionError,
			Code:    apierr.CodeInsufficientScope,
			Message: fmt.Sprintf("api key is not allowed to use model %q", req.Model),
		}
	}
	return nil
}

func (d *Dispatcher) estimate(req *Request) int64 {
	if d.estimator == nil {
		return 0
	}
	switch req.Kind {
	case adapters.KindChat:
		return d.estimator.EstimateChat(req.Model, req.Body)
	case adapters.KindEmbeddings:
		return d.estimator.EstimateEmbeddings(req.Model, req.Body)
	default:
		return 0
	}
}

func (d *Dispatcher) admit(ctx context.Context, key *keys.Key, estimate int64) *Error {
	if d.limiter == nil {
		return nil
	}
	dec, err := d.limiter.Admit(ctx, key.ID, key.RateLimits, estimate)
	if err != nil {
		// Degrade open: a broken limiter backend must not take the gateway
		// down with it.
		d.logger.Error("ratelimit_admit_failed", slog.String("error", err.Error()))
		return nil
	}
	if dec.OK {
		if d.metrics != nil {
			d.metrics.RecordRateLimit("allowed")
		}
		return nil
	}
	if d.metrics != nil {
		d.metrics.RecordRateLimit("denied")
	}
	retryAfter := int64(time.Until(dec.RetryAt) / time.Second)
	return &Error{
		Status: fasthttp.StatusTooManyRequests, Type: apierr.TypeRateLimitError,
		Code:       apierr.CodeRateLimitExceeded,
		Message:    fmt.Sprintf("rate limit exceeded: %s", dec.Reason),
		RetryAfter: retryAfter,
	}
}

// candidates resolves and then applies the key's provider allow-list.
func (d *Dispatcher) candidates(key *keys.Key, model string) ([]registry.Provider, *Error) {
	resolved := d.resolver.Resolve(model)
	if len(resolved) == 0 {
		return nil, &Error{
			Status: fasthttp.StatusNotFound, Type: apierr.TypeInvalidRequest,
			Code:    apierr.CodeUnknownModel,
			Message: fmt.Sprintf("model %q is not served by any enabled provider", model),
		}
	}

	allowed := resolved[:0]
	for _, p := range resolved {
		if key.ProviderAllowed(p.ID) {
			allowed = append(allowed, p)
		}
	}
	if len(allowed) == 0 {
		return nil, &Error{
			Status: fasthttp.StatusForbidden, Type: apierr.TypePermissionError,
			Code:    apierr.CodeInsufficientScope,
			Message: fmt.Sprintf("api key is not allowed any provider serving %q", model),
		}
	}
	return allowed, nil
}

// walk tries each candidate in order until one succeeds.
func (d *Dispatcher) walk(ctx context.Context, key *keys.Key, req *Request, candidates []registry.Provider, estimate int64) (*Result, *Error) {
	primary := candidates[0].ID
	causes := make(map[string]any, len(candidates))
	lastReason := "error"
	attempts := 0

	var retryDelay time.Duration
	if policy, ok := d.reg.Policy(req.Model); ok && policy.RetryDelayMs > 0 {
		retryDelay = time.Duration(policy.RetryDelayMs) * time.Millisecond
	}

	for i := range candidates {
		p := &candidates[i]

		if d.breakers != nil && !d.breakers.Allow(p.ID) {
			causes[p.ID] = "circuit breaker open"
			lastReason = "circuit_open"
			continue
		}
		if i > 0 && d.metrics != nil {
			d.metrics.RecordFailover(primary, candidates[i-1].ID, p.ID, lastReason)
		}
		if attempts > 0 && retryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, &Error{
					Status: fasthttp.StatusRequestTimeout, Type: apierr.TypeInvalidRequest,
					Code: apierr.CodeInvalidRequest, Message: "request cancelled",
				}
			case <-time.After(retryDelay):
			}
		}

		attempts++
		resp, err := d.attempt(ctx, p, req)
		if err == nil {
			return d.succeed(key, req, p, resp, estimate, attempts, i > 0, primary), nil
		}

		var aerr *adapters.AdapterError
		if !errors.As(err, &aerr) {
			aerr = &adapters.AdapterError{Provider: p.ID, Kind: adapters.ErrConnection, Message: err.Error()}
		}
		causes[p.ID] = aerr.Error()
		lastReason = string(aerr.Kind)
		d.observeFailure(p, req, aerr)

		// Client-attributable failures end the walk: retrying an invalid
		// request against another provider cannot succeed, and a gone client
		// needs no answer at all.
		if aerr.Kind == adapters.ErrCancelled {
			return nil, &Error{
				Status: fasthttp.StatusRequestTimeout, Type: apierr.TypeInvalidRequest,
				Code: apierr.CodeInvalidRequest, Message: "request cancelled",
			}
		}
		// Saturation is local to this gateway, not a provider fault: answer
		// 503 straight away rather than piling onto the next candidate.
		if aerr.Kind == adapters.ErrOverloaded {
			return nil, &Error{
				Status: fasthttp.StatusServiceUnavailable, Type: apierr.TypeServerError,
				Code:    apierr.CodeOverloaded,
				Message: "gateway is at capacity, retry shortly",
			}
		}
		if aerr.Kind == adapters.ErrUpstream4xx {
			return nil, &Error{
				Status: aerr.HTTPStatus(), Type: apierr.TypeInvalidRequest,
				Code:    apierr.CodeInvalidRequest,
				Message: fmt.Sprintf("provider %s rejected the request: %s", p.ID, aerr.Message),
			}
		}
	}

	if d.metrics != nil {
		d.metrics.RecordFailoverExhausted(primary)
	}
	if attempts == 0 {
		// Nothing was even tried: every candidate sat behind an open breaker.
		return nil, &Error{
			Status: fasthttp.StatusServiceUnavailable, Type: apierr.TypeProviderError,
			Code:    apierr.CodeCircuitOpen,
			Message: fmt.Sprintf("all providers serving model %q are circuit-broken", req.Model),
			Details: map[string]any{"providers": causes},
		}
	}
	return nil, &Error{
		Status: fasthttp.StatusBadGateway, Type: apierr.TypeProviderError,
		Code:    apierr.CodeAllProvidersFailed,
		Message: fmt.Sprintf("all %d provider(s) failed for model %q", len(candidates), req.Model),
		Details: map[string]any{"providers": causes},
	}
}

func (d *Dispatcher) attempt(ctx context.Context, p *registry.Provider, req *Request) (*adapters.Response, error) {
	// Streaming attempts keep the parent context: a sub-deadline here would
	// sever the relay mid-stream after this function returns.
	if d.attemptTimeout > 0 && !req.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
	}

	model := req.Model
	if m, ok := p.ModelFor(req.Model); ok {
		model = m.AdapterModelID
	}

	start := time.Now()
	resp, err := d.invoker.Invoke(ctx, p, &adapters.Request{
		Kind:      req.Kind,
		Model:     model,
		Body:      req.Body,
		Stream:    req.Stream,
		RequestID: req.RequestID,
	})
	dur := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if d.metrics != nil {
		d.metrics.ObserveUpstreamAttempt(p.ID, string(req.Kind), outcome, dur)
	}
	if d.tracker != nil {
		d.tracker.Observe(p.ID, dur, err == nil)
	}
	return resp, err
}

func (d *Dispatcher) observeFailure(p *registry.Provider, req *Request, aerr *adapters.AdapterError) {
	if d.metrics != nil {
		d.metrics.RecordError(p.ID, string(aerr.Kind))
	}
	if d.breakers != nil && aerr.CountsForBreaker() {
		d.breakers.RecordFailure(p.ID)
	}
	d.logger.Warn("upstream_attempt_failed",
		slog.String("request_id", req.RequestID),
		slog.String("provider", p.ID),
		slog.String("model", req.Model),
		slog.String("error_type", string(aerr.Kind)),
		slog.String("error", aerr.Message))
}

func (d *Dispatcher) succeed(key *keys.Key, req *Request, p *registry.Provider, resp *adapters.Response, estimate int64, attempts int, fellOver bool, primary string) *Result {
	if d.breakers != nil {
		d.breakers.RecordSuccess(p.ID)
	}
	if fellOver && d.metrics != nil {
		d.metrics.RecordFailoverSuccess(primary, p.ID)
	}
	if d.metrics != nil {
		d.metrics.RecordRequest(p.ID, req.Model, "success")
	}

	res := &Result{
		Provider: p.ID,
		Attempts: attempts,
		FellOver: fellOver,
		Key:      *key,
		Response: resp,
	}

	if req.Stream {
		// Usage is only known once the relay drains the stream.
		res.Finish = func(actual adapters.Usage) {
			d.account(key.ID, p.ID, req.Model, estimate, actual)
		}
	} else {
		d.account(key.ID, p.ID, req.Model, estimate, resp.Usage)
		res.Finish = func(adapters.Usage) {}
	}
	return res
}

// account posts usage to the key store, reconciles the rate-limit estimate,
// and emits token metrics. Runs out of band; accounting is eventually
// consistent by design and must never block the response path.
func (d *Dispatcher) account(keyID, providerID, model string, estimate int64, actual adapters.Usage) {
	go func() {
		total := actual.TotalTokens
		if total == 0 {
			total = estimate
		}
		if d.keys != nil {
			d.keys.RecordUsage(keyID, 1, total)
		}
		if d.limiter != nil && total != estimate {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.limiter.Settle(ctx, keyID, estimate, total); err != nil {
				d.logger.Warn("ratelimit_settle_failed", slog.String("error", err.Error()))
			}
		}
		if d.metrics != nil {
			d.metrics.AddTokens(providerID, model, actual.InputTokens, actual.OutputTokens)
		}
	}()
}
