package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/dyadhq/dyad-gateway/internal/adapters"
	"github.com/dyadhq/dyad-gateway/internal/keys"
	"github.com/dyadhq/dyad-gateway/internal/ratelimit"
	"github.com/dyadhq/dyad-gateway/internal/registry"
	"github.com/dyadhq/dyad-gateway/pkg/apierr"
)

// fakeInvoker routes invocations to per-provider functions and counts calls.
type fakeInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	fns   map[string]func(*adapters.Request) (*adapters.Response, error)
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		calls: make(map[string]int),
		fns:   make(map[string]func(*adapters.Request) (*adapters.Response, error)),
	}
}

func (f *fakeInvoker) respond(provider string, fn func(*adapters.Request) (*adapters.Response, error)) {
	f.mu.Lock()
	f.fns[provider] = fn
	f.mu.Unlock()
}

func (f *fakeInvoker) callCount(provider string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[provider]
}

func (f *fakeInvoker) Invoke(_ context.Context, p *registry.Provider, req *adapters.Request) (*adapters.Response, error) {
	f.mu.Lock()
	f.calls[p.ID]++
	fn := f.fns[p.ID]
	f.mu.Unlock()
	if fn == nil {
		return &adapters.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	return fn(req)
}

func okResponse(*adapters.Request) (*adapters.Response, error) {
	return &adapters.Response{
		StatusCode: 200,
		Body:       []byte(`{"id":"resp-1"}`),
		Usage:      adapters.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func failWith(provider string, kind adapters.ErrorKind, status int) func(*adapters.Request) (*adapters.Response, error) {
	return func(*adapters.Request) (*adapters.Response, error) {
		return nil, &adapters.AdapterError{Provider: provider, Kind: kind, StatusCode: status, Message: "upstream failed"}
	}
}

type testEngine struct {
	dispatcher *Dispatcher
	invoker    *fakeInvoker
	registry   *registry.Registry
	keys       *keys.Store
	breakers   *BreakerSet
	token      string
	key        keys.Key
}

func newTestEngine(t *testing.T, limiter ratelimit.Limiter, providerIDs ...string) *testEngine {
	t.Helper()

	reg := seedRegistry(t, providerIDs...)
	store := keys.NewStore()
	k, token, err := keys.Issue("user-1", []keys.Permission{keys.PermChat, keys.PermEmbeddings, keys.PermModels}, keys.RateLimits{})
	if err != nil {
		t.Fatal(err)
	}
	store.Put(k)

	inv := newFakeInvoker()
	breakers := NewBreakerSet(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}, nil)

	d := NewDispatcher(DispatcherOptions{
		Registry: reg,
		Keys:     store,
		Limiter:  limiter,
		Invoker:  inv,
		Breakers: breakers,
		Resolver: NewResolver(reg, nil),
	})
	return &testEngine{dispatcher: d, invoker: inv, registry: reg, keys: store, breakers: breakers, token: token, key: k}
}

func chatReq(token string) *Request {
	return &Request{
		Kind:  adapters.KindChat,
		Model: "gpt-x",
		Body:  []byte(`{"model":"gpt-x","messages":[{"role":"user","content":"hi"}]}`),
		Token: token,
	}
}

func TestDispatch_MissingToken(t *testing.T) {
	e := newTestEngine(t, nil, "a")

	_, derr := e.dispatcher.Dispatch(context.Background(), chatReq(""))
	if derr == nil || derr.Status != fasthttp.StatusUnauthorized {
		t.Fatalf("derr = %+v, want 401", derr)
	}
}

func TestDispatch_InvalidToken(t *testing.T) {
	e := newTestEngine(t, nil, "a")

	_, derr := e.dispatcher.Dispatch(context.Background(), chatReq("dyad_not-a-real-token-aaaa"))
	if derr == nil || derr.Status != fasthttp.StatusUnauthorized || derr.Code != apierr.CodeInvalidAPIKey {
		t.Fatalf("derr = %+v, want 401 invalid_api_key", derr)
	}
}

func TestDispatch_PermissionDenied(t *testing.T) {
	e := newTestEngine(t, nil, "a")

	k, token, err := keys.Issue("user-2", []keys.Permission{keys.PermEmbeddings}, keys.RateLimits{})
	if err != nil {
		t.Fatal(err)
	}
	e.keys.Put(k)

	_, derr := e.dispatcher.Dispatch(context.Background(), chatReq(token))
	if derr == nil || derr.Status != fasthttp.StatusForbidden {
		t.Fatalf("derr = %+v, want 403", derr)
	}
}

func TestDispatch_ModelNotAllowed(t *testing.T) {
	e := newTestEngine(t, nil, "a")

	k, token, err := keys.Issue("user-3", []keys.Permission{keys.PermChat}, keys.RateLimits{})
	if err != nil {
		t.Fatal(err)
	}
	k.AllowedModels = []string{"other-model"}
	e.keys.Put(k)

	_, derr := e.dispatcher.Dispatch(context.Background(), chatReq(token))
	if derr == nil || derr.Status != fasthttp.StatusForbidden {
		t.Fatalf("derr = %+v, want 403", derr)
	}
}

func TestDispatch_UnknownModel(t *testing.T) {
	e := newTestEngine(t, nil, "a")

	req := chatReq(e.token)
	req.Model = "no-such-model"
	_, derr := e.dispatcher.Dispatch(context.Background(), req)
	if derr == nil || derr.Status != fasthttp.StatusNotFound || derr.Code != apierr.CodeUnknownModel {
		t.Fatalf("derr = %+v, want 404 unknown_model", derr)
	}
}

func TestDispatch_Success(t *testing.T) {
	e := newTestEngine(t, nil, "a")
	e.invoker.respond("a", okResponse)

	res, derr := e.dispatcher.Dispatch(context.Background(), chatReq(e.token))
	if derr != nil {
		t.Fatal(derr)
	}
	if res.Provider != "a" || res.Attempts != 1 || res.FellOver {
		t.Errorf("result = %+v", res)
	}
	if string(res.Response.Body) != `{"id":"resp-1"}` {
		t.Errorf("body = %s", res.Response.Body)
	}

	// Accounting is posted out of band.
	deadline := time.After(2 * time.Second)
	for {
		k, _ := e.keys.Get(e.key.ID)
		if k.Usage.RequestsToday == 1 && k.Usage.TokensToday == 15 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("usage never posted: %+v", k.Usage)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDispatch_ModelRewrittenPerProvider(t *testing.T) {
	e := newTestEngine(t, nil, "a")
	var gotModel string
	e.invoker.respond("a", func(req *adapters.Request) (*adapters.Response, error) {
		gotModel = req.Model
		return okResponse(req)
	})

	if _, derr := e.dispatcher.Dispatch(context.Background(), chatReq(e.token)); derr != nil {
		t.Fatal(derr)
	}
	if gotModel != "gpt-x-up" {
		t.Errorf("adapter saw model %q, want the provider mapping", gotModel)
	}
}

func TestDispatch_FailoverOn5xx(t *testing.T) {
	e := newTestEngine(t, nil, "a", "b")
	e.invoker.respond("a", failWith("a", adapters.ErrUpstream5xx, 502))
	e.invoker.respond("b", okResponse)

	res, derr := e.dispatcher.Dispatch(context.Background(), chatReq(e.token))
	if derr != nil {
		t.Fatal(derr)
	}
	if res.Provider != "b" || !res.FellOver || res.Attempts != 2 {
		t.Errorf("result = %+v, want failover to b", res)
	}
}

func TestDispatch_NoFailoverOn4xx(t *testing.T) {
	e := newTestEngine(t, nil, "a", "b")
	e.invoker.respond("a", failWith("a", adapters.ErrUpstream4xx, 400))
	e.invoker.respond("b", okResponse)

	_, derr := e.dispatcher.Dispatch(context.Background(), chatReq(e.token))
	if derr == nil || derr.Status != 400 {
		t.Fatalf("derr = %+v, want the upstream 400 surfaced", derr)
	}
	if e.invoker.callCount("b") != 0 {
		t.Error("client errors must not fail over")
	}
}

func TestDispatch_AllProvidersFailed(t *testing.T) {
	e := newTestEngine(t, nil, "a", "b")
	e.invoker.respond("a", failWith("a", adapters.ErrTimeout, 0))
	e.invoker.respond("b", failWith("b", adapters.ErrConnection, 0))

	_, derr := e.dispatcher.Dispatch(context.Background(), chatReq(e.token))
	if derr == nil || derr.Status != fasthttp.StatusBadGateway || derr.Code != apierr.CodeAllProvidersFailed {
		t.Fatalf("derr = %+v, want 502 all_providers_failed", derr)
	}
	causes, ok := derr.Details["providers"].(map[string]any)
	if !ok || len(causes) != 2 {
		t.Errorf("details = %+v, want per-provider causes", derr.Details)
	}
}

func TestDispatch_BreakerSkipsOpenProvider(t *testing.T) {
	e := newTestEngine(t, nil, "a", "b")
	e.invoker.respond("a", failWith("a", adapters.ErrUpstream5xx, 502))
	e.invoker.respond("b", okResponse)

	for i := 0; i < 3; i++ {
		if _, derr := e.dispatcher.Dispatch(context.Background(), chatReq(e.token)); derr != nil {
			t.Fatal(derr)
		}
	}
	if e.breakers.State("a") != BreakerOpen {
		t.Fatal("a must be open after three consecutive failures")
	}

	before := e.invoker.callCount("a")
	res, derr := e.dispatcher.Dispatch(context.Background(), chatReq(e.token))
	if derr != nil {
		t.Fatal(derr)
	}
	if res.Provider != "b" {
		t.Errorf("provider = %s, want b", res.Provider)
	}
	if e.invoker.callCount("a") != before {
		t.Error("open breaker must keep traffic off a")
	}
}

func TestDispatch_AllBreakersOpen(t *testing.T) {
	e := newTestEngine(t, nil, "a", "b")
	e.breakers.ForceOpen("a")
	e.breakers.ForceOpen("b")

	_, derr := e.dispatcher.Dispatch(context.Background(), chatReq(e.token))
	if derr == nil {
		t.Fatal("dispatch must fail when every candidate is circuit-broken")
	}
	if derr.Status != fasthttp.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when nothing was attempted", derr.Status)
	}
	if derr.Code != apierr.CodeCircuitOpen {
		t.Errorf("code = %s, want %s", derr.Code, apierr.CodeCircuitOpen)
	}
	if e.invoker.callCount("a")+e.invoker.callCount("b") != 0 {
		t.Error("open breakers must prevent any upstream attempt")
	}
}

func TestDispatch_OverloadAnswers503(t *testing.T) {
	e := newTestEngine(t, nil, "a", "b")
	e.invoker.respond("a", failWith("a", adapters.ErrOverloaded, 0))
	e.invoker.respond("b", okResponse)

	for i := 0; i < 3; i++ {
		_, derr := e.dispatcher.Dispatch(context.Background(), chatReq(e.token))
		if derr == nil || derr.Status != fasthttp.StatusServiceUnavailable || derr.Code != apierr.CodeOverloaded {
			t.Fatalf("derr = %+v, want 503 overloaded", derr)
		}
	}
	if e.invoker.callCount("b") != 0 {
		t.Error("local saturation must not spill onto the next provider")
	}
	if e.breakers.State("a") != BreakerClosed {
		t.Error("saturation must not advance the breaker")
	}
}

func TestDispatch_RateLimitDenied(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	e := newTestEngine(t, limiter, "a")
	e.invoker.respond("a", okResponse)

	k, token, err := keys.Issue("user-4", []keys.Permission{keys.PermChat}, keys.RateLimits{RequestsPerMinute: 1})
	if err != nil {
		t.Fatal(err)
	}
	e.keys.Put(k)

	if _, derr := e.dispatcher.Dispatch(context.Background(), chatReq(token)); derr != nil {
		t.Fatal(derr)
	}
	_, derr := e.dispatcher.Dispatch(context.Background(), chatReq(token))
	if derr == nil || derr.Status != fasthttp.StatusTooManyRequests {
		t.Fatalf("derr = %+v, want 429", derr)
	}
	if derr.RetryAfter < 1 {
		t.Errorf("retryAfter = %d, want at least 1s", derr.RetryAfter)
	}
}

func TestDispatch_ProviderAllowListFiltersCandidates(t *testing.T) {
	e := newTestEngine(t, nil, "a", "b")
	e.invoker.respond("b", okResponse)

	k, token, err := keys.Issue("user-5", []keys.Permission{keys.PermChat}, keys.RateLimits{})
	if err != nil {
		t.Fatal(err)
	}
	k.AllowedProviders = []string{"b"}
	e.keys.Put(k)

	res, derr := e.dispatcher.Dispatch(context.Background(), chatReq(token))
	if derr != nil {
		t.Fatal(derr)
	}
	if res.Provider != "b" {
		t.Errorf("provider = %s, want b (a is not allow-listed)", res.Provider)
	}
	if e.invoker.callCount("a") != 0 {
		t.Error("disallowed provider must never be attempted")
	}
}
