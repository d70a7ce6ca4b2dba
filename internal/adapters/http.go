package adapters

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dyadhq/dyad-gateway/internal/registry"
)

const (
	defaultHTTPTimeout = 120 * time.Second
	maxResponseBytes   = 10 << 20 // 10 MiB
	maxSSELineBytes    = 1 << 20  // scanner buffer; chunk size is policed downstream

	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 200 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
)

// httpAdapter speaks the OpenAI wire protocol to a remote HTTP endpoint. It
// also backs the local shape, which reuses the protocol against loopback
// model servers.
type httpAdapter struct {
	providerID string
	cfg        registry.HTTPConfig
	client     *http.Client
	throttle   *rate.Limiter // nil when the provider declares no hints

	reqTransform  RequestTransform
	respTransform ResponseTransform
}

func newHTTPAdapter(providerID string, cfg registry.HTTPConfig, hints registry.RateLimitHints) (*httpAdapter, error) {
	reqT, err := lookupRequestTransform(cfg.RequestTransform)
	if err != nil {
		return nil, err
	}
	respT, err := lookupResponseTransform(cfg.ResponseTransform)
	if err != nil {
		return nil, err
	}

	timeout := defaultHTTPTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	a := &httpAdapter{
		providerID: providerID,
		cfg:        cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		reqTransform:  reqT,
		respTransform: respT,
	}
	if hints.RequestsPerSecond > 0 {
		burst := hints.Burst
		if burst <= 0 {
			burst = 1
		}
		a.throttle = rate.NewLimiter(rate.Limit(hints.RequestsPerSecond), burst)
	}
	return a, nil
}

func (a *httpAdapter) ProviderID() string { return a.providerID }

func (a *httpAdapter) endpointFor(kind Kind) (method, path string, err error) {
	switch kind {
	case KindChat:
		p := a.cfg.ChatEndpoint
		if p == "" {
			p = "/chat/completions"
		}
		return http.MethodPost, p, nil
	case KindEmbeddings:
		p := a.cfg.EmbeddingsEndpoint
		if p == "" {
			p = "/embeddings"
		}
		return http.MethodPost, p, nil
	case KindModels:
		p := a.cfg.ModelsEndpoint
		if p == "" {
			p = "/models"
		}
		return http.MethodGet, p, nil
	default:
		return "", "", &AdapterError{Provider: a.providerID, Kind: ErrConfiguration, Message: fmt.Sprintf("unsupported request kind %q", kind)}
	}
}

func (a *httpAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	method, path, err := a.endpointFor(req.Kind)
	if err != nil {
		return nil, err
	}

	body := req.Body
	if method == http.MethodPost {
		if body, err = rewriteModel(body, req.Model); err != nil {
			return nil, &AdapterError{Provider: a.providerID, Kind: ErrProtocol, Message: err.Error()}
		}
		if a.reqTransform != nil {
			if body, err = a.reqTransform(body); err != nil {
				return nil, &AdapterError{Provider: a.providerID, Kind: ErrConfiguration, Message: fmt.Sprintf("request transform: %v", err)}
			}
		}
	}

	attempts := a.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := a.backoff(ctx, attempt); err != nil {
				return nil, classifyTransport(a.providerID, err)
			}
		}
		if a.throttle != nil {
			if err := a.throttle.Wait(ctx); err != nil {
				return nil, classifyTransport(a.providerID, err)
			}
		}

		resp, retry, err := a.attempt(ctx, method, path, body, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt performs one upstream round trip. retry reports whether the failure
// is worth another attempt against the same provider.
func (a *httpAdapter) attempt(ctx context.Context, method, path string, body []byte, req *Request) (*Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, false, &AdapterError{Provider: a.providerID, Kind: ErrConfiguration, Message: err.Error()}
	}
	a.setHeaders(httpReq, req)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		aerr := classifyTransport(a.providerID, err)
		return nil, aerr.Kind == ErrConnection, aerr
	}

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		aerr := classifyStatus(a.providerID, resp.StatusCode, strings.TrimSpace(string(msg)))
		return nil, a.statusRetryable(resp.StatusCode), aerr
	}

	if req.Stream && strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		ch := make(chan Chunk, 64)
		go a.relaySSE(resp.Body, ch)
		return &Response{StatusCode: resp.StatusCode, Stream: ch}, false, nil
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if err != nil {
		return nil, false, classifyTransport(a.providerID, err)
	}
	if a.respTransform != nil {
		if payload, err = a.respTransform(payload); err != nil {
			return nil, false, &AdapterError{Provider: a.providerID, Kind: ErrProtocol, Message: fmt.Sprintf("response transform: %v", err)}
		}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Body:       payload,
		Usage:      extractUsage(payload),
	}, false, nil
}

func (a *httpAdapter) setHeaders(httpReq *http.Request, req *Request) {
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range a.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	if req.APIKey != "" {
		header := a.cfg.AuthHeader
		if header == "" {
			header = "X-API-Key"
		}
		if http.CanonicalHeaderKey(header) == "Authorization" {
			httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
		} else {
			httpReq.Header.Set(header, req.APIKey)
		}
	}
}

func (a *httpAdapter) statusRetryable(status int) bool {
	if len(a.cfg.RetryableStatusCodes) > 0 {
		for _, s := range a.cfg.RetryableStatusCodes {
			if s == status {
				return true
			}
		}
		return false
	}
	return retryableStatus(status)
}

func (a *httpAdapter) backoff(ctx context.Context, attempt int) error {
	base := defaultRetryBaseDelay
	if a.cfg.RetryBaseDelayMs > 0 {
		base = time.Duration(a.cfg.RetryBaseDelayMs) * time.Millisecond
	}
	maxDelay := defaultRetryMaxDelay
	if a.cfg.RetryMaxDelayMs > 0 {
		maxDelay = time.Duration(a.cfg.RetryMaxDelayMs) * time.Millisecond
	}

	delay := base << (attempt - 1)
	if delay > maxDelay {
		delay = maxDelay
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relaySSE forwards upstream SSE data events to ch. The channel is closed
// when the stream ends, well-terminated or not.
func (a *httpAdapter) relaySSE(body io.ReadCloser, ch chan<- Chunk) {
	defer body.Close()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxSSELineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue // comments, event names, blank separators
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			ch <- Chunk{Done: true}
			return
		}
		ch <- Chunk{Data: []byte(payload)}
	}

	if err := scanner.Err(); err != nil {
		ch <- Chunk{Err: classifyTransport(a.providerID, err)}
	}
}

// HealthCheck probes the models endpoint. Auth failures still prove the
// endpoint is reachable, so only transport errors and 5xx count as unhealthy.
func (a *httpAdapter) HealthCheck(ctx context.Context) error {
	_, path, err := a.endpointFor(KindModels)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.cfg.BaseURL, "/")+path, nil)
	if err != nil {
		return &AdapterError{Provider: a.providerID, Kind: ErrConfiguration, Message: err.Error()}
	}
	for k, v := range a.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return classifyTransport(a.providerID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return classifyStatus(a.providerID, resp.StatusCode, "health probe failed")
	}
	return nil
}
