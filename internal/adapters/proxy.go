package adapters

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/registry"
)

// proxyAdapter forwards the request body untouched to an upstream that
// already speaks the OpenAI protocol. The gateway still owns auth, rate
// limits, breakers and accounting; the adapter only rewrites headers.
type proxyAdapter struct {
	providerID string
	cfg        registry.ProxyConfig
	client     *http.Client
}

func newProxyAdapter(providerID string, cfg registry.ProxyConfig) *proxyAdapter {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return &proxyAdapter{
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
	}
}

func (a *proxyAdapter) ProviderID() string { return a.providerID }

func (a *proxyAdapter) pathFor(kind Kind) (method, path string, err error) {
	switch kind {
	case KindChat:
		return http.MethodPost, "/chat/completions", nil
	case KindEmbeddings:
		return http.MethodPost, "/embeddings", nil
	case KindModels:
		return http.MethodGet, "/models", nil
	default:
		return "", "", &AdapterError{Provider: a.providerID, Kind: ErrConfiguration, Message: "unsupported request kind"}
	}
}

func (a *proxyAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	method, path, err := a.pathFor(req.Kind)
	if err != nil {
		return nil, err
	}

	// Raw forwarding: the body crosses untouched, model field included.
	// Model translation is the http-sdk shape's job.
	httpReq, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.cfg.ProxyURL, "/")+path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrConfiguration, Message: err.Error()}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	for k, v := range a.cfg.HeaderRewrites {
		httpReq.Header.Set(k, v)
	}
	for _, k := range a.cfg.RemoveHeaders {
		httpReq.Header.Del(k)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(a.providerID, err)
	}

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyStatus(a.providerID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if req.Stream && strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		ch := make(chan Chunk, 64)
		go a.relaySSE(resp.Body, ch)
		return &Response{StatusCode: resp.StatusCode, Stream: ch}, nil
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if err != nil {
		return nil, classifyTransport(a.providerID, err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Body:       payload,
		Usage:      extractUsage(payload),
	}, nil
}

func (a *proxyAdapter) relaySSE(body io.ReadCloser, ch chan<- Chunk) {
	defer body.Close()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxSSELineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
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

func (a *proxyAdapter) HealthCheck(ctx context.Context) error {
	_, path, err := a.pathFor(KindModels)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.cfg.ProxyURL, "/")+path, nil)
	if err != nil {
		return &AdapterError{Provider: a.providerID, Kind: ErrConfiguration, Message: err.Error()}
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
