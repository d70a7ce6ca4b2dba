// Package adapters implements the four provider adapter shapes: http-sdk,
// proxy, local, and spawn-cli. An adapter takes a normalized OpenAI-shape
// request and returns either a materialized JSON response or a stream of
// chunks; everything provider-specific (URLs, headers, process invocation,
// payload quirks) stays behind the Adapter interface.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind is the request family an adapter is asked to serve.
type Kind string

const (
	KindChat       Kind = "chat"
	KindEmbeddings Kind = "embeddings"
	KindModels     Kind = "models"
)

type (
	// Request is a normalized client request. Body is the OpenAI-shape JSON
	// payload with the model field already rewritten to the adapter-side id.
	Request struct {
		Kind      Kind
		Model     string // adapter-side model id
		Body      []byte
		Stream    bool
		APIKey    string // resolved credential, empty when the provider needs none
		RequestID string
	}

	// Usage is the provider-reported token consumption.
	Usage struct {
		InputTokens  int64
		OutputTokens int64
		TotalTokens  int64
	}

	// Chunk is one streaming event. Data holds the raw JSON payload of a
	// single SSE event (without the "data: " framing). Done marks the end of
	// a well-terminated stream; Err reports a mid-stream failure.
	Chunk struct {
		Data []byte
		Done bool
		Err  error
	}

	// Response is a normalized provider response. Exactly one of Body and
	// Stream is set.
	Response struct {
		StatusCode int
		Body       []byte
		Usage      Usage
		Stream     <-chan Chunk
	}
)

// Adapter is one configured provider binding.
type Adapter interface {
	ProviderID() string
	Invoke(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// rewriteModel replaces the model field of an OpenAI-shape JSON body with the
// adapter-side id. A body without a model field gets one added.
func rewriteModel(body []byte, model string) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("adapters: request body is not a JSON object: %w", err)
	}
	enc, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	m["model"] = enc
	return json.Marshal(m)
}

// extractUsage pulls the usage block out of an OpenAI-shape response body.
// Bodies without one (proxied errors, models lists) yield a zero Usage.
func extractUsage(body []byte) Usage {
	var resp struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Usage{}
	}
	u := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}
