package adapters

import (
	"encoding/json"
	"fmt"
	"sync"
)

type (
	// RequestTransform rewrites an outgoing request body for providers whose
	// wire format deviates from the OpenAI shape.
	RequestTransform func(body []byte) ([]byte, error)

	// ResponseTransform rewrites an upstream response body back into the
	// OpenAI shape before it reaches the client.
	ResponseTransform func(body []byte) ([]byte, error)
)

var (
	transformMu        sync.RWMutex
	requestTransforms  = map[string]RequestTransform{}
	responseTransforms = map[string]ResponseTransform{}
)

// RegisterRequestTransform makes a named request transform available to
// provider configs. Registration happens at init time; re-registering a name
// replaces it.
func RegisterRequestTransform(name string, fn RequestTransform) {
	transformMu.Lock()
	defer transformMu.Unlock()
	requestTransforms[name] = fn
}

// RegisterResponseTransform makes a named response transform available to
// provider configs.
func RegisterResponseTransform(name string, fn ResponseTransform) {
	transformMu.Lock()
	defer transformMu.Unlock()
	responseTransforms[name] = fn
}

func lookupRequestTransform(name string) (RequestTransform, error) {
	if name == "" {
		return nil, nil
	}
	transformMu.RLock()
	defer transformMu.RUnlock()
	fn, ok := requestTransforms[name]
	if !ok {
		return nil, fmt.Errorf("adapters: unknown request transform %q", name)
	}
	return fn, nil
}

func lookupResponseTransform(name string) (ResponseTransform, error) {
	if name == "" {
		return nil, nil
	}
	transformMu.RLock()
	defer transformMu.RUnlock()
	fn, ok := responseTransforms[name]
	if !ok {
		return nil, fmt.Errorf("adapters: unknown response transform %q", name)
	}
	return fn, nil
}

func init() {
	// legacy_max_tokens: older OpenAI-compatible servers reject the
	// max_completion_tokens field and expect max_tokens.
	RegisterRequestTransform("legacy_max_tokens", func(body []byte) ([]byte, error) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		if v, ok := m["max_completion_tokens"]; ok {
			m["max_tokens"] = v
			delete(m, "max_completion_tokens")
		}
		return json.Marshal(m)
	})

	// strip_stream_options: some servers fail on the OpenAI stream_options
	// extension field.
	RegisterRequestTransform("strip_stream_options", func(body []byte) ([]byte, error) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		delete(m, "stream_options")
		return json.Marshal(m)
	})
}
