package ratelimit

import (
	"encoding/json"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator produces pre-dispatch token estimates for admission. Estimates
// only need to be in the right ballpark; Settle reconciles them against the
// provider-reported usage.
type Estimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewEstimator creates an Estimator with a lazy encoding cache.
func NewEstimator() *Estimator {
	return &Estimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// chatMessage is the subset of an OpenAI-style message the estimator reads.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatBody struct {
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type embeddingsBody struct {
	Input json.RawMessage `json:"input"`
}

// EstimateChat estimates prompt plus completion tokens for a chat request
// body. max_tokens, when present, bounds the completion share; otherwise a
// flat completion allowance is assumed.
func (e *Estimator) EstimateChat(model string, body []byte) int64 {
	var req chatBody
	if err := json.Unmarshal(body, &req); err != nil {
		return approxTokens(string(body))
	}

	var prompt int64
	for _, m := range req.Messages {
		prompt += 4 // per-message framing overhead
		prompt += e.count(model, m.Role)
		prompt += e.count(model, rawText(m.Content))
	}
	prompt += 3

	completion := int64(req.MaxTokens)
	if completion == 0 {
		completion = 256
	}
	return prompt + completion
}

// EstimateEmbeddings estimates tokens for an embeddings request body.
func (e *Estimator) EstimateEmbeddings(model string, body []byte) int64 {
	var req embeddingsBody
	if err := json.Unmarshal(body, &req); err != nil {
		return approxTokens(string(body))
	}
	return e.count(model, rawText(req.Input))
}

func (e *Estimator) count(model, text string) int64 {
	if text == "" {
		return 0
	}
	enc := e.encoding(model)
	if enc == nil {
		return approxTokens(text)
	}
	return int64(len(enc.Encode(text, nil, nil)))
}

func (e *Estimator) encoding(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	e.encodings[model] = enc // cache misses too, so unknown models fall back once
	return enc
}

// rawText flattens a JSON value (string, array of strings, or structured
// content parts) into the text worth counting.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := ""
		for _, p := range parts {
			out += rawText(p)
		}
		return out
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	return string(raw)
}

// approxTokens is the chars/4 fallback used when no encoding is available.
func approxTokens(text string) int64 {
	n := int64(utf8.RuneCountInString(text)) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
