package dispatch

import (
	"bufio"
	"encoding/json"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/dyadhq/dyad-gateway/internal/adapters"
	"github.com/dyadhq/dyad-gateway/internal/metrics"
	"github.com/dyadhq/dyad-gateway/pkg/apierr"
)

// maxStreamChunkBytes caps one relayed SSE event. Anything larger is treated
// as a provider protocol violation and terminates the stream.
const maxStreamChunkBytes = 64 * 1024

// RelayStream writes res.Response.Stream to the client as server-sent
// events, flushing after every chunk so deltas render as they arrive.
//
// The response is committed at the first byte: mid-stream failures cannot
// change the status code anymore, so they are reported as a final error event
// and the stream is closed without the [DONE] terminator. Clients detect
// truncation by the missing terminator.
func RelayStream(ctx *fasthttp.RequestCtx, res *Result, met *metrics.Registry, logger *slog.Logger) {
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	provider := res.Provider
	stream := res.Response.Stream

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var usage adapters.Usage
		clean := false

		for chunk := range stream {
			if chunk.Err != nil {
				logger.Warn("stream_failed",
					slog.String("provider", provider),
					slog.String("error", chunk.Err.Error()))
				writeStreamError(w, "stream interrupted")
				break
			}
			if chunk.Done {
				clean = true
				break
			}
			if len(chunk.Data) > maxStreamChunkBytes {
				logger.Warn("stream_chunk_oversize",
					slog.String("provider", provider),
					slog.Int("bytes", len(chunk.Data)))
				writeStreamError(w, "provider sent an oversized event")
				break
			}

			if u, ok := chunkUsage(chunk.Data); ok {
				usage = u
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				break
			}
			if _, err := w.Write(chunk.Data); err != nil {
				break
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				break
			}
			if err := w.Flush(); err != nil {
				// Client went away; drain below so the adapter goroutine exits.
				break
			}
			if met != nil {
				met.RecordStreamChunk(provider)
			}
		}

		// Stop the upstream attempt first, then drain: cancellation makes the
		// producer wind down instead of generating the rest of the completion
		// for a client that is gone.
		if res.Cancel != nil {
			res.Cancel()
		}
		for range stream {
		}

		if clean {
			w.Write([]byte("data: [DONE]\n\n"))
			w.Flush()
		}
		res.Finish(usage)
	})
}

func writeStreamError(w *bufio.Writer, message string) {
	payload, _ := json.Marshal(map[string]any{
		"error": apierr.APIError{
			Message: message,
			Type:    apierr.TypeProviderError,
			Code:    apierr.CodeProtocolError,
		},
	})
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
	w.Flush()
}

// chunkUsage extracts the usage block some providers attach to the final
// delta (stream_options include_usage in the OpenAI protocol).
func chunkUsage(data []byte) (adapters.Usage, bool) {
	var envelope struct {
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Usage == nil {
		return adapters.Usage{}, false
	}
	u := adapters.Usage{
		InputTokens:  envelope.Usage.PromptTokens,
		OutputTokens: envelope.Usage.CompletionTokens,
		TotalTokens:  envelope.Usage.TotalTokens,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u, true
}
