package dispatch

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/dyadhq/dyad-gateway/internal/adapters"
	"github.com/dyadhq/dyad-gateway/internal/keys"
	"github.com/dyadhq/dyad-gateway/internal/logger"
	"github.com/dyadhq/dyad-gateway/internal/metrics"
	"github.com/dyadhq/dyad-gateway/internal/registry"
	"github.com/dyadhq/dyad-gateway/pkg/apierr"
)

// maxRequestBodyBytes bounds inbound request bodies.
const maxRequestBodyBytes = 10 << 20

// ServerOptions wire the HTTP surface.
type ServerOptions struct {
	Dispatcher  *Dispatcher
	Registry    *registry.Registry
	Monitor     *Monitor
	Metrics     *metrics.Registry
	Logger      *slog.Logger
	RequestLog  *logger.Logger
	CORSOrigins []string
	Version     string
}

// Server is the OpenAI-compatible HTTP surface of the gateway.
type Server struct {
	dispatcher *Dispatcher
	reg        *registry.Registry
	monitor    *Monitor
	metrics    *metrics.Registry
	logger     *slog.Logger
	requestLog *logger.Logger
	cors       []string
	version    string

	srv *fasthttp.Server
}

// NewServer creates a Server.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		dispatcher: opts.Dispatcher,
		reg:        opts.Registry,
		monitor:    opts.Monitor,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		requestLog: opts.RequestLog,
		cors:       opts.CORSOrigins,
		version:    opts.Version,
	}
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChat)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.GET("/v1/models", s.handleModels)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing(s.metrics),
		corsHandler(s.cors),
		securityHeaders,
	)
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080") and blocks.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Minute, // streams outlive ordinary responses
		MaxRequestBodySize: maxRequestBodyBytes,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	s.dispatch(ctx, adapters.KindChat)
}

func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	s.dispatch(ctx, adapters.KindEmbeddings)
}

// dispatch decodes the envelope fields the engine needs (model, stream) and
// hands the raw body through untouched.
func (s *Server) dispatch(ctx *fasthttp.RequestCtx, kind adapters.Kind) {
	body := append([]byte(nil), ctx.PostBody()...)

	var envelope struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "request body is not valid JSON",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if envelope.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "model is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if envelope.Stream && kind == adapters.KindEmbeddings {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "embeddings do not support streaming",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	req := &Request{
		Kind:      kind,
		Model:     envelope.Model,
		Body:      body,
		Stream:    envelope.Stream,
		Token:     bearerToken(ctx),
		RequestID: requestIDOf(ctx),
	}

	start := time.Now()
	res, derr := s.dispatcher.Dispatch(ctx, req)
	if derr != nil {
		s.logRequest(req, nil, derr.Status, start)
		writeDispatchError(ctx, derr)
		return
	}

	ctx.Response.Header.Set("X-Dyad-Provider", res.Provider)
	if res.Response.Stream != nil {
		s.logRequest(req, res, fasthttp.StatusOK, start)
		RelayStream(ctx, res, s.metrics, s.logger)
		return
	}

	status := res.Response.StatusCode
	if status == 0 {
		status = fasthttp.StatusOK
	}
	s.logRequest(req, res, status, start)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(res.Response.Body)
}

func (s *Server) logRequest(req *Request, res *Result, status int, start time.Time) {
	if s.requestLog == nil {
		return
	}
	entry := logger.RequestLog{
		RequestID: req.RequestID,
		Model:     req.Model,
		Kind:      string(req.Kind),
		Status:    status,
		Streamed:  req.Stream,
		LatencyMs: time.Since(start).Milliseconds(),
		CreatedAt: start,
	}
	if res != nil {
		entry.KeyID = res.Key.ID
		entry.Provider = res.Provider
		entry.Attempts = res.Attempts
		entry.FellOver = res.FellOver
		entry.InputTokens = res.Response.Usage.InputTokens
		entry.OutputTokens = res.Response.Usage.OutputTokens
	}
	s.requestLog.Log(entry)
}

// handleModels aggregates the model catalog from the registry: one entry per
// distinct dyad model id, owned by the highest-priority provider serving it.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	key, derr := s.dispatcher.Authenticate(bearerToken(ctx))
	if derr != nil {
		writeDispatchError(ctx, derr)
		return
	}
	if !key.HasPermission(keys.PermModels) {
		apierr.WritePermission(ctx, "api key lacks the \"models\" permission")
		return
	}

	type modelEntry struct {
		ID                 string `json:"id"`
		Object             string `json:"object"`
		OwnedBy            string `json:"owned_by"`
		SupportsStreaming  bool   `json:"supports_streaming"`
		SupportsEmbeddings bool   `json:"supports_embeddings"`
		ContextWindow      int    `json:"context_window"`
		MaxTokens          int    `json:"max_tokens"`
	}

	seen := make(map[string]bool)
	var models []modelEntry
	for _, p := range s.reg.List() {
		if !p.Enabled || !key.ProviderAllowed(p.ID) {
			continue
		}
		for _, m := range p.Models {
			if seen[m.DyadModelID] || !key.ModelAllowed(m.DyadModelID) {
				continue
			}
			seen[m.DyadModelID] = true
			models = append(models, modelEntry{
				ID:                 m.DyadModelID,
				Object:             "model",
				OwnedBy:            p.ID,
				SupportsStreaming:  m.SupportsStreaming,
				SupportsEmbeddings: m.SupportsEmbeddings,
				ContextWindow:      m.ContextWindow,
				MaxTokens:          m.MaxTokens,
			})
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	writeJSON(ctx, map[string]any{"object": "list", "data": models})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	providers := make([]map[string]any, 0)
	for _, p := range s.reg.List() {
		providers = append(providers, map[string]any{
			"id":         p.ID,
			"enabled":    p.Enabled,
			"status":     p.Health.Status,
			"reason":     p.Health.Reason,
			"checked_at": p.Health.CheckedAt,
			"latency_ms": p.Health.Latency.Milliseconds(),
		})
	}
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"providers": providers,
	})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.monitor == nil || s.monitor.Healthy() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeDispatchError(ctx *fasthttp.RequestCtx, derr *Error) {
	if derr.Status == fasthttp.StatusTooManyRequests {
		apierr.WriteRateLimit(ctx, derr.Message, derr.RetryAfter)
		return
	}
	if derr.Code == apierr.CodeOverloaded {
		apierr.WriteOverloaded(ctx, derr.Message)
		return
	}
	apierr.WriteDetails(ctx, derr.Status, derr.Message, derr.Type, derr.Code, derr.Details)
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue("request_id").(string); ok {
		return id
	}
	return ""
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
