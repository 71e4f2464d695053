// Package httpapi exposes the orchestrator over HTTP: plain and streamed
// generation, the storyboard rounds, async jobs and stored runs.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/vnmchuo/llm-orchestrator/internal/generation"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
	"github.com/vnmchuo/llm-orchestrator/internal/runstore"
	"github.com/vnmchuo/llm-orchestrator/internal/storyboard"
	"github.com/vnmchuo/llm-orchestrator/internal/telemetry"
	"github.com/vnmchuo/llm-orchestrator/internal/worker"
	"github.com/vnmchuo/llm-orchestrator/pkg/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTokenEstimate = 1000
	clientIDHeader       = "X-Client-ID"
)

type Handler struct {
	gen     *generation.Client
	router  *route.Router
	board   *storyboard.Service
	store   runstore.Store
	jobs    *worker.Pool
	limiter *ratelimit.Limiter
	metrics *telemetry.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration
}

type Option func(*Handler)

func WithRouter(r *route.Router) Option {
	return func(h *Handler) { h.router = r }
}

func WithStore(s runstore.Store) Option {
	return func(h *Handler) { h.store = s }
}

func WithJobs(p *worker.Pool) Option {
	return func(h *Handler) { h.jobs = p }
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(h *Handler) {
		if t != nil {
			h.tracer = t
		}
	}
}

// WithRequestTimeout is the hard cutoff for one orchestrated request.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

func NewHandler(gen *generation.Client, board *storyboard.Service, opts ...Option) *Handler {
	h := &Handler{
		gen:     gen,
		board:   board,
		logger:  slog.Default(),
		tracer:  otel.Tracer(telemetry.TracerName),
		timeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// deadline applies the request timeout to ctx.
func (h *Handler) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

// decode reads the JSON body into dst and, when the client is within its
// token budget, starts the request span. It writes the error response itself
// and returns false when the request must stop.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, tokens func() int) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}

	estimated := defaultTokenEstimate
	if tokens != nil {
		if n := tokens(); n > 0 {
			estimated = n
		}
	}
	client := clientID(r)
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("client_id", client),
		attribute.Int("tokens_estimated", estimated),
	)

	allowed, err := h.limiter.Allow(r.Context(), client, estimated)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "client_id", client, "error", err)
	}
	if err != nil || !allowed {
		wait := ratelimit.Window
		if err == nil {
			wait = h.limiter.RetryAfter(r.Context(), client)
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": wait.String(),
		})
		return false
	}
	return true
}

func clientID(r *http.Request) string {
	if id := r.Header.Get(clientIDHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeExhausted reports that no candidate produced output.
func writeExhausted(w http.ResponseWriter, failures []string) {
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"error":    "all candidates exhausted",
		"failures": nonNil(failures),
	})
}

// sse writes server-sent events.
type sse struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) (*sse, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sse{w: w, f: f}, true
}

func (s *sse) send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
