// Package generation turns one logical generation request into the sequence
// of backend calls needed to get a usable answer: candidate fallback,
// transient retries, continuation of truncated output and stream recovery.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
	"github.com/vnmchuo/llm-orchestrator/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type TruncationPolicy string

const (
	TruncationContinue TruncationPolicy = "continue"
	TruncationReturn   TruncationPolicy = "return"
	TruncationRaise    TruncationPolicy = "raise"
)

func ParseTruncationPolicy(s string) (TruncationPolicy, error) {
	switch p := TruncationPolicy(s); p {
	case TruncationContinue, TruncationReturn, TruncationRaise:
		return p, nil
	case "":
		return TruncationContinue, nil
	default:
		return "", fmt.Errorf("unknown truncation policy %q", s)
	}
}

// Policy controls what happens when a candidate's output is truncated.
type Policy struct {
	Truncation           TruncationPolicy
	MaxContinueSegments  int
	ContinueContextChars int
}

var DefaultPolicy = Policy{
	Truncation:           TruncationContinue,
	MaxContinueSegments:  4,
	ContinueContextChars: 3000,
}

var DefaultConfig = provider.GenerationConfig{
	MaxTokens:   512,
	Temperature: provider.Float(0.7),
	TopP:        provider.Float(0.95),
}

const DefaultContinuePrompt = "Continue the previous output exactly where it stopped. " +
	"Do not repeat any sentence already written. Keep the same style and language."

const jsonArrayInstruction = "Output only a valid JSON array. No Markdown, no explanations, no blank lines."

// Request is one logical generation request. Zero-valued Config fields fall
// back to the client defaults; a nil Policy means the client policy.
type Request struct {
	Prompt     provider.Prompt
	Config     provider.GenerationConfig
	Candidates route.Candidates
	Policy     *Policy
	// Backoff replaces the client's retry curve for this request's calls.
	Backoff *retry.Profile
}

// Result is the outcome of a request. Model is empty when every candidate
// failed. Failures is the ordered log of every failed attempt, including
// those that preceded a success.
type Result struct {
	Text     string
	Model    string
	Failures []string
}

func (r Result) OK() bool {
	return r.Model != ""
}

type Client struct {
	backend        provider.Provider
	router         *route.Router
	candidates     route.Candidates
	defaults       provider.GenerationConfig
	policy         Policy
	continuePrompt string
	retry          retry.Policy
	reconnectDelay time.Duration
	breakers       *route.Breakers
	metrics        *telemetry.Metrics
	logger         *slog.Logger
	tracer         trace.Tracer
}

type Option func(*Client)

// WithRouter makes the router's current route the default candidate list.
func WithRouter(r *route.Router) Option {
	return func(c *Client) { c.router = r }
}

func WithCandidates(candidates route.Candidates) Option {
	return func(c *Client) { c.candidates = route.Normalize(candidates) }
}

func WithDefaults(cfg provider.GenerationConfig) Option {
	return func(c *Client) { c.defaults = cfg.Merge(DefaultConfig) }
}

func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithContinuePrompt(prompt string) Option {
	return func(c *Client) {
		if prompt != "" {
			c.continuePrompt = prompt
		}
	}
}

func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

func WithStreamReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

func WithBreakers(b *route.Breakers) Option {
	return func(c *Client) { c.breakers = b }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

func New(backend provider.Provider, opts ...Option) *Client {
	longform, _ := route.Preset(route.Longform)
	c := &Client{
		backend:        backend,
		candidates:     longform,
		defaults:       DefaultConfig,
		policy:         DefaultPolicy,
		continuePrompt: DefaultContinuePrompt,
		retry:          retry.Policy{Profile: retry.SingleShot, Retries: 4},
		reconnectDelay: 150 * time.Millisecond,
		logger:         slog.Default(),
		tracer:         otel.Tracer(telemetry.TracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Derive returns a copy of c with opts applied on top.
func (c *Client) Derive(opts ...Option) *Client {
	cp := *c
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

func (c *Client) candidatesFor(req Request) route.Candidates {
	if len(req.Candidates) > 0 {
		return route.Normalize(req.Candidates)
	}
	if c.router != nil {
		return c.router.Candidates()
	}
	return c.candidates
}

// BreakerStates reports the breaker state of every default candidate.
func (c *Client) BreakerStates() map[string]string {
	states := make(map[string]string)
	for _, model := range c.Candidates() {
		states[model] = c.breakers.State(model)
	}
	return states
}

// Candidates returns the list a request without its own candidates would use.
func (c *Client) Candidates() route.Candidates {
	return c.candidatesFor(Request{})
}

// Policy returns the truncation policy requests without their own use.
func (c *Client) Policy() Policy {
	return c.policy
}

func (c *Client) policyFor(req Request) Policy {
	if req.Policy == nil {
		return c.policy
	}
	p := *req.Policy
	if p.Truncation == "" {
		p.Truncation = c.policy.Truncation
	}
	if p.MaxContinueSegments < 0 {
		p.MaxContinueSegments = 0
	}
	if p.ContinueContextChars <= 0 {
		p.ContinueContextChars = c.policy.ContinueContextChars
	}
	return p
}

func (c *Client) retryFor(req Request) retry.Policy {
	p := c.retry
	if req.Backoff != nil {
		p.Profile = *req.Backoff
	}
	return p
}

// call issues one non-streaming backend call with transient retries.
func (c *Client) call(ctx context.Context, policy retry.Policy, model string, prompt provider.Prompt, cfg provider.GenerationConfig) (*provider.Response, error) {
	req := &provider.Request{
		Model:            model,
		Messages:         prompt.ToMessages(),
		GenerationConfig: cfg,
		RequestID:        provider.RequestIDFrom(ctx),
	}
	policy.Notify = func(err error, next time.Duration) {
		c.logger.Debug("transient backend error, retrying", "model", model, "error", err, "backoff", next)
	}
	return retry.Do(ctx, policy, func() (*provider.Response, error) {
		return c.breakers.Execute(model, func() (*provider.Response, error) {
			return c.backend.Complete(ctx, req)
		})
	})
}
