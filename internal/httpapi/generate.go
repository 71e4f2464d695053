package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/generation"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
	"github.com/vnmchuo/llm-orchestrator/internal/structured"
)

type messageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// generateRequest is the body shared by the generation endpoints.
type generateRequest struct {
	Prompt   string        `json:"prompt"`
	Messages []messageBody `json:"messages"`

	Models []string `json:"models"`
	Route  string   `json:"route"`

	MaxTokens        int            `json:"max_output_tokens"`
	Temperature      *float64       `json:"temperature"`
	TopP             *float64       `json:"top_p"`
	TopK             int            `json:"top_k"`
	Stop             []string       `json:"stop"`
	ResponseMIMEType string         `json:"response_mime_type"`
	Schema           map[string]any `json:"schema"`

	TruncationPolicy    string `json:"truncation_policy"`
	MaxContinueSegments *int   `json:"max_continue_segments"`
}

func (g *generateRequest) tokens() int {
	return g.MaxTokens
}

func (g *generateRequest) prompt() provider.Prompt {
	if len(g.Messages) == 0 {
		return provider.TextPrompt(g.Prompt)
	}
	msgs := make([]provider.Message, 0, len(g.Messages))
	for _, m := range g.Messages {
		msgs = append(msgs, provider.Message{Role: generation.NormalizeRole(m.Role), Content: m.Content})
	}
	return provider.Prompt{Messages: msgs}
}

func (g *generateRequest) config() provider.GenerationConfig {
	return provider.GenerationConfig{
		MaxTokens:        g.MaxTokens,
		Temperature:      g.Temperature,
		TopP:             g.TopP,
		TopK:             g.TopK,
		StopSequences:    g.Stop,
		ResponseMIMEType: g.ResponseMIMEType,
	}
}

// candidates resolves the request-scoped candidate list: explicit models
// first, then a named route. Nil means the client default.
func (g *generateRequest) candidates() (route.Candidates, error) {
	if len(g.Models) > 0 {
		return route.Normalize(g.Models), nil
	}
	if g.Route != "" {
		return route.Preset(g.Route)
	}
	return nil, nil
}

func (h *Handler) request(w http.ResponseWriter, g *generateRequest) (generation.Request, bool) {
	if g.prompt().IsEmpty() {
		writeError(w, http.StatusBadRequest, "prompt or messages required")
		return generation.Request{}, false
	}
	candidates, err := g.candidates()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return generation.Request{}, false
	}
	req := generation.Request{Prompt: g.prompt(), Config: g.config(), Candidates: candidates}

	if g.TruncationPolicy != "" || g.MaxContinueSegments != nil {
		truncation, err := generation.ParseTruncationPolicy(g.TruncationPolicy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return generation.Request{}, false
		}
		policy := h.gen.Policy()
		if g.TruncationPolicy != "" {
			policy.Truncation = truncation
		}
		if g.MaxContinueSegments != nil {
			policy.MaxContinueSegments = *g.MaxContinueSegments
		}
		req.Policy = &policy
	}
	return req, true
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !h.decode(w, r, &body, body.tokens) {
		return
	}
	req, ok := h.request(w, &body)
	if !ok {
		return
	}

	ctx, cancel := h.deadline(r.Context())
	defer cancel()
	res := h.gen.Generate(ctx, req)
	if !res.OK() && strings.TrimSpace(res.Text) == "" {
		writeExhausted(w, res.Failures)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":       res.Text,
		"used_model": res.Model,
		"failures":   nonNil(res.Failures),
	})
}

// HandleGenerateStream sends one chunk event per streamed segment and a
// final done event carrying the used model and the failure log.
func (h *Handler) HandleGenerateStream(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !h.decode(w, r, &body, body.tokens) {
		return
	}
	req, ok := h.request(w, &body)
	if !ok {
		return
	}

	ctx, cancel := h.deadline(r.Context())
	defer cancel()
	sr := h.gen.Stream(ctx, req)
	if !sr.OK() {
		writeExhausted(w, sr.Failures)
		return
	}
	defer sr.Chunks.Close()

	events, ok := startSSE(w)
	if !ok {
		return
	}
	for chunk := range sr.Chunks.All() {
		if err := events.send("chunk", map[string]string{"text": chunk}); err != nil {
			h.logger.Warn("client went away mid-stream", "error", err)
			return
		}
	}

	done := map[string]any{
		"used_model":      sr.Model,
		"failures":        nonNil(sr.Failures),
		"terminal_reason": string(sr.Chunks.TerminalReason()),
	}
	if err := sr.Chunks.Err(); err != nil {
		done["error"] = err.Error()
	}
	_ = events.send("done", done)
}

func (h *Handler) HandleGenerateJSON(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !h.decode(w, r, &body, body.tokens) {
		return
	}
	if err := structured.ValidateSchema(body.Schema); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, ok := h.request(w, &body)
	if !ok {
		return
	}

	gen := h.gen
	if len(req.Candidates) > 0 {
		gen = gen.Derive(generation.WithRouter(nil), generation.WithCandidates(req.Candidates))
	}
	ctx, cancel := h.deadline(r.Context())
	defer cancel()
	out := structured.NewPipeline(gen, h.logger).GenerateJSON(ctx, req.Prompt, body.Schema, req.Config)
	if !out.OK() {
		writeExhausted(w, out.Failures)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"json":       out.Value,
		"used_model": out.Model,
		"failures":   nonNil(out.Failures),
	})
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !h.decode(w, r, &body, body.tokens) {
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages required")
		return
	}
	candidates, err := body.candidates()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs := make([]provider.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}

	ctx, cancel := h.deadline(r.Context())
	defer cancel()
	res := h.gen.Chat(ctx, msgs, body.config(), candidates)
	if !res.OK() {
		writeExhausted(w, res.Failures)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    map[string]string{"role": "assistant", "content": res.Text},
		"used_model": res.Model,
		"failures":   nonNil(res.Failures),
	})
}

type routeRequest struct {
	Route string `json:"route"`
}

// HandleSwitchRoute replaces the process-wide default candidate list.
func (h *Handler) HandleSwitchRoute(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		writeError(w, http.StatusNotImplemented, "route switching disabled")
		return
	}
	var body routeRequest
	if !h.decode(w, r, &body, nil) {
		return
	}
	if err := h.router.SwitchRoute(body.Route); err != nil {
		if errors.Is(err, route.ErrUnknownRoute) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "routes": route.PresetNames()})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("default route switched", "route", body.Route)
	writeJSON(w, http.StatusOK, map[string]any{"route": h.router.Name(), "candidates": h.router.Candidates()})
}
