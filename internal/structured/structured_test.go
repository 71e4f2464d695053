package structured

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/vnmchuo/llm-orchestrator/internal/generation"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/providertest"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
	"go.opentelemetry.io/otel/trace/noop"
)

func setupPipeline(backend provider.Provider, candidates ...string) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := generation.New(backend,
		generation.WithCandidates(route.Candidates(candidates)),
		generation.WithRetry(retry.Policy{}),
		generation.WithLogger(logger),
		generation.WithTracer(noop.NewTracerProvider().Tracer("test")),
	)
	return NewPipeline(client, logger)
}

func TestParse_Steps(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Step
	}{
		{"plain", `[1, 2]`, StepDirect},
		{"fenced", "```json\n[1, 2]\n```", StepDirect},
		{"prose", `Here you go: [1, 2] enjoy`, StepBracket},
		{"trailing comma", `[1, 2,]`, StepSanitized},
		{"curly quotes", `[{“a”: 1}]`, StepSanitized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, step, ok := Parse(tc.raw, KindArray)
			if !ok {
				t.Fatalf("Expected %q to parse", tc.raw)
			}
			if step != tc.want {
				t.Errorf("Expected step %s, got %s", tc.want, step)
			}
			if _, isList := v.([]any); !isList {
				t.Errorf("Expected a list, got %T", v)
			}
		})
	}
}

func TestParse_WrongKind(t *testing.T) {
	if _, _, ok := Parse(`{"a": 1}`, KindArray); ok {
		t.Error("Expected an object not to satisfy KindArray")
	}
	v, _, ok := Parse(`{"a": 1}`, KindAny)
	if !ok {
		t.Fatal("Expected an object to satisfy KindAny")
	}
	if _, isMap := v.(map[string]any); !isMap {
		t.Errorf("Expected a map, got %T", v)
	}
}

func TestParse_Garbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "no json here", "[unterminated"} {
		if _, _, ok := Parse(raw, KindArray); ok {
			t.Errorf("Expected %q not to parse", raw)
		}
	}
}

func TestStripCodeFence(t *testing.T) {
	if got := StripCodeFence("```\n[1]\n```"); got != "[1]" {
		t.Errorf("Expected [1], got %q", got)
	}
	if got := StripCodeFence("  [1]  "); got != "[1]" {
		t.Errorf("Expected trimmed input, got %q", got)
	}
}

func TestParseList_ValidArrayMakesNoCall(t *testing.T) {
	backend := providertest.New()
	p := setupPipeline(backend, "A")

	out := p.ParseList(context.Background(), `[{"id": "S001"}]`)

	if !out.OK() || out.Step != StepDirect {
		t.Fatalf("Expected direct parse, got %+v", out)
	}
	if len(out.List()) != 1 {
		t.Errorf("Expected 1 element, got %d", len(out.List()))
	}
	if n := len(backend.Calls()); n != 0 {
		t.Errorf("Expected no backend calls, got %d", n)
	}
}

func TestParseList_ModelRepair(t *testing.T) {
	backend := providertest.New().OnComplete("A", providertest.Reply(`[{"id": "S001"}]`, "STOP"))
	p := setupPipeline(backend, "A")

	out := p.ParseList(context.Background(), `id: S001 (sorry, not JSON)`)

	if !out.OK() || out.Step != StepModelRepair || out.Model != "A" {
		t.Fatalf("Expected model repair by A, got %+v", out)
	}

	calls := backend.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 repair call, got %d", len(calls))
	}
	cfg := calls[0].Config
	if cfg.Temperature == nil || *cfg.Temperature != 0 {
		t.Errorf("Expected temperature 0, got %v", cfg.Temperature)
	}
	if cfg.MaxTokens != 12000 {
		t.Errorf("Expected 12000 max tokens, got %d", cfg.MaxTokens)
	}
	if cfg.ResponseMIMEType != provider.MIMETypeJSON {
		t.Errorf("Expected JSON mime type, got %q", cfg.ResponseMIMEType)
	}
	if !strings.Contains(calls[0].Prompt, "sorry, not JSON") {
		t.Error("Expected the raw text in the repair prompt")
	}
}

func TestParseList_RepairStillBroken(t *testing.T) {
	backend := providertest.New().OnComplete("A", providertest.Reply("still broken", "STOP"))
	p := setupPipeline(backend, "A")

	out := p.ParseList(context.Background(), "not json")

	if out.OK() {
		t.Fatalf("Expected failure, got %+v", out)
	}
	if len(out.Failures) == 0 || !strings.Contains(out.Failures[len(out.Failures)-1], "unparseable") {
		t.Errorf("Expected an unparseable failure, got %v", out.Failures)
	}
}

func TestParseList_NoGenerator(t *testing.T) {
	p := NewPipeline(nil, nil)
	if out := p.ParseList(context.Background(), "nope"); out.OK() {
		t.Errorf("Expected failure without a generator, got %+v", out)
	}
}

func TestGenerateJSON_FallsThroughCandidates(t *testing.T) {
	backend := providertest.New().
		OnComplete("A", providertest.Fail(errors.New("invalid argument"))).
		OnComplete("B", providertest.Reply("not json", "STOP")).
		OnComplete("C", providertest.Reply(`{"title": "ok"}`, "STOP"))
	p := setupPipeline(backend, "A", "B", "C")

	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"title": map[string]any{"type": "string"}},
		"required":   []any{"title"},
	}
	out := p.GenerateJSON(context.Background(), provider.TextPrompt("give me a title"), schema, provider.GenerationConfig{})

	if !out.OK() || out.Model != "C" {
		t.Fatalf("Expected C to answer, got %+v", out)
	}
	obj, _ := out.Value.(map[string]any)
	if obj["title"] != "ok" {
		t.Errorf("Expected title ok, got %v", out.Value)
	}
	if len(out.Failures) != 2 {
		t.Fatalf("Expected 2 failures, got %v", out.Failures)
	}
	if !strings.HasPrefix(out.Failures[0], "A: EXCEPTION") {
		t.Errorf("Expected A exception first, got %s", out.Failures[0])
	}
	if !strings.HasPrefix(out.Failures[1], "B: JSON_PARSE_FAIL") {
		t.Errorf("Expected B parse failure, got %s", out.Failures[1])
	}

	for _, call := range backend.Calls() {
		if call.Config.ResponseSchema == nil || call.Config.ResponseMIMEType != provider.MIMETypeJSON {
			t.Errorf("Expected schema-constrained JSON call, got %+v", call.Config)
		}
	}
}

func TestGenerateJSON_Empty(t *testing.T) {
	backend := providertest.New().OnComplete("A",
		providertest.Reply("", "STOP"),
		providertest.Reply("", "STOP"),
	)
	p := setupPipeline(backend, "A")

	out := p.GenerateJSON(context.Background(), provider.TextPrompt("x"), map[string]any{"type": "object"}, provider.GenerationConfig{})

	if out.OK() {
		t.Fatalf("Expected failure, got %+v", out)
	}
	if last := out.Failures[len(out.Failures)-1]; last != "A: JSON_EMPTY" {
		t.Errorf("Expected JSON_EMPTY last, got %s", last)
	}
}

func TestGenerateJSON_RecoversWrappedObject(t *testing.T) {
	backend := providertest.New().OnComplete("A",
		providertest.Reply("Here you go:\n{\"title\": \"ok\",}\nThanks.", "STOP"),
	)
	p := setupPipeline(backend, "A")

	out := p.GenerateJSON(context.Background(), provider.TextPrompt("x"), map[string]any{"type": "object"}, provider.GenerationConfig{})

	if !out.OK() || out.Model != "A" {
		t.Fatalf("Expected A to answer, got %+v", out)
	}
	if out.Step != StepSanitized {
		t.Errorf("Expected sanitized step, got %s", out.Step)
	}
	obj, _ := out.Value.(map[string]any)
	if obj["title"] != "ok" {
		t.Errorf("Expected title ok, got %v", out.Value)
	}
	if len(backend.Calls()) != 1 {
		t.Errorf("Expected 1 call, got %d", len(backend.Calls()))
	}
}

func TestGenerateJSON_RejectsBadSchema(t *testing.T) {
	backend := providertest.New()
	p := setupPipeline(backend, "A")

	out := p.GenerateJSON(context.Background(), provider.TextPrompt("x"), map[string]any{"type": "date"}, provider.GenerationConfig{})
	if out.OK() {
		t.Fatal("Expected failure for an unsupported type")
	}
	if len(backend.Calls()) != 0 {
		t.Error("Expected no backend call for an invalid schema")
	}
}

func TestValidateSchema(t *testing.T) {
	valid := map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"shot_id": map[string]any{"type": "string", "description": "shot id"},
				"seed":    map[string]any{"type": "integer"},
			},
			"required": []string{"shot_id"},
		},
		"minItems": 1,
		"maxItems": float64(500),
	}
	if err := ValidateSchema(valid); err != nil {
		t.Errorf("Expected valid schema, got %v", err)
	}

	invalid := []map[string]any{
		{},
		{"type": "date"},
		{"type": "string", "pattern": "^a"},
		{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "string"}}, "required": []any{"b"}},
		{"type": "string", "items": map[string]any{"type": "string"}},
		{"type": "array", "minItems": -1},
	}
	for i, schema := range invalid {
		if err := ValidateSchema(schema); !errors.Is(err, ErrInvalidSchema) {
			t.Errorf("case %d: Expected ErrInvalidSchema, got %v", i, err)
		}
	}
}
