package structured

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/generation"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
)

// Generator is the part of generation.Client the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) generation.Result
	Candidates() route.Candidates
}

const repairMaxTokens = 12000

const repairInstruction = "The text below should be a JSON array, but it may be wrapped in explanations " +
	"or Markdown, or be malformed. Repair it into a strictly valid JSON array. " +
	"Output only the JSON, with no explanations and no Markdown:\n\n"

// Outcome is the result of a parse. Value is nil when every step failed.
type Outcome struct {
	Value    any
	Step     Step
	Model    string
	Failures []string
}

func (o Outcome) OK() bool {
	return o.Value != nil
}

// List returns the value as an array, or nil.
func (o Outcome) List() []any {
	list, _ := o.Value.([]any)
	return list
}

type Pipeline struct {
	gen    Generator
	logger *slog.Logger
}

// NewPipeline builds a pipeline. A nil generator disables the model repair
// step.
func NewPipeline(gen Generator, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{gen: gen, logger: logger}
}

// ParseList recovers a JSON array from raw. Local steps run first; only when
// they all fail is the model asked to repair the text.
func (p *Pipeline) ParseList(ctx context.Context, raw string) Outcome {
	if list, step, ok := ParseList(raw); ok {
		return Outcome{Value: list, Step: step}
	}
	if p.gen == nil || strings.TrimSpace(raw) == "" {
		return Outcome{Failures: []string{"json_repair: unparseable"}}
	}

	res := p.gen.Generate(ctx, generation.Request{
		Prompt: provider.TextPrompt(repairInstruction + raw),
		Config: provider.GenerationConfig{
			MaxTokens:        repairMaxTokens,
			Temperature:      provider.Float(0),
			ResponseMIMEType: provider.MIMETypeJSON,
		},
		Policy: &generation.Policy{Truncation: generation.TruncationReturn},
	})
	failures := append([]string(nil), res.Failures...)
	if !res.OK() {
		p.logger.Warn("json repair call failed", "failures", len(failures))
		return Outcome{Failures: append(failures, "json_repair: model_repair_failed")}
	}
	if list, _, ok := ParseList(res.Text); ok {
		return Outcome{Value: list, Step: StepModelRepair, Model: res.Model, Failures: failures}
	}
	failures = append(failures, fmt.Sprintf("json_repair: %s returned unparseable text: %s", res.Model, snippet(res.Text, 120)))
	return Outcome{Failures: failures}
}

// GenerateJSON asks each candidate in turn for a JSON document constrained by
// schema and returns the first one that parses.
func (p *Pipeline) GenerateJSON(ctx context.Context, prompt provider.Prompt, schema map[string]any, cfg provider.GenerationConfig) Outcome {
	if p.gen == nil {
		return Outcome{Failures: []string{"generate_json: no generator"}}
	}
	if err := ValidateSchema(schema); err != nil {
		return Outcome{Failures: []string{fmt.Sprintf("generate_json: %v", err)}}
	}
	cfg.ResponseMIMEType = provider.MIMETypeJSON
	cfg.ResponseSchema = schema

	var failures []string
	for _, model := range p.gen.Candidates() {
		res := p.gen.Generate(ctx, generation.Request{
			Prompt:     prompt,
			Config:     cfg,
			Candidates: route.Candidates{model},
			Policy:     &generation.Policy{Truncation: generation.TruncationReturn},
		})
		failures = append(failures, res.Failures...)
		if ctx.Err() != nil {
			break
		}
		if !res.OK() {
			if !hasException(res.Failures) {
				failures = append(failures, fmt.Sprintf("%s: JSON_EMPTY", model))
			}
			continue
		}
		v, step, ok := Parse(res.Text, KindAny)
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: JSON_PARSE_FAIL raw=%s", model, snippet(res.Text, 120)))
			continue
		}
		return Outcome{Value: v, Step: step, Model: model, Failures: failures}
	}
	return Outcome{Failures: failures}
}

func hasException(failures []string) bool {
	for _, f := range failures {
		if strings.Contains(f, ": EXCEPTION ") {
			return true
		}
	}
	return false
}
