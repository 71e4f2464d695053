// Package storyboard turns a story into a shot list (round 1) and the shot
// list into keyframe prompts (round 2), persisting the results as a run.
package storyboard

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/vnmchuo/llm-orchestrator/internal/batch"
	"github.com/vnmchuo/llm-orchestrator/internal/generation"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/runstore"
	"github.com/vnmchuo/llm-orchestrator/internal/structured"
	"github.com/vnmchuo/llm-orchestrator/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const flagshipAttempts = 3

type Round1Params struct {
	Story            string   `json:"story"`
	Style            string   `json:"style"`
	MinShots         int      `json:"min_shots"`
	MaxShots         int      `json:"max_shots"`
	MaxTokens        int      `json:"max_output_tokens"`
	Temperature      *float64 `json:"temperature"`
	ContinueSegments *int     `json:"continue_segments"`
}

func (p Round1Params) withDefaults() Round1Params {
	if strings.TrimSpace(p.Style) == "" {
		p.Style = "cinematic, realistic"
	}
	if p.MinShots <= 0 {
		p.MinShots = 12
	}
	if p.MaxShots <= 0 {
		p.MaxShots = 500
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 50000
	}
	if p.Temperature == nil {
		p.Temperature = provider.Float(0.5)
	}
	if p.ContinueSegments == nil {
		n := 10
		p.ContinueSegments = &n
	}
	return p
}

type Round2Params struct {
	Characters            string   `json:"characters"`
	Scenes                string   `json:"scenes"`
	BatchSize             int      `json:"batch_size"`
	MaxTokens             int      `json:"max_output_tokens"`
	Temperature           *float64 `json:"temperature"`
	ContinueSegments      *int     `json:"continue_segments"`
	MaxMissingRetryRounds *int     `json:"max_missing_retry_rounds"`
	ParallelWorkers       int      `json:"parallel_workers"`
}

type Round1Result struct {
	Shots    []map[string]any
	Raw      string
	Model    string
	Failures []string
}

// PictureStream is round 1 delivered as chunks. ModelHint names the model
// the chunks come from; it is empty when every tier failed.
type PictureStream struct {
	Chunks    *generation.ChunkStream
	ModelHint string
	Failures  []string
}

type Service struct {
	gen      *generation.Client
	parser   *structured.Pipeline
	prompts  *Prompts
	store    runstore.Store
	defaults Round2Params
	baseURL  string
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

type Option func(*Service)

func WithStore(s runstore.Store) Option {
	return func(svc *Service) { svc.store = s }
}

// WithRound2Defaults sets the batch settings used when a request leaves
// them zero.
func WithRound2Defaults(p Round2Params) Option {
	return func(svc *Service) { svc.defaults = p }
}

func WithDownloadBaseURL(u string) Option {
	return func(svc *Service) { svc.baseURL = u }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(svc *Service) {
		if t != nil {
			svc.tracer = t
		}
	}
}

// New builds the service. The client is derived with the storyboard
// continuation prompt so truncated JSON arrays are extended, not restarted.
func New(client *generation.Client, prompts *Prompts, opts ...Option) (*Service, error) {
	if prompts == nil {
		prompts = NewPrompts("")
	}
	cont, err := prompts.Load(promptContinue)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		prompts: prompts,
		logger:  slog.Default(),
		tracer:  otel.Tracer(telemetry.TracerName),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.gen = client.Derive(generation.WithContinuePrompt(strings.TrimSpace(cont)))
	svc.parser = structured.NewPipeline(svc.gen, svc.logger)
	return svc, nil
}

func (s *Service) round1Request(p Round1Params) (generation.Request, error) {
	prompt, err := s.prompts.render(promptRound1, map[string]any{
		"story":     p.Story,
		"style":     p.Style,
		"min_shots": p.MinShots,
		"max_shots": p.MaxShots,
	})
	if err != nil {
		return generation.Request{}, err
	}
	return generation.Request{
		Prompt: provider.TextPrompt(prompt),
		Config: provider.GenerationConfig{
			MaxTokens:        p.MaxTokens,
			Temperature:      p.Temperature,
			ResponseMIMEType: provider.MIMETypeJSON,
		},
		Policy: &generation.Policy{
			Truncation:          generation.TruncationContinue,
			MaxContinueSegments: *p.ContinueSegments,
		},
	}, nil
}

// GeneratePictures runs round 1 without streaming: generate with
// continuation, then recover the shot list through the repair pipeline.
func (s *Service) GeneratePictures(ctx context.Context, p Round1Params) (Round1Result, error) {
	ctx, span := s.tracer.Start(ctx, "storyboard.GeneratePictures")
	defer span.End()

	req, err := s.round1Request(p.withDefaults())
	if err != nil {
		return Round1Result{}, err
	}
	res := s.gen.Generate(ctx, req)
	out := Round1Result{Raw: res.Text, Model: res.Model, Failures: res.Failures}
	if strings.TrimSpace(res.Text) == "" {
		return out, nil
	}
	shots, fails := s.ParsePictures(ctx, res.Text)
	out.Shots = shots
	out.Failures = append(out.Failures, fails...)
	return out, nil
}

// StreamPictures runs round 1 for streaming callers: the flagship model is
// streamed up to three times, then asked without streaming up to three
// times, and only then is the whole route tried without streaming.
func (s *Service) StreamPictures(ctx context.Context, p Round1Params) (PictureStream, error) {
	req, err := s.round1Request(p.withDefaults())
	if err != nil {
		return PictureStream{}, err
	}
	flagship := s.gen.Candidates().Flagship()
	var failures []string

	pinned := req
	pinned.Candidates = flagship
	for i := 1; i <= flagshipAttempts; i++ {
		if ctx.Err() != nil {
			break
		}
		sr := s.gen.Stream(ctx, pinned)
		failures = append(failures, sr.Failures...)
		if sr.OK() {
			return PictureStream{Chunks: sr.Chunks, ModelHint: sr.Model, Failures: failures}, nil
		}
		failures = append(failures, fmt.Sprintf("round1_flagship_stream_attempt#%d: no output", i))
	}

	for i := 1; i <= flagshipAttempts; i++ {
		if ctx.Err() != nil {
			break
		}
		res := s.gen.Generate(ctx, pinned)
		failures = append(failures, res.Failures...)
		if res.OK() && strings.TrimSpace(res.Text) != "" {
			return PictureStream{Chunks: generation.TextStream(res.Text), ModelHint: res.Model, Failures: failures}, nil
		}
		failures = append(failures, fmt.Sprintf("round1_flagship_nonstream_attempt#%d: no output", i))
	}

	s.logger.Warn("flagship failed for round 1, falling back to the full route")
	res := s.gen.Generate(ctx, req)
	failures = append(failures, res.Failures...)
	return PictureStream{Chunks: generation.TextStream(res.Text), ModelHint: res.Model, Failures: failures}, nil
}

// ParsePictures recovers the shot list from round 1 raw text.
func (s *Service) ParsePictures(ctx context.Context, raw string) ([]map[string]any, []string) {
	out := s.parser.ParseList(ctx, raw)
	if !out.OK() {
		return nil, append(out.Failures, "round1: JSON parse failed")
	}
	shots := make([]map[string]any, 0, len(out.List()))
	for _, v := range out.List() {
		if shot, ok := v.(map[string]any); ok {
			shots = append(shots, shot)
		}
	}
	return shots, out.Failures
}

func (s *Service) round2Options(p Round2Params) batch.Options {
	d := s.defaults
	opts := batch.DefaultOptions
	pickInt := func(v, fallback, def int) int {
		if v > 0 {
			return v
		}
		if fallback > 0 {
			return fallback
		}
		return def
	}
	pickPtr := func(v, fallback *int, def int) int {
		if v != nil {
			return *v
		}
		if fallback != nil {
			return *fallback
		}
		return def
	}

	opts.BatchSize = pickInt(p.BatchSize, d.BatchSize, opts.BatchSize)
	opts.Workers = pickInt(p.ParallelWorkers, d.ParallelWorkers, opts.Workers)
	opts.ContinueSegments = pickPtr(p.ContinueSegments, d.ContinueSegments, opts.ContinueSegments)
	opts.MaxMissingRetryRounds = pickPtr(p.MaxMissingRetryRounds, d.MaxMissingRetryRounds, opts.MaxMissingRetryRounds)
	opts.Config.MaxTokens = pickInt(p.MaxTokens, d.MaxTokens, opts.Config.MaxTokens)
	switch {
	case p.Temperature != nil:
		opts.Config.Temperature = p.Temperature
	case d.Temperature != nil:
		opts.Config.Temperature = d.Temperature
	}
	return opts
}

// GenerateKeyframes runs round 2: shots are batched, escalated through the
// tiers and reconciled so every shot ends up with at least one keyframe.
func (s *Service) GenerateKeyframes(ctx context.Context, shots []map[string]any, p Round2Params) (batch.Result, error) {
	ctx, span := s.tracer.Start(ctx, "storyboard.GenerateKeyframes")
	defer span.End()

	tmpl, err := s.prompts.Load(promptRound2)
	if err != nil {
		return batch.Result{}, err
	}

	job := batch.Job{
		IDField: "shot_id",
		BuildPrompt: func(items []batch.WorkItem) string {
			payloads := make([]map[string]any, len(items))
			for i, it := range items {
				payloads[i] = it.Payload
			}
			snippet, err := json.MarshalIndent(payloads, "", "  ")
			if err != nil {
				s.logger.Error("failed to encode shots for prompt", "error", err)
			}
			return strings.TrimSpace(Render(tmpl, map[string]any{
				"pictures_json_snippet": string(snippet),
				"characters":            p.Characters,
				"scenes":                p.Scenes,
			}))
		},
		Normalize: NormalizeKeyframe,
		Placeholder: func(it batch.WorkItem) batch.Entry {
			return PlaceholderFromShot(it.Payload)
		},
		SubIndex: FrameIndex,
	}

	ctl := batch.NewController(s.gen,
		batch.WithOptions(s.round2Options(p)),
		batch.WithMetrics(s.metrics),
		batch.WithLogger(s.logger),
		batch.WithTracer(s.tracer),
	)
	return ctl.Run(ctx, ShotItems(shots), job), nil
}

type RoundReport struct {
	UsedModel           string            `json:"used_model"`
	Failures            []string          `json:"failures"`
	TextRaw             string            `json:"text_raw"`
	JSON                any               `json:"json"`
	MissingAfterRetries []string          `json:"missing_after_retries,omitempty"`
	MissingReasons      map[string]string `json:"missing_reasons,omitempty"`
}

type Package struct {
	ID        string            `json:"id"`
	CreatedAt string            `json:"created_at"`
	Inputs    map[string]any    `json:"inputs"`
	Round1    RoundReport       `json:"round1"`
	Round2    RoundReport       `json:"round2"`
	Meta      map[string]any    `json:"meta"`
	Downloads map[string]string `json:"downloads,omitempty"`
}

type FullParams struct {
	Round1  Round1Params
	Round2  Round2Params
	Persist bool
}

// BuildPackage runs both rounds and, when asked to, persists every artifact
// under a new run id. Model failures are part of the package; the error is
// reserved for persistence.
func (s *Service) BuildPackage(ctx context.Context, p FullParams) (*Package, error) {
	ctx, span := s.tracer.Start(ctx, "storyboard.BuildPackage")
	defer span.End()

	r1p := p.Round1.withDefaults()
	r1, err := s.GeneratePictures(ctx, r1p)
	if err != nil {
		return nil, err
	}
	r2, err := s.GenerateKeyframes(ctx, r1.Shots, p.Round2)
	if err != nil {
		return nil, err
	}

	pack := &Package{
		ID:        runstore.NewRunID(),
		CreatedAt: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Inputs:    map[string]any{"style": r1p.Style, "min_shots": r1p.MinShots, "max_shots": r1p.MaxShots},
		Round1: RoundReport{
			UsedModel: r1.Model,
			Failures:  nonNil(r1.Failures),
			TextRaw:   r1.Raw,
			JSON:      nonNilShots(r1.Shots),
		},
		Round2: RoundReport{
			UsedModel:           r2.Model,
			Failures:            nonNil(r2.Failures),
			TextRaw:             r2.RawText,
			JSON:                nonNilEntries(r2.Entries),
			MissingAfterRetries: r2.Missing,
			MissingReasons:      r2.MissingReasons,
		},
		Meta: KeyframeMeta(r2),
	}
	if !p.Persist || s.store == nil {
		return pack, nil
	}

	artifacts := []runstore.Artifact{
		runstore.TextArtifact(runstore.ArtifactRound1Raw, r1.Raw),
		runstore.TextArtifact(runstore.ArtifactRound2Raw, r2.RawText),
	}
	for name, v := range map[string]any{
		runstore.ArtifactRound1Pictures:  pack.Round1.JSON,
		runstore.ArtifactRound2Keyframes: pack.Round2.JSON,
		runstore.ArtifactPackage:         pack,
	} {
		a, err := runstore.JSONArtifact(name, v)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}

	run := &runstore.Run{
		ID:        pack.ID,
		Kind:      "full",
		UsedModel: r1.Model,
		Failures:  slices.Concat(r1.Failures, r2.Failures),
		Meta:      pack.Meta,
	}
	downloads, err := s.persist(ctx, run, artifacts)
	if err != nil {
		return nil, err
	}
	pack.Downloads = downloads
	return pack, nil
}

// SaveRound1 persists a round 1 result on its own and returns the run id
// with artifact locators.
func (s *Service) SaveRound1(ctx context.Context, r Round1Result) (string, map[string]string, error) {
	pics, err := runstore.JSONArtifact(runstore.ArtifactRound1Pictures, nonNilShots(r.Shots))
	if err != nil {
		return "", nil, err
	}
	run := &runstore.Run{
		ID:        runstore.NewRunID(),
		Kind:      "round1",
		UsedModel: r.Model,
		Failures:  r.Failures,
		Meta:      map[string]any{"shots": len(r.Shots)},
	}
	downloads, err := s.persist(ctx, run, []runstore.Artifact{pics, runstore.TextArtifact(runstore.ArtifactRound1Raw, r.Raw)})
	return run.ID, downloads, err
}

// SaveRound2 persists a round 2 result on its own.
func (s *Service) SaveRound2(ctx context.Context, r batch.Result) (string, map[string]string, error) {
	frames, err := runstore.JSONArtifact(runstore.ArtifactRound2Keyframes, nonNilEntries(r.Entries))
	if err != nil {
		return "", nil, err
	}
	run := &runstore.Run{
		ID:        runstore.NewRunID(),
		Kind:      "round2",
		UsedModel: r.Model,
		Failures:  r.Failures,
		Meta:      KeyframeMeta(r),
	}
	downloads, err := s.persist(ctx, run, []runstore.Artifact{frames, runstore.TextArtifact(runstore.ArtifactRound2Raw, r.RawText)})
	return run.ID, downloads, err
}

func (s *Service) persist(ctx context.Context, run *runstore.Run, artifacts []runstore.Artifact) (map[string]string, error) {
	if s.store == nil {
		return nil, nil
	}
	if err := s.store.SaveRun(ctx, run, artifacts); err != nil {
		return nil, fmt.Errorf("failed to persist run %s: %w", run.ID, err)
	}
	downloads := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		downloads[a.Name] = runstore.Locator(s.baseURL, run.ID, a.Name)
	}
	s.logger.Info("run persisted", "run_id", run.ID, "kind", run.Kind, "artifacts", len(artifacts))
	return downloads, nil
}

// KeyframeMeta summarizes a round 2 result.
func KeyframeMeta(r batch.Result) map[string]any {
	return map[string]any{
		"batches":       r.Batches,
		"retry_rounds":  r.RetryRounds,
		"frames":        len(r.Entries),
		"shots_input":   r.InputCount,
		"shots_covered": r.CoveredCount,
		"placeholders":  r.Placeholders,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilShots(s []map[string]any) []map[string]any {
	if s == nil {
		return []map[string]any{}
	}
	return s
}

func nonNilEntries(s []batch.Entry) []batch.Entry {
	if s == nil {
		return []batch.Entry{}
	}
	return s
}
