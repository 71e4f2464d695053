// Package batch spreads a large structured-generation job over bounded
// batches, escalating failed batches through progressively simpler tiers
// and reconciling coverage of every work item at the end.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/generation"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
	"github.com/vnmchuo/llm-orchestrator/internal/structured"
	"github.com/vnmchuo/llm-orchestrator/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type WorkItem struct {
	ID      string
	Payload map[string]any
}

// Entry is one structured output object. It carries the job's id field.
type Entry = map[string]any

// Job describes how a batch of work items is turned into a prompt and how
// model output is shaped back into entries.
type Job struct {
	// IDField names the entry field holding the work item id.
	IDField     string
	BuildPrompt func(items []WorkItem) string
	// Normalize fills defaults on a parsed entry. Optional.
	Normalize func(Entry) Entry
	// Placeholder builds the stand-in entry for an item the model never
	// returned.
	Placeholder func(WorkItem) Entry
	// SubIndex orders entries sharing an id. Optional.
	SubIndex func(Entry) int
}

type Generator interface {
	Generate(ctx context.Context, req generation.Request) generation.Result
	Stream(ctx context.Context, req generation.Request) generation.StreamResult
	Candidates() route.Candidates
}

type Mode string

const (
	ParallelNonStream Mode = "parallel_nonstream"
	SerialStream      Mode = "serial_stream"
	SerialNonStream   Mode = "serial_nonstream"
)

// Tier is one escalation step: how batches run and how many at once.
type Tier struct {
	Mode    Mode
	Workers int
}

func (t Tier) String() string {
	if t.Mode == ParallelNonStream {
		return fmt.Sprintf("%s/%d", t.Mode, t.Workers)
	}
	return string(t.Mode)
}

func (t Tier) stream() bool {
	return t.Mode == SerialStream
}

func (t Tier) limit() int {
	if t.Mode != ParallelNonStream || t.Workers < 1 {
		return 1
	}
	return t.Workers
}

// DefaultTiers is the escalation ladder starting at the given parallelism.
func DefaultTiers(workers int) []Tier {
	if workers < 1 {
		workers = 4
	}
	return []Tier{
		{Mode: ParallelNonStream, Workers: workers},
		{Mode: ParallelNonStream, Workers: 2},
		{Mode: SerialStream, Workers: 1},
		{Mode: SerialNonStream, Workers: 1},
	}
}

type Options struct {
	BatchSize             int
	Workers               int
	MaxMissingRetryRounds int
	ContinueSegments      int
	Config                provider.GenerationConfig
	Tiers                 []Tier
	// Backoff is the retry curve for every call a batch makes. Nil keeps
	// the generator's own.
	Backoff *retry.Profile
}

var DefaultOptions = Options{
	BatchSize:             15,
	Workers:               4,
	MaxMissingRetryRounds: 3,
	ContinueSegments:      6,
	Config: provider.GenerationConfig{
		MaxTokens:   30000,
		Temperature: provider.Float(0.4),
	},
	Backoff: &retry.PerCandidate,
}

type Controller struct {
	gen     Generator
	parser  *structured.Pipeline
	opts    Options
	metrics *telemetry.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

type Option func(*Controller)

func WithOptions(o Options) Option {
	return func(c *Controller) { c.opts = o }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

func NewController(gen Generator, opts ...Option) *Controller {
	c := &Controller{
		gen:    gen,
		opts:   DefaultOptions,
		logger: slog.Default(),
		tracer: otel.Tracer(telemetry.TracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.opts.BatchSize < 1 {
		c.opts.BatchSize = 1
	}
	if len(c.opts.Tiers) == 0 {
		c.opts.Tiers = DefaultTiers(c.opts.Workers)
	}
	if c.opts.Backoff != nil {
		c.gen = backoffGenerator{Generator: gen, profile: c.opts.Backoff}
	}
	c.parser = structured.NewPipeline(c.gen, c.logger)
	return c
}

// backoffGenerator pins the retry curve on every request, repair calls
// included.
type backoffGenerator struct {
	Generator
	profile *retry.Profile
}

func (g backoffGenerator) Generate(ctx context.Context, req generation.Request) generation.Result {
	if req.Backoff == nil {
		req.Backoff = g.profile
	}
	return g.Generator.Generate(ctx, req)
}

func (g backoffGenerator) Stream(ctx context.Context, req generation.Request) generation.StreamResult {
	if req.Backoff == nil {
		req.Backoff = g.profile
	}
	return g.Generator.Stream(ctx, req)
}

// Result is the merged output of a batched run.
type Result struct {
	Entries        []Entry
	RawText        string
	Model          string
	Failures       []string
	Batches        int
	RetryRounds    int
	InputCount     int
	CoveredCount   int
	Placeholders   int
	Missing        []string
	MissingReasons map[string]string
}

const rawSeparator = "\n\n---\n\n"

// Run executes job over items. It always returns a Result; entries for every
// work item id are present either as model output or as placeholders.
func (c *Controller) Run(ctx context.Context, items []WorkItem, job Job) Result {
	ctx, span := c.tracer.Start(ctx, "batch.Run", trace.WithAttributes(
		attribute.Int("batch.items", len(items)),
		attribute.Int("batch.size", c.opts.BatchSize),
	))
	defer span.End()

	batches := partition(items, c.opts.BatchSize)
	st := newState(items, job)

	pending := make([]int, len(batches))
	for i := range batches {
		pending[i] = i
	}

	for _, tier := range c.opts.Tiers {
		if len(pending) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			st.failures = append(st.failures, fmt.Sprintf("orchestration aborted: %v", err))
			break
		}
		pending = c.runTier(ctx, tier, batches, pending, job, st)
	}
	if len(pending) > 0 {
		nums := make([]int, len(pending))
		for i, bi := range pending {
			nums[i] = bi + 1
		}
		st.failures = append(st.failures, fmt.Sprintf("hard_failed_batches=%v", nums))
		c.logger.Error("batches failed on every tier", "batches", nums)
	}

	res := c.reconcile(ctx, st, job)
	res.Batches = len(batches)
	span.SetAttributes(
		attribute.Int("batch.failures", len(res.Failures)),
		attribute.Int("batch.placeholders", res.Placeholders),
	)
	return res
}

// runTier runs the given batches on one tier and returns the indices that
// still failed. Each worker writes only its own slot; results are merged in
// batch order after every worker is done.
func (c *Controller) runTier(ctx context.Context, tier Tier, batches [][]WorkItem, indices []int, job Job, st *state) []int {
	ctx, span := c.tracer.Start(ctx, "batch.Tier", trace.WithAttributes(
		attribute.String("batch.tier", tier.String()),
		attribute.Int("batch.pending", len(indices)),
	))
	defer span.End()

	slots := make([]batchOutcome, len(indices))
	var g errgroup.Group
	g.SetLimit(tier.limit())
	for slot, bi := range indices {
		g.Go(func() error {
			slots[slot] = c.runOne(ctx, batches[bi], job, tier.stream())
			return nil
		})
	}
	_ = g.Wait()

	var failed []int
	for slot, bi := range indices {
		out := slots[slot]
		st.merge(out, fmt.Sprintf("batch#%d [%s]", bi+1, tier))
		if len(out.entries) == 0 {
			failed = append(failed, bi)
			c.metrics.Batch(tier.String(), "failed")
			continue
		}
		c.metrics.Batch(tier.String(), "success")
	}
	c.logger.Info("tier finished", "tier", tier.String(), "batches", len(indices), "failed", len(failed))
	return failed
}

type batchOutcome struct {
	entries  []Entry
	raw      string
	model    string
	failures []string
}

// runOne generates and parses a single batch. A streaming attempt that
// yields nothing falls back to a non-streaming call.
func (c *Controller) runOne(ctx context.Context, items []WorkItem, job Job, stream bool) batchOutcome {
	req := generation.Request{
		Prompt: provider.TextPrompt(job.BuildPrompt(items)),
		Config: c.jsonConfig(),
		Policy: &generation.Policy{
			Truncation:          generation.TruncationContinue,
			MaxContinueSegments: c.opts.ContinueSegments,
		},
	}

	var out batchOutcome
	if stream {
		sr := c.gen.Stream(ctx, req)
		out.failures = append(out.failures, sr.Failures...)
		if sr.OK() {
			text, err := sr.Chunks.Collect()
			if err != nil {
				out.failures = append(out.failures, fmt.Sprintf("stream_fail: %v", err))
			}
			out.raw = text
			out.model = sr.Model
		}
	}
	if strings.TrimSpace(out.raw) == "" {
		res := c.gen.Generate(ctx, req)
		out.failures = append(out.failures, res.Failures...)
		out.raw = res.Text
		if out.model == "" {
			out.model = res.Model
		}
	}
	if strings.TrimSpace(out.raw) == "" {
		out.failures = append(out.failures, "empty_output")
		return out
	}

	parsed := c.parser.ParseList(ctx, out.raw)
	out.failures = append(out.failures, parsed.Failures...)
	if !parsed.OK() {
		out.failures = append(out.failures, "JSON parse failed")
		return out
	}
	for _, v := range parsed.List() {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		id := idOf(obj, job.IDField)
		if id == "" {
			continue
		}
		obj[job.IDField] = id
		if job.Normalize != nil {
			obj = job.Normalize(obj)
		}
		out.entries = append(out.entries, obj)
	}
	if len(out.entries) == 0 {
		out.failures = append(out.failures, fmt.Sprintf("no entries carrying %q", job.IDField))
	}
	return out
}

func (c *Controller) jsonConfig() provider.GenerationConfig {
	cfg := c.opts.Config
	cfg.ResponseMIMEType = provider.MIMETypeJSON
	return cfg
}

func partition(items []WorkItem, size int) [][]WorkItem {
	var out [][]WorkItem
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		out = append(out, items[i:end])
	}
	return out
}

func idOf(obj map[string]any, field string) string {
	switch v := obj[field].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
