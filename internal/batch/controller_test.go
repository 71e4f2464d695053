package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/vnmchuo/llm-orchestrator/internal/generation"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/providertest"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
	"go.opentelemetry.io/otel/trace/noop"
)

func makeItems(n int) []WorkItem {
	items := make([]WorkItem, n)
	for i := range items {
		id := fmt.Sprintf("I%02d", i+1)
		items[i] = WorkItem{ID: id, Payload: map[string]any{"id": id, "seed": float64(100 + i)}}
	}
	return items
}

func testJob() Job {
	return Job{
		IDField: "id",
		BuildPrompt: func(items []WorkItem) string {
			ids := make([]string, len(items))
			for i, it := range items {
				ids[i] = it.ID
			}
			return "ids=" + strings.Join(ids, ",")
		},
		Normalize: func(e Entry) Entry {
			if _, ok := e["frame_idx"]; !ok {
				e["frame_idx"] = float64(1)
			}
			return e
		},
		Placeholder: func(it WorkItem) Entry {
			return Entry{"frame_idx": float64(1), "seed": it.Payload["seed"]}
		},
		SubIndex: func(e Entry) int {
			n, _ := e["frame_idx"].(float64)
			return int(n)
		},
	}
}

func idsIn(prompt string) []string {
	_, rest, ok := strings.Cut(prompt, "ids=")
	if !ok {
		return nil
	}
	line, _, _ := strings.Cut(rest, "\n")
	return strings.Split(line, ",")
}

func entriesFor(ids []string, skip string) string {
	var out []map[string]any
	for _, id := range ids {
		if id == skip {
			continue
		}
		out = append(out, map[string]any{"id": id, "prompt": "frame of " + id})
	}
	if out == nil {
		return "[]"
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func setupController(backend provider.Provider, opts Options) *Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracer := noop.NewTracerProvider().Tracer("test")
	client := generation.New(backend,
		generation.WithCandidates(route.Candidates{"A"}),
		generation.WithRetry(retry.Policy{}),
		generation.WithStreamReconnectDelay(0),
		generation.WithLogger(logger),
		generation.WithTracer(tracer),
	)
	return NewController(client, WithOptions(opts), WithLogger(logger), WithTracer(tracer))
}

func entryIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i], _ = e["id"].(string)
	}
	return ids
}

func TestPartition(t *testing.T) {
	batches := partition(makeItems(10), 4)
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}
	if len(batches[0]) != 4 || len(batches[1]) != 4 || len(batches[2]) != 2 {
		t.Errorf("Expected sizes 4,4,2, got %d,%d,%d", len(batches[0]), len(batches[1]), len(batches[2]))
	}
	if batches[1][0].ID != "I05" {
		t.Errorf("Expected batch 2 to start at I05, got %s", batches[1][0].ID)
	}
}

func TestDefaultTiers(t *testing.T) {
	tiers := DefaultTiers(0)
	want := []string{"parallel_nonstream/4", "parallel_nonstream/2", "serial_stream", "serial_nonstream"}
	if len(tiers) != len(want) {
		t.Fatalf("Expected %d tiers, got %d", len(want), len(tiers))
	}
	for i, tier := range tiers {
		if tier.String() != want[i] {
			t.Errorf("tier %d: Expected %s, got %s", i, want[i], tier)
		}
	}
}

func TestRun_SecondBatchRecoversAtTierTwo(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	backend := providertest.New()
	backend.Handler = func(req *provider.Request) providertest.Step {
		ids := idsIn(req.Messages[0].Content)
		mu.Lock()
		seen[ids[0]]++
		n := seen[ids[0]]
		mu.Unlock()
		if ids[0] == "I05" && n == 1 {
			return providertest.Fail(errors.New("invalid request"))
		}
		return providertest.Reply(entriesFor(ids, ""), "STOP")
	}

	c := setupController(backend, Options{BatchSize: 4, Workers: 4, MaxMissingRetryRounds: 3})
	res := c.Run(context.Background(), makeItems(10), testJob())

	if res.Batches != 3 {
		t.Errorf("Expected 3 batches, got %d", res.Batches)
	}
	if res.RetryRounds != 0 {
		t.Errorf("Expected 0 retry rounds, got %d", res.RetryRounds)
	}
	if res.Placeholders != 0 || len(res.Missing) != 0 {
		t.Errorf("Expected full coverage, got missing %v", res.Missing)
	}
	want := "I01,I02,I03,I04,I05,I06,I07,I08,I09,I10"
	if got := strings.Join(entryIDs(res.Entries), ","); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
	if len(res.Failures) == 0 {
		t.Fatal("Expected the tier-1 failure of batch 2 in the log")
	}
	for _, f := range res.Failures {
		if !strings.HasPrefix(f, "batch#2 [parallel_nonstream/4]: ") {
			t.Errorf("Expected only batch#2 tier-1 failures, got %s", f)
		}
	}
	if res.Model != "A" {
		t.Errorf("Expected model A, got %q", res.Model)
	}
	if strings.Count(res.RawText, rawSeparator) != 3 {
		t.Errorf("Expected 4 raw segments, got %q", res.RawText)
	}
}

func TestRun_PermanentlyMissingGetsPlaceholder(t *testing.T) {
	backend := providertest.New()
	backend.Handler = func(req *provider.Request) providertest.Step {
		return providertest.Reply(entriesFor(idsIn(req.Messages[0].Content), "I02"), "STOP")
	}

	c := setupController(backend, Options{BatchSize: 3, Workers: 2, MaxMissingRetryRounds: 3})
	res := c.Run(context.Background(), makeItems(3), testJob())

	if res.RetryRounds != 3 {
		t.Errorf("Expected 3 retry rounds, got %d", res.RetryRounds)
	}
	if got := strings.Join(entryIDs(res.Entries), ","); got != "I01,I02,I03" {
		t.Fatalf("Expected I01,I02,I03, got %s", got)
	}
	ph := res.Entries[1]
	if ph["placeholder"] != true {
		t.Errorf("Expected I02 to be a placeholder, got %v", ph)
	}
	if ph["seed"] != float64(101) {
		t.Errorf("Expected seed carried over from the item, got %v", ph["seed"])
	}
	if res.MissingReasons["I02"] != "not returned by model after 3 retry rounds" {
		t.Errorf("Unexpected reason %q", res.MissingReasons["I02"])
	}
	if last := res.Failures[len(res.Failures)-1]; last != "filled_placeholders_for_missing: [I02]" {
		t.Errorf("Expected placeholder note last, got %s", last)
	}
	if res.CoveredCount != 2 || res.InputCount != 3 {
		t.Errorf("Expected 2 of 3 covered, got %d of %d", res.CoveredCount, res.InputCount)
	}

	retries := 0
	for _, f := range res.Failures {
		if strings.HasPrefix(f, "retry#") {
			retries++
		}
	}
	if retries != 3 {
		t.Errorf("Expected one failure per retry round, got %d in %v", retries, res.Failures)
	}
}

func TestRun_EscalatesToSerialStream(t *testing.T) {
	backend := providertest.New()
	backend.Handler = func(req *provider.Request) providertest.Step {
		if !req.Stream {
			return providertest.Fail(errors.New("invalid request"))
		}
		return providertest.Events(entriesFor(idsIn(req.Messages[0].Content), ""))
	}

	c := setupController(backend, Options{BatchSize: 5, Workers: 4, MaxMissingRetryRounds: 3})
	res := c.Run(context.Background(), makeItems(2), testJob())

	if len(res.Entries) != 2 || res.Placeholders != 0 {
		t.Fatalf("Expected 2 real entries, got %v", res.Entries)
	}
	for _, prefix := range []string{"batch#1 [parallel_nonstream/4]: ", "batch#1 [parallel_nonstream/2]: "} {
		found := false
		for _, f := range res.Failures {
			if strings.HasPrefix(f, prefix) {
				found = true
			}
		}
		if !found {
			t.Errorf("Expected a failure with prefix %q in %v", prefix, res.Failures)
		}
	}
	for _, f := range res.Failures {
		if strings.HasPrefix(f, "batch#1 [serial_stream]") {
			t.Errorf("Expected serial stream tier to succeed, got %s", f)
		}
	}
	if backend.CallCount("A", true) != 1 {
		t.Errorf("Expected one stream call, got %d", backend.CallCount("A", true))
	}
}

func TestRun_HardFailureStillCoversEveryID(t *testing.T) {
	backend := providertest.New()
	backend.Handler = func(req *provider.Request) providertest.Step {
		return providertest.Fail(errors.New("invalid request"))
	}

	c := setupController(backend, Options{BatchSize: 2, Workers: 2, MaxMissingRetryRounds: 1})
	res := c.Run(context.Background(), makeItems(3), testJob())

	if !hasFailure(res.Failures, "hard_failed_batches=[1 2]") {
		t.Errorf("Expected hard_failed_batches=[1 2], got %v", res.Failures)
	}
	if got := strings.Join(entryIDs(res.Entries), ","); got != "I01,I02,I03" {
		t.Errorf("Expected placeholders for every id, got %s", got)
	}
	if res.Placeholders != 3 || res.Model != "" {
		t.Errorf("Expected 3 placeholders and no model, got %d %q", res.Placeholders, res.Model)
	}
	if res.MissingReasons["I01"] != "not returned by model after 1 retry rounds" {
		t.Errorf("Unexpected reason %q", res.MissingReasons["I01"])
	}
}

func TestRun_SortsBySubIndexAndDropsStrangers(t *testing.T) {
	backend := providertest.New()
	backend.Handler = func(req *provider.Request) providertest.Step {
		return providertest.Reply(`[
			{"id": "I02", "frame_idx": 2},
			{"id": "X99"},
			{"id": "I02", "frame_idx": 1},
			{"prompt": "no id"},
			{"id": "I01", "frame_idx": 1}
		]`, "STOP")
	}

	c := setupController(backend, Options{BatchSize: 5, Workers: 1})
	res := c.Run(context.Background(), makeItems(2), testJob())

	if got := strings.Join(entryIDs(res.Entries), ","); got != "I01,I02,I02" {
		t.Fatalf("Expected I01,I02,I02, got %s", got)
	}
	if res.Entries[1]["frame_idx"] != float64(1) || res.Entries[2]["frame_idx"] != float64(2) {
		t.Errorf("Expected I02 frames in frame_idx order, got %v", res.Entries)
	}
	if !hasFailure(res.Failures, "dropped_unexpected_ids=[X99]") {
		t.Errorf("Expected X99 to be dropped, got %v", res.Failures)
	}
}

func TestRun_LaterBatchCannotReclaimCoveredID(t *testing.T) {
	backend := providertest.New()
	backend.Handler = func(req *provider.Request) providertest.Step {
		ids := idsIn(req.Messages[0].Content)
		// Every batch also answers for I01.
		return providertest.Reply(entriesFor(append(ids, "I01"), ""), "STOP")
	}

	c := setupController(backend, Options{BatchSize: 1, Workers: 4})
	res := c.Run(context.Background(), makeItems(2), testJob())

	count := 0
	for _, e := range res.Entries {
		if e["id"] == "I01" {
			count++
		}
	}
	// Batch 1 lists I01 twice; both belong to it. Batch 2's copy is dropped.
	if count != 2 {
		t.Errorf("Expected 2 entries for I01 from its own batch, got %d", count)
	}
	if !hasFailure(res.Failures, "batch#2 [parallel_nonstream/4]: dropped_already_covered_ids=[I01]") {
		t.Errorf("Expected batch#2 copy of I01 to be dropped, got %v", res.Failures)
	}
}

func hasFailure(failures []string, substr string) bool {
	for _, f := range failures {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}

type mockGenerator struct {
	mu       sync.Mutex
	backoffs []*retry.Profile
	generate func(req generation.Request) generation.Result
}

func (m *mockGenerator) Generate(ctx context.Context, req generation.Request) generation.Result {
	m.mu.Lock()
	m.backoffs = append(m.backoffs, req.Backoff)
	m.mu.Unlock()
	return m.generate(req)
}

func (m *mockGenerator) Stream(ctx context.Context, req generation.Request) generation.StreamResult {
	res := m.Generate(ctx, req)
	return generation.StreamResult{Chunks: generation.TextStream(res.Text), Model: res.Model, Failures: res.Failures}
}

func (m *mockGenerator) Candidates() route.Candidates {
	return route.Candidates{"A"}
}

func TestRun_UsesPerCandidateBackoff(t *testing.T) {
	gen := &mockGenerator{generate: func(req generation.Request) generation.Result {
		return generation.Result{Text: entriesFor(idsIn(req.Prompt.Text), ""), Model: "A"}
	}}
	opts := DefaultOptions
	opts.BatchSize = 2
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewController(gen, WithOptions(opts), WithLogger(logger), WithTracer(noop.NewTracerProvider().Tracer("test")))

	res := c.Run(context.Background(), makeItems(4), testJob())

	if res.CoveredCount != 4 {
		t.Fatalf("Expected 4 covered, got %d", res.CoveredCount)
	}
	if len(gen.backoffs) != 2 {
		t.Fatalf("Expected 2 batch calls, got %d", len(gen.backoffs))
	}
	for i, b := range gen.backoffs {
		if b == nil || *b != retry.PerCandidate {
			t.Errorf("call %d: Expected PerCandidate backoff, got %v", i, b)
		}
	}
}

func TestRun_CancelledReconcileReportsRoundsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := &mockGenerator{generate: func(req generation.Request) generation.Result {
		cancel()
		return generation.Result{Text: entriesFor(idsIn(req.Prompt.Text), "I02"), Model: "A"}
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewController(gen, WithOptions(Options{BatchSize: 3, Workers: 1, MaxMissingRetryRounds: 3}),
		WithLogger(logger), WithTracer(noop.NewTracerProvider().Tracer("test")))

	res := c.Run(ctx, makeItems(3), testJob())

	if res.RetryRounds != 0 {
		t.Errorf("Expected no retry rounds after cancellation, got %d", res.RetryRounds)
	}
	want := "not returned by model; aborted after 0 retry rounds: context canceled"
	if res.MissingReasons["I02"] != want {
		t.Errorf("Expected %q, got %q", want, res.MissingReasons["I02"])
	}
	if !hasFailure(res.Failures, "orchestration aborted") {
		t.Errorf("Expected an abort entry, got %v", res.Failures)
	}
}
