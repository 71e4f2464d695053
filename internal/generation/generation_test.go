package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/providertest"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
	"go.opentelemetry.io/otel/trace/noop"
)

func setupTest(backend provider.Provider, opts ...Option) *Client {
	base := []Option{
		WithCandidates(route.Candidates{"A", "B", "C"}),
		WithRetry(retry.Policy{Retries: 2}),
		WithStreamReconnectDelay(0),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
	}
	return New(backend, append(base, opts...)...)
}

func hasFailure(failures []string, substr string) bool {
	for _, f := range failures {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}

func TestExtract_Nil(t *testing.T) {
	text, reason := Extract(nil)
	if text != "" || reason != provider.ReasonUnknown {
		t.Errorf("Expected empty UNKNOWN, got %q %s", text, reason)
	}
	var resp *provider.Response
	if text, reason := Extract(resp); text != "" || reason != provider.ReasonUnknown {
		t.Errorf("Expected typed nil to behave like nil, got %q %s", text, reason)
	}
}

func TestGenerate_FirstCandidateStop(t *testing.T) {
	backend := providertest.New().OnComplete("A", providertest.Reply("hello", "STOP"))
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("hi")})

	if res.Model != "A" || res.Text != "hello" {
		t.Errorf("Expected hello from A, got %q from %q", res.Text, res.Model)
	}
	if len(res.Failures) != 0 {
		t.Errorf("Expected empty failure log, got %v", res.Failures)
	}
	if n := len(backend.Calls()); n != 1 {
		t.Errorf("Expected 1 call, got %d", n)
	}
}

func TestGenerate_AllCandidatesFail(t *testing.T) {
	backend := providertest.New().
		OnComplete("A", providertest.Fail(errors.New("boom a"))).
		OnComplete("B", providertest.Fail(errors.New("boom b"))).
		OnComplete("C", providertest.Fail(errors.New("boom c")))
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("hi")})

	if res.OK() || res.Text != "" || res.Model != "" {
		t.Fatalf("Expected exhaustion, got %+v", res)
	}
	want := []string{"A: EXCEPTION boom a", "B: EXCEPTION boom b", "C: EXCEPTION boom c"}
	if len(res.Failures) != len(want) {
		t.Fatalf("Expected %d failures, got %v", len(want), res.Failures)
	}
	for i := range want {
		if res.Failures[i] != want[i] {
			t.Errorf("Failure %d: expected %q, got %q", i, want[i], res.Failures[i])
		}
	}
}

func TestGenerate_ContinuesTruncatedOutput(t *testing.T) {
	backend := providertest.New().OnComplete("A",
		providertest.Reply("part1", "MAX_TOKENS"),
		providertest.Reply("part2", "STOP"),
	)
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("write a lot")})

	if res.Text != "part1part2" || res.Model != "A" {
		t.Errorf("Expected part1part2 from A, got %q from %q", res.Text, res.Model)
	}
	if len(res.Failures) != 0 {
		t.Errorf("Expected empty failure log, got %v", res.Failures)
	}
	calls := backend.Calls()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 calls, got %d", len(calls))
	}
	if !strings.Contains(calls[1].Prompt, DefaultContinuePrompt) || !strings.Contains(calls[1].Prompt, "part1") {
		t.Errorf("Expected continuation prompt carrying prior output, got %q", calls[1].Prompt)
	}
}

func TestGenerate_ContinuationCarriesTail(t *testing.T) {
	backend := providertest.New().OnComplete("A",
		providertest.Reply("abcdefghij", "MAX_TOKENS"),
		providertest.Reply("k", "STOP"),
	)
	c := setupTest(backend)

	c.Generate(context.Background(), Request{
		Prompt: provider.TextPrompt("x"),
		Policy: &Policy{Truncation: TruncationContinue, MaxContinueSegments: 1, ContinueContextChars: 4},
	})

	prompt := backend.Calls()[1].Prompt
	if !strings.Contains(prompt, "\nghij\n") || strings.Contains(prompt, "abcdef") {
		t.Errorf("Expected only the last 4 characters as context, got %q", prompt)
	}
}

func TestGenerate_ContinuationBudget(t *testing.T) {
	backend := providertest.New().OnComplete("A",
		providertest.Reply("a", "MAX_TOKENS"),
		providertest.Reply("b", "MAX_TOKENS"),
		providertest.Reply("c", "UNKNOWN"),
		providertest.Reply("never", "STOP"),
	)
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{
		Prompt: provider.TextPrompt("x"),
		Policy: &Policy{Truncation: TruncationContinue, MaxContinueSegments: 2},
	})

	if res.Text != "abc" || res.Model != "A" {
		t.Errorf("Expected degraded success abc from A, got %q from %q", res.Text, res.Model)
	}
	if n := backend.CallCount("A", false); n != 3 {
		t.Errorf("Expected 1 call plus 2 follow-ups, got %d", n)
	}
}

func TestGenerate_EmptyContinuationFallsThrough(t *testing.T) {
	backend := providertest.New().
		OnComplete("A", providertest.Reply("p1", "MAX_TOKENS"), providertest.Reply("", "STOP")).
		OnComplete("B", providertest.Reply("from b", "STOP"))
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("x")})

	if res.Model != "B" || res.Text != "from b" {
		t.Errorf("Expected fallback to B, got %q from %q", res.Text, res.Model)
	}
	if !hasFailure(res.Failures, "A: finish_reason=TRUNCATED, empty_continuation_segment=1") {
		t.Errorf("Expected empty continuation failure, got %v", res.Failures)
	}
}

func TestGenerate_RaisePolicy(t *testing.T) {
	backend := providertest.New().
		OnComplete("A", providertest.Reply("12345", "MAX_TOKENS")).
		OnComplete("B", providertest.Reply("done", "STOP"))
	c := setupTest(backend, WithPolicy(Policy{Truncation: TruncationRaise}))

	res := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("x")})

	if res.Model != "B" {
		t.Errorf("Expected B, got %q", res.Model)
	}
	if !hasFailure(res.Failures, "A: finish_reason=TRUNCATED, partial_len=5") {
		t.Errorf("Expected partial_len failure, got %v", res.Failures)
	}
}

func TestGenerate_ReturnPolicy(t *testing.T) {
	backend := providertest.New().OnComplete("A", providertest.Reply("partial", "MAX_TOKENS"))
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{
		Prompt: provider.TextPrompt("x"),
		Policy: &Policy{Truncation: TruncationReturn},
	})

	if res.Text != "partial" || res.Model != "A" {
		t.Errorf("Expected partial text from A, got %q from %q", res.Text, res.Model)
	}
	if n := len(backend.Calls()); n != 1 {
		t.Errorf("Expected no follow-up calls, got %d calls", n)
	}
}

func TestGenerate_EmptyFirstChunk(t *testing.T) {
	backend := providertest.New().
		OnComplete("A", providertest.Reply("", "MAX_TOKENS")).
		OnComplete("B", providertest.Reply("ok", "STOP"))
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("x")})

	if res.Model != "B" {
		t.Errorf("Expected B, got %q", res.Model)
	}
	if !hasFailure(res.Failures, "A: finish_reason=TRUNCATED, empty_first_chunk") {
		t.Errorf("Expected empty_first_chunk failure, got %v", res.Failures)
	}
}

func TestGenerate_EmptyStopIsRepaired(t *testing.T) {
	backend := providertest.New().OnComplete("A",
		providertest.Reply("", "STOP"),
		providertest.Reply(`[{"id":1}]`, "STOP"),
	)
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("list")})

	if res.Text != `[{"id":1}]` || res.Model != "A" {
		t.Errorf("Expected repaired JSON from A, got %q from %q", res.Text, res.Model)
	}
	if !hasFailure(res.Failures, "A: finish_reason=STOP, empty_text") {
		t.Errorf("Expected empty_text failure, got %v", res.Failures)
	}
	repair := backend.Calls()[1]
	if repair.Config.ResponseMIMEType != provider.MIMETypeJSON {
		t.Errorf("Expected repair call in JSON mode, got %q", repair.Config.ResponseMIMEType)
	}
	if !strings.Contains(repair.Prompt, jsonArrayInstruction) {
		t.Errorf("Expected repair instruction in prompt, got %q", repair.Prompt)
	}
}

func TestGenerate_EmptyStopRepairFails(t *testing.T) {
	backend := providertest.New().
		OnComplete("A", providertest.Reply("", "STOP"), providertest.Reply(" ", "STOP")).
		OnComplete("B", providertest.Reply("ok", "STOP"))
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("x")})

	if res.Model != "B" {
		t.Errorf("Expected B, got %q", res.Model)
	}
	if !hasFailure(res.Failures, "A: patch_empty_text (finish_reason=STOP)") {
		t.Errorf("Expected patch_empty_text failure, got %v", res.Failures)
	}
}

func TestGenerate_RetriesTransientErrors(t *testing.T) {
	backend := providertest.New().OnComplete("A",
		providertest.Fail(errors.New("code: 503 UNAVAILABLE")),
		providertest.Fail(errors.New("rate limit exceeded")),
		providertest.Reply("ok", "STOP"),
	)
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("x")})

	if res.Model != "A" || len(res.Failures) != 0 {
		t.Errorf("Expected retried success on A with no failures, got %+v", res)
	}
	if n := backend.CallCount("A", false); n != 3 {
		t.Errorf("Expected 3 calls, got %d", n)
	}
}

func TestGenerate_RequestScopedCandidates(t *testing.T) {
	backend := providertest.New().OnComplete("X", providertest.Fail(errors.New("nope")))
	c := setupTest(backend)

	res := c.Generate(context.Background(), Request{
		Prompt:     provider.TextPrompt("x"),
		Candidates: route.Candidates{"X"},
	})

	if res.OK() {
		t.Fatalf("Expected exhaustion, got %+v", res)
	}
	for _, call := range backend.Calls() {
		if call.Model != "X" {
			t.Errorf("Expected only X to be called, got %s", call.Model)
		}
	}
	if got := c.Candidates(); len(got) != 3 || got[0] != "A" {
		t.Errorf("Expected client candidates untouched, got %v", got)
	}
}

func TestGenerate_ContextCancelled(t *testing.T) {
	backend := providertest.New()
	c := setupTest(backend)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Generate(ctx, Request{Prompt: provider.TextPrompt("x")})

	if res.OK() {
		t.Fatal("Expected no result after cancellation")
	}
	if !hasFailure(res.Failures, "orchestration aborted") {
		t.Errorf("Expected abort failure, got %v", res.Failures)
	}
	if n := len(backend.Calls()); n != 0 {
		t.Errorf("Expected no backend calls, got %d", n)
	}
}

func TestGenerate_SkipsOpenCircuit(t *testing.T) {
	backend := providertest.New().
		OnComplete("A", providertest.Fail(errors.New("503")), providertest.Fail(errors.New("503")), providertest.Fail(errors.New("503"))).
		OnComplete("B", providertest.Reply("ok", "STOP"), providertest.Reply("ok", "STOP"))
	c := setupTest(backend, WithBreakers(route.NewBreakers(3, time.Minute)))

	first := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("x")})
	if first.Model != "B" {
		t.Fatalf("Expected B after A exhausted retries, got %q", first.Model)
	}

	second := c.Generate(context.Background(), Request{Prompt: provider.TextPrompt("x")})
	if second.Model != "B" {
		t.Errorf("Expected B, got %q", second.Model)
	}
	if len(second.Failures) == 0 || second.Failures[0] != "A: CIRCUIT_OPEN" {
		t.Errorf("Expected A to be skipped as CIRCUIT_OPEN, got %v", second.Failures)
	}
}

func TestChat_NormalizesRoles(t *testing.T) {
	var roles []string
	backend := providertest.New()
	backend.Handler = func(req *provider.Request) providertest.Step {
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}
		return providertest.Reply("hi", "STOP")
	}
	c := setupTest(backend)

	res := c.Chat(context.Background(), []provider.Message{
		{Role: "system", Content: "s"},
		{Role: "user", Content: "u"},
		{Role: "assistant", Content: "a"},
		{Role: "Model", Content: "m"},
	}, provider.GenerationConfig{}, nil)

	if res.Text != "hi" {
		t.Fatalf("Expected hi, got %q", res.Text)
	}
	want := []string{"user", "user", "model", "model"}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("Role %d: expected %s, got %s", i, want[i], roles[i])
		}
	}
}

func TestParseTruncationPolicy(t *testing.T) {
	if p, err := ParseTruncationPolicy(""); err != nil || p != TruncationContinue {
		t.Errorf("Expected empty to default to continue, got %s %v", p, err)
	}
	if _, err := ParseTruncationPolicy("skip"); err == nil {
		t.Error("Expected unknown policy to fail")
	}
}

func TestGenerate_RequestBackoffOverridesClient(t *testing.T) {
	backend := providertest.New().OnComplete("A",
		providertest.Fail(errors.New("503 unavailable")),
		providertest.Reply("ok", "STOP"),
	)
	slow := retry.Profile{Base: time.Hour, Factor: 1, Cap: time.Hour}
	c := setupTest(backend, WithRetry(retry.Policy{Profile: slow, Retries: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := c.Generate(ctx, Request{Prompt: provider.TextPrompt("x"), Backoff: &retry.Profile{}})

	if res.Model != "A" || res.Text != "ok" {
		t.Fatalf("Expected ok from A after one quick retry, got %+v", res)
	}
	if n := backend.CallCount("A", false); n != 2 {
		t.Errorf("Expected 2 calls, got %d", n)
	}
}
