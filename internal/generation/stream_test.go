package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/providertest"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
)

func TestStream_ReplaysFirstChunk(t *testing.T) {
	backend := providertest.New().OnStream("A", providertest.Events("a", "b", "c"))
	c := setupTest(backend)

	res := c.Stream(context.Background(), Request{Prompt: provider.TextPrompt("x")})
	if res.Model != "A" || len(res.Failures) != 0 {
		t.Fatalf("Expected clean stream from A, got %+v", res)
	}

	text, err := res.Chunks.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if text != "abc" {
		t.Errorf("Expected abc with the peeked chunk replayed, got %q", text)
	}
	if res.Chunks.TerminalReason() != provider.ReasonStop {
		t.Errorf("Expected STOP, got %s", res.Chunks.TerminalReason())
	}
}

func TestStream_ReconnectsOnce(t *testing.T) {
	backend := providertest.New().OnStream("A", providertest.Events(), providertest.Events("late"))
	c := setupTest(backend)

	res := c.Stream(context.Background(), Request{Prompt: provider.TextPrompt("x")})

	if res.Model != "A" || len(res.Failures) != 0 {
		t.Fatalf("Expected A after reconnect, got %+v", res)
	}
	if n := backend.CallCount("A", true); n != 2 {
		t.Errorf("Expected 2 stream opens, got %d", n)
	}
	if text, _ := res.Chunks.Collect(); text != "late" {
		t.Errorf("Expected late, got %q", text)
	}
}

func TestStream_WarmUpAfterSilentStreams(t *testing.T) {
	backend := providertest.New().
		OnStream("A", providertest.Events(), providertest.Events()).
		OnComplete("A", providertest.Reply("warm", "STOP"))
	c := setupTest(backend)

	res := c.Stream(context.Background(), Request{Prompt: provider.TextPrompt("x")})

	if res.Model != "A" {
		t.Fatalf("Expected A via warm-up, got %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0] != "A: STREAM_FAIL stream_no_events" {
		t.Errorf("Expected one STREAM_FAIL entry, got %v", res.Failures)
	}
	if text, _ := res.Chunks.Collect(); text != "warm" {
		t.Errorf("Expected warm-up text as a single chunk, got %q", text)
	}
}

func TestStream_FallsThroughCandidates(t *testing.T) {
	backend := providertest.New().
		OnStream("A", providertest.Fail(errors.New("refused")), providertest.Events()).
		OnComplete("A", providertest.Reply("", "STOP")).
		OnStream("B", providertest.Events("from b"))
	c := setupTest(backend)

	res := c.Stream(context.Background(), Request{Prompt: provider.TextPrompt("x")})

	if res.Model != "B" {
		t.Fatalf("Expected B, got %+v", res)
	}
	if !hasFailure(res.Failures, "A: STREAM_FAIL stream_no_events") {
		t.Errorf("Expected STREAM_FAIL for A, got %v", res.Failures)
	}
	if !hasFailure(res.Failures, "A: NON_STREAM_FAIL single_shot_empty") {
		t.Errorf("Expected NON_STREAM_FAIL for A, got %v", res.Failures)
	}
}

func TestStream_Exhausted(t *testing.T) {
	backend := providertest.New()
	c := setupTest(backend)

	res := c.Stream(context.Background(), Request{Prompt: provider.TextPrompt("x")})

	if res.OK() {
		t.Fatalf("Expected exhaustion, got %+v", res)
	}
	if _, ok := res.Chunks.Next(); ok {
		t.Error("Expected exhausted stream to yield nothing")
	}
	if len(res.Failures) != 6 {
		t.Errorf("Expected STREAM_FAIL and NON_STREAM_FAIL per candidate, got %v", res.Failures)
	}
}

func TestStream_MidStreamError(t *testing.T) {
	backend := providertest.New().OnStream("A", providertest.Step{Chunks: []string{"a"}, StreamErr: errors.New("connection reset")})
	c := setupTest(backend)

	res := c.Stream(context.Background(), Request{Prompt: provider.TextPrompt("x")})
	text, err := res.Chunks.Collect()

	if text != "a" {
		t.Errorf("Expected chunk before the error, got %q", text)
	}
	if err == nil {
		t.Error("Expected mid-stream error to surface through Err")
	}
}

func TestStream_CloseStopsConsumption(t *testing.T) {
	backend := providertest.New().OnStream("A", providertest.Events("1", "2", "3", "4"))
	c := setupTest(backend)

	res := c.Stream(context.Background(), Request{Prompt: provider.TextPrompt("x")})
	for chunk := range res.Chunks.All() {
		if chunk == "1" {
			break
		}
	}

	if _, ok := res.Chunks.Next(); ok {
		t.Error("Expected closed stream to yield nothing")
	}
	if n := len(backend.Calls()); n != 1 {
		t.Errorf("Expected no calls after the consumer stopped, got %d", n)
	}
}

func TestStream_SuccessResetsBreaker(t *testing.T) {
	unavailable := errors.New("503 unavailable")
	backend := providertest.New().OnStream("A",
		providertest.Fail(unavailable), providertest.Events("one"),
		providertest.Events("two"),
		providertest.Fail(unavailable), providertest.Events("three"),
	)
	breakers := route.NewBreakers(2, time.Minute)
	c := setupTest(backend, WithBreakers(breakers))

	for i, want := range []string{"one", "two", "three"} {
		res := c.Stream(context.Background(), Request{Prompt: provider.TextPrompt("x")})
		if res.Model != "A" {
			t.Fatalf("Stream %d: Expected A, got %+v", i+1, res)
		}
		if text, _ := res.Chunks.Collect(); text != want {
			t.Errorf("Stream %d: Expected %q, got %q", i+1, want, text)
		}
	}

	if state := breakers.State("A"); state != "closed" {
		t.Errorf("Expected breaker closed after healthy streams, got %s", state)
	}
}
