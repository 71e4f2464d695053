package generation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Generate walks the candidate list until one model yields usable text.
// It never returns an error: exhaustion is a Result with an empty Model and
// the failure log.
func (c *Client) Generate(ctx context.Context, req Request) Result {
	ctx, span := c.tracer.Start(ctx, "generation.Generate")
	defer span.End()

	cfg := req.Config.Merge(c.defaults)
	policy := c.policyFor(req)
	rp := c.retryFor(req)
	var failures []string

	for _, model := range c.candidatesFor(req) {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("orchestration aborted: %v", err))
			break
		}
		if !c.breakers.Allow(model) {
			failures = append(failures, fmt.Sprintf("%s: CIRCUIT_OPEN", model))
			c.metrics.CandidateAttempt(model, "circuit_open")
			continue
		}

		text, ok, fs := c.attempt(ctx, rp, model, req.Prompt, cfg, policy)
		failures = append(failures, fs...)
		if ok {
			c.metrics.CandidateAttempt(model, "success")
			span.SetAttributes(
				attribute.String("generation.model", model),
				attribute.Int("generation.failures", len(failures)),
			)
			return Result{Text: text, Model: model, Failures: failures}
		}
		c.metrics.CandidateAttempt(model, "failed")
		c.logger.Warn("candidate failed", "model", model, "failures", fs)
	}

	span.SetStatus(codes.Error, "all candidates exhausted")
	span.SetAttributes(attribute.Int("generation.failures", len(failures)))
	c.logger.Error("all candidates exhausted", "failures", len(failures))
	return Result{Failures: failures}
}

// attempt runs the per-candidate state machine: first call, then
// continuation or the empty-text repair depending on the terminal reason.
func (c *Client) attempt(ctx context.Context, rp retry.Policy, model string, prompt provider.Prompt, cfg provider.GenerationConfig, policy Policy) (string, bool, []string) {
	resp, err := c.call(ctx, rp, model, prompt, cfg)
	if err != nil {
		return "", false, []string{fmt.Sprintf("%s: EXCEPTION %v", model, err)}
	}

	text, reason := Extract(resp)
	blank := strings.TrimSpace(text) == ""

	if reason == provider.ReasonStop {
		if !blank {
			return text, true, nil
		}
		return c.repairEmpty(ctx, rp, model, prompt, cfg, reason)
	}

	// TRUNCATED and UNKNOWN are handled alike.
	if blank {
		return "", false, []string{fmt.Sprintf("%s: finish_reason=%s, empty_first_chunk", model, reason)}
	}
	switch policy.Truncation {
	case TruncationReturn:
		return text, true, nil
	case TruncationRaise:
		return "", false, []string{fmt.Sprintf("%s: finish_reason=%s, partial_len=%d", model, reason, utf8.RuneCountInString(text))}
	}
	return c.continueOutput(ctx, rp, model, text, reason, cfg, policy)
}

// continueOutput issues up to MaxContinueSegments follow-up calls, each
// carrying the tail of the output so far, and appends their text verbatim.
func (c *Client) continueOutput(ctx context.Context, rp retry.Policy, model, first string, reason provider.TerminalReason, cfg provider.GenerationConfig, policy Policy) (string, bool, []string) {
	var buf strings.Builder
	buf.WriteString(first)

	for seg := 1; seg <= policy.MaxContinueSegments; seg++ {
		c.metrics.ContinuationSegment()
		resp, err := c.call(ctx, rp, model, provider.TextPrompt(c.continuationPrompt(buf.String(), policy.ContinueContextChars)), cfg)
		if err != nil {
			return "", false, []string{fmt.Sprintf("%s: EXCEPTION %v (continuation segment %d)", model, err, seg)}
		}

		segText, segReason := Extract(resp)
		if strings.TrimSpace(segText) == "" {
			return "", false, []string{fmt.Sprintf("%s: finish_reason=%s, empty_continuation_segment=%d", model, reason, seg)}
		}
		buf.WriteString(segText)

		if segReason == provider.ReasonStop {
			c.logger.Debug("continuation completed", "model", model, "segments", seg, "chars", buf.Len())
			return buf.String(), true, nil
		}
	}

	if strings.TrimSpace(buf.String()) == "" {
		return "", false, []string{fmt.Sprintf("%s: finish_reason=%s, parts_empty_after_continue", model, reason)}
	}
	c.logger.Warn("continuation budget exhausted, keeping partial output",
		"model", model, "segments", policy.MaxContinueSegments, "chars", buf.Len())
	return buf.String(), true, nil
}

func (c *Client) continuationPrompt(soFar string, contextChars int) string {
	return fmt.Sprintf("%s\n\n--- previous output ---\n%s\n--- continue ---", c.continuePrompt, tail(soFar, contextChars))
}

// repairEmpty retries once in JSON response mode after a natural stop
// produced no text.
func (c *Client) repairEmpty(ctx context.Context, rp retry.Policy, model string, prompt provider.Prompt, cfg provider.GenerationConfig, reason provider.TerminalReason) (string, bool, []string) {
	failures := []string{fmt.Sprintf("%s: finish_reason=%s, empty_text", model, reason)}

	jsonCfg := cfg
	jsonCfg.ResponseMIMEType = provider.MIMETypeJSON
	resp, err := c.call(ctx, rp, model, withInstruction(prompt, jsonArrayInstruction), jsonCfg)
	if err != nil {
		return "", false, append(failures, fmt.Sprintf("%s: patch_retry_exception %v", model, err))
	}

	text, patchedReason := Extract(resp)
	if strings.TrimSpace(text) == "" {
		return "", false, append(failures, fmt.Sprintf("%s: patch_empty_text (finish_reason=%s)", model, patchedReason))
	}
	return text, true, failures
}

func withInstruction(p provider.Prompt, instruction string) provider.Prompt {
	if len(p.Messages) > 0 {
		msgs := p.ToMessages()
		return provider.Prompt{Messages: append(msgs, provider.Message{Role: provider.RoleUser, Content: instruction})}
	}
	return provider.TextPrompt(p.Text + "\n\n" + instruction)
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-n:])
}
