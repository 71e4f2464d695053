package generation

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StreamResult is what Stream hands back: a chunk sequence that is already
// known to produce at least one chunk, or an empty one when every candidate
// failed.
type StreamResult struct {
	Chunks   *ChunkStream
	Model    string
	Failures []string
}

func (r StreamResult) OK() bool {
	return r.Model != ""
}

// ChunkStream replays a buffered first chunk and then forwards the rest of
// the backend stream. It is not safe for concurrent use. Close cancels the
// underlying backend call; consumers that stop early must call it.
type ChunkStream struct {
	pending    string
	hasPending bool
	src        <-chan *provider.Chunk
	cancel     context.CancelFunc
	finish     string
	err        error
	closed     bool
}

func newChunkStream(first, finish string, src <-chan *provider.Chunk, cancel context.CancelFunc) *ChunkStream {
	return &ChunkStream{pending: first, hasPending: true, src: src, cancel: cancel, finish: finish}
}

// TextStream wraps already generated text as a one-chunk stream. Blank text
// gives an empty stream.
func TextStream(text string) *ChunkStream {
	if text == "" {
		return emptyStream()
	}
	return &ChunkStream{pending: text, hasPending: true}
}

func emptyStream() *ChunkStream {
	return &ChunkStream{closed: true}
}

// Next returns the next non-empty chunk, or false once the stream has ended.
func (s *ChunkStream) Next() (string, bool) {
	if s == nil || s.closed && !s.hasPending {
		return "", false
	}
	if s.hasPending {
		s.hasPending = false
		return s.pending, true
	}
	if s.src == nil {
		s.Close()
		return "", false
	}
	for chunk := range s.src {
		if chunk.Err != nil {
			s.err = chunk.Err
			s.Close()
			return "", false
		}
		if chunk.FinishReason != "" {
			s.finish = chunk.FinishReason
		}
		if chunk.Done {
			break
		}
		if chunk.Delta != "" {
			return chunk.Delta, true
		}
	}
	s.Close()
	return "", false
}

// All adapts the stream to a range-over-func sequence. Breaking out of the
// loop closes the stream.
func (s *ChunkStream) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		defer s.Close()
		for {
			chunk, ok := s.Next()
			if !ok || !yield(chunk) {
				return
			}
		}
	}
}

// Collect drains the stream into one string.
func (s *ChunkStream) Collect() (string, error) {
	var b strings.Builder
	for chunk := range s.All() {
		b.WriteString(chunk)
	}
	return b.String(), s.Err()
}

// Err reports a backend error that ended the stream early.
func (s *ChunkStream) Err() error {
	if s == nil {
		return nil
	}
	return s.err
}

func (s *ChunkStream) TerminalReason() provider.TerminalReason {
	if s == nil {
		return provider.ReasonUnknown
	}
	return provider.NormalizeFinishReason(s.finish)
}

func (s *ChunkStream) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Stream opens a streaming call on each candidate in turn. A candidate whose
// stream yields no first chunk gets one reconnect after a short delay, then a
// non-streaming warm-up call, before the next candidate is tried.
func (c *Client) Stream(ctx context.Context, req Request) StreamResult {
	ctx, span := c.tracer.Start(ctx, "generation.Stream")
	defer span.End()

	cfg := req.Config.Merge(c.defaults)
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

		breq := &provider.Request{
			Model:            model,
			Messages:         req.Prompt.ToMessages(),
			GenerationConfig: cfg,
			Stream:           true,
			RequestID:        provider.RequestIDFrom(ctx),
		}

		stream, err := c.openAndPeek(ctx, breq)
		if stream == nil {
			if serr := retry.Sleep(ctx, c.reconnectDelay); serr != nil {
				failures = append(failures, fmt.Sprintf("orchestration aborted: %v", serr))
				break
			}
			stream, err = c.openAndPeek(ctx, breq)
		}
		if stream != nil {
			c.metrics.CandidateAttempt(model, "success")
			span.SetAttributes(attribute.String("generation.model", model), attribute.Bool("generation.streamed", true))
			return StreamResult{Chunks: stream, Model: model, Failures: failures}
		}

		detail := "stream_no_events"
		if err != nil {
			detail = fmt.Sprintf("stream_no_events (%v)", err)
		}
		failures = append(failures, fmt.Sprintf("%s: STREAM_FAIL %s", model, detail))

		text, fail := c.warmUp(ctx, breq)
		if fail == "" {
			c.metrics.CandidateAttempt(model, "success")
			span.SetAttributes(attribute.String("generation.model", model), attribute.Bool("generation.streamed", false))
			return StreamResult{Chunks: TextStream(text), Model: model, Failures: failures}
		}
		failures = append(failures, fmt.Sprintf("%s: NON_STREAM_FAIL %s", model, fail))
		c.metrics.CandidateAttempt(model, "failed")
		c.logger.Warn("stream candidate failed", "model", model, "detail", detail, "warmup", fail)
	}

	span.SetStatus(codes.Error, "all candidates exhausted")
	c.logger.Error("all stream candidates exhausted", "failures", len(failures))
	return StreamResult{Chunks: emptyStream(), Failures: failures}
}

// openAndPeek opens a stream and waits for its first non-empty chunk. It
// returns nil when the stream ended, failed or produced nothing.
func (c *Client) openAndPeek(ctx context.Context, req *provider.Request) (*ChunkStream, error) {
	sctx, cancel := context.WithCancel(ctx)
	ch, err := c.backend.CompleteStream(sctx, req)
	if err != nil {
		cancel()
		c.breakers.Record(req.Model, err)
		return nil, err
	}

	var finish string
	for chunk := range ch {
		if chunk.Err != nil {
			cancel()
			c.breakers.Record(req.Model, chunk.Err)
			return nil, chunk.Err
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Done {
			break
		}
		if chunk.Delta != "" {
			c.breakers.Record(req.Model, nil)
			return newChunkStream(chunk.Delta, finish, ch, cancel), nil
		}
	}
	cancel()
	return nil, nil
}

func (c *Client) warmUp(ctx context.Context, req *provider.Request) (string, string) {
	warm := *req
	warm.Stream = false
	resp, err := c.breakers.Execute(req.Model, func() (*provider.Response, error) {
		return c.backend.Complete(ctx, &warm)
	})
	if err != nil {
		return "", err.Error()
	}
	text, _ := Extract(resp)
	if strings.TrimSpace(text) == "" {
		return "", "single_shot_empty"
	}
	return text, ""
}
