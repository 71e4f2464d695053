// Package providertest provides a deterministic provider for orchestration
// tests.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
)

// Step is one scripted backend answer.
type Step struct {
	Text   string
	Reason string
	Err    error

	// Chunks is what a streaming call emits. An empty slice means the stream
	// opens and closes without events.
	Chunks    []string
	StreamErr error
}

func Reply(text, reason string) Step {
	return Step{Text: text, Reason: reason}
}

func Fail(err error) Step {
	return Step{Err: err}
}

func Events(chunks ...string) Step {
	return Step{Chunks: chunks, Reason: "STOP"}
}

type Call struct {
	Model     string
	Stream    bool
	Prompt    string
	Config    provider.GenerationConfig
	RequestID string
}

// Scripted answers calls from per-model queues. When a queue is empty the
// optional Handler is consulted; otherwise the call fails.
type Scripted struct {
	mu       sync.Mutex
	complete map[string][]Step
	stream   map[string][]Step
	calls    []Call

	Handler func(req *provider.Request) Step
}

func New() *Scripted {
	return &Scripted{
		complete: make(map[string][]Step),
		stream:   make(map[string][]Step),
	}
}

func (s *Scripted) OnComplete(model string, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete[model] = append(s.complete[model], steps...)
	return s
}

func (s *Scripted) OnStream(model string, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream[model] = append(s.stream[model], steps...)
	return s
}

func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) CallCount(model string, stream bool) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Model == model && c.Stream == stream {
			n++
		}
	}
	return n
}

func promptText(req *provider.Request) string {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

func (s *Scripted) next(queue map[string][]Step, req *provider.Request, stream bool) (Step, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Model: req.Model, Stream: stream, Prompt: promptText(req), Config: req.GenerationConfig, RequestID: req.RequestID})
	steps := queue[req.Model]
	if len(steps) > 0 {
		queue[req.Model] = steps[1:]
		s.mu.Unlock()
		return steps[0], nil
	}
	handler := s.Handler
	s.mu.Unlock()

	if handler != nil {
		return handler(req), nil
	}
	return Step{}, fmt.Errorf("scripted: no step left for model %s", req.Model)
}

func (s *Scripted) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step, err := s.next(s.complete, req, false)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &provider.Response{
		Candidates: []provider.Candidate{{Parts: []provider.Part{{Text: step.Text}}, FinishReason: step.Reason}},
		Model:      req.Model,
		Provider:   s.Name(),
	}, nil
}

func (s *Scripted) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	step, err := s.next(s.stream, req, true)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		send := func(c *provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for i, text := range step.Chunks {
			c := &provider.Chunk{Delta: text}
			if i == len(step.Chunks)-1 {
				c.FinishReason = step.Reason
			}
			if !send(c) {
				return
			}
		}
		if step.StreamErr != nil {
			send(&provider.Chunk{Err: step.StreamErr})
			return
		}
		send(&provider.Chunk{Done: true})
	}()
	return ch, nil
}

func (s *Scripted) Name() string {
	return "scripted"
}

func (s *Scripted) Supports(model string) bool {
	return true
}
