// Package eventbus publishes run and job lifecycle events to NATS.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	SubjectJobQueued    = "orchestrator.jobs.queued"
	SubjectJobStarted   = "orchestrator.jobs.started"
	SubjectJobDone      = "orchestrator.jobs.done"
	SubjectJobFailed    = "orchestrator.jobs.failed"
	SubjectRunSaved     = "orchestrator.runs.saved"
	SubjectRunExhausted = "orchestrator.runs.exhausted"
)

// Event wraps a payload with metadata.
type Event struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
	Close()
}

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type NATSPublisher struct {
	nc     conn
	logger *slog.Logger
}

// Connect dials NATS. An empty url yields a publisher that drops events.
func Connect(url string, logger *slog.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("llm-orchestrator"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(3),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newPublisher(nc, logger), nil
}

func newPublisher(nc conn, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{nc: nc, logger: logger}
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Encode(subject, data)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.Warn("failed to publish event", "subject", subject, "error", err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("failed to drain nats connection", "error", err)
	}
}

// Encode builds the wire form of an event.
func Encode(subject string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", subject, err)
	}
	return json.Marshal(Event{
		ID:        uuid.NewString(),
		Subject:   subject,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	})
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() {}
