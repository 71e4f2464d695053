// Package worker runs long orchestration jobs in the background on a bounded
// pool and keeps their status queryable.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/vnmchuo/llm-orchestrator/internal/eventbus"
	"github.com/vnmchuo/llm-orchestrator/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("job queue is full")
	ErrPoolClosed  = errors.New("worker pool is not accepting jobs")
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Outcome is what a finished task reports back.
type Outcome struct {
	RunID     string            `json:"run_id,omitempty"`
	Downloads map[string]string `json:"downloads,omitempty"`
	Failures  []string          `json:"failures,omitempty"`
}

// Task is the work behind a job.
type Task func(ctx context.Context) (Outcome, error)

// AsyncJob is a snapshot of a job's state.
type AsyncJob struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	CallbackURL string    `json:"callback_url,omitempty"`
	Status      JobStatus `json:"status"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type queued struct {
	id   string
	task Task
}

type Pool struct {
	mu     sync.RWMutex
	jobs   map[string]*AsyncJob
	queue  chan queued
	closed bool

	workers     int
	timeout     time.Duration
	retention   time.Duration
	maxFinished int
	callbackTry uint
	client      *http.Client
	events      eventbus.Publisher
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithJobTimeout bounds every task. Zero means no bound.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// WithRetention bounds how long a finished job stays queryable and how many
// finished jobs are kept at most.
func WithRetention(d time.Duration, maxFinished int) Option {
	return func(p *Pool) {
		if d > 0 {
			p.retention = d
		}
		if maxFinished > 0 {
			p.maxFinished = maxFinished
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Pool) { p.client = c }
}

func WithEvents(e eventbus.Publisher) Option {
	return func(p *Pool) {
		if e != nil {
			p.events = e
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool creates a pool whose queue holds up to capacity waiting jobs.
func NewPool(capacity int, opts ...Option) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		jobs:        make(map[string]*AsyncJob),
		queue:       make(chan queued, capacity),
		workers:     2,
		retention:   time.Hour,
		maxFinished: 1000,
		callbackTry: 3,
		client:      &http.Client{Timeout: 10 * time.Second},
		events:      eventbus.Nop{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue registers a job and queues its task. It never blocks.
func (p *Pool) Enqueue(ctx context.Context, kind, callbackURL string, task Task) (AsyncJob, error) {
	now := p.now()
	job := &AsyncJob{
		ID:          uuid.NewString(),
		Kind:        kind,
		CallbackURL: callbackURL,
		Status:      JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return AsyncJob{}, ErrPoolClosed
	}
	p.evictLocked()
	select {
	case p.queue <- queued{id: job.ID, task: task}:
		p.jobs[job.ID] = job
	default:
		p.mu.Unlock()
		p.metrics.Job("rejected")
		return AsyncJob{}, ErrQueueFull
	}
	snap := *job
	p.mu.Unlock()

	p.metrics.Job(string(JobStatusPending))
	p.publish(ctx, eventbus.SubjectJobQueued, snap)
	return snap, nil
}

func (p *Pool) Get(id string) (AsyncJob, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	job, ok := p.jobs[id]
	if !ok {
		return AsyncJob{}, ErrJobNotFound
	}
	return *job, nil
}

// Run starts the workers and blocks until ctx is done. Jobs still waiting in
// the queue at that point are marked failed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range p.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case q := <-p.queue:
					p.execute(ctx, q)
				}
			}
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case q := <-p.queue:
			p.finish(context.Background(), q.id, Outcome{}, fmt.Errorf("shutdown before start: %w", context.Cause(ctx)))
		default:
			return err
		}
	}
}

func (p *Pool) execute(ctx context.Context, q queued) {
	p.update(q.id, func(j *AsyncJob) { j.Status = JobStatusRunning })
	p.metrics.Job(string(JobStatusRunning))
	p.publish(ctx, eventbus.SubjectJobStarted, map[string]string{"id": q.id})
	p.logger.Info("job started", "job_id", q.id)

	tctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	out, err := p.safeRun(tctx, q.task)
	p.finish(context.WithoutCancel(ctx), q.id, out, err)
}

func (p *Pool) safeRun(ctx context.Context, task Task) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (p *Pool) finish(ctx context.Context, id string, out Outcome, err error) {
	snap := p.update(id, func(j *AsyncJob) {
		j.Outcome = out
		if err != nil {
			j.Status = JobStatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = JobStatusDone
	})

	subject := eventbus.SubjectJobDone
	if err != nil {
		subject = eventbus.SubjectJobFailed
		p.logger.Error("job failed", "job_id", id, "error", err)
	} else {
		p.logger.Info("job finished", "job_id", id, "run_id", out.RunID)
	}
	p.metrics.Job(string(snap.Status))
	p.publish(ctx, subject, snap)

	if snap.CallbackURL != "" {
		if cerr := p.notify(ctx, snap); cerr != nil {
			p.logger.Warn("job callback failed", "job_id", id, "url", snap.CallbackURL, "error", cerr)
		}
	}
}

func (p *Pool) update(id string, fn func(*AsyncJob)) AsyncJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return AsyncJob{ID: id}
	}
	fn(job)
	job.UpdatedAt = p.now()
	snap := *job
	if job.finished() {
		p.evictLocked()
	}
	return snap
}

func (j *AsyncJob) finished() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

// evictLocked drops finished jobs past their retention, then the oldest
// finished jobs beyond maxFinished. Pending and running jobs are never
// dropped. p.mu must be held.
func (p *Pool) evictLocked() {
	cutoff := p.now().Add(-p.retention)
	var finished []*AsyncJob
	for id, job := range p.jobs {
		if !job.finished() {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			delete(p.jobs, id)
			continue
		}
		finished = append(finished, job)
	}
	if len(finished) <= p.maxFinished {
		return
	}
	slices.SortFunc(finished, func(a, b *AsyncJob) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	for _, job := range finished[:len(finished)-p.maxFinished] {
		delete(p.jobs, job.ID)
	}
}

// notify POSTs the final job snapshot to its callback URL, retrying server
// errors with exponential backoff.
func (p *Pool) notify(ctx context.Context, job AsyncJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("callback returned %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return struct{}{}, backoff.Permanent(fmt.Errorf("callback returned %d", resp.StatusCode))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(p.callbackTry),
	)
	return err
}

func (p *Pool) publish(ctx context.Context, subject string, data any) {
	if err := p.events.Publish(ctx, subject, data); err != nil {
		p.logger.Warn("failed to publish job event", "subject", subject, "error", err)
	}
}
