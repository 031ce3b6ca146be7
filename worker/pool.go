// Package worker runs the pipeline executor against the job queue.
//
// A Pool is N competing consumers over one vtq queue. Each consumer claims a
// message, runs the executor with the job id it carries and acks once the
// document is terminal. Infrastructure errors nack the message so another
// consumer, or the same one later, retries it. While a job runs its message
// visibility is extended periodically so long analyses are not redelivered.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/textmill/kit"
	"github.com/hazyhaar/textmill/observability"
	"github.com/hazyhaar/textmill/pipeline"
	"github.com/hazyhaar/textmill/vtq"
)

// Executor processes one job id. *pipeline.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Pool supervises the consumer loops.
type Pool struct {
	q         *vtq.Q
	exec      Executor
	workers   int
	heartbeat time.Duration
	logger    *slog.Logger
	metrics   *observability.MetricsManager

	inFlight atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of consumer loops. Default 2.
func WithWorkers(n int) Option {
	return func(p *Pool) { p.workers = n }
}

// WithHeartbeat sets how often a running job's visibility is extended.
// Default: a third of the queue visibility.
func WithHeartbeat(d time.Duration) Option {
	return func(p *Pool) { p.heartbeat = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics counts handled, dropped and retried messages.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a pool over q.
func NewPool(q *vtq.Q, exec Executor, opts ...Option) *Pool {
	p := &Pool{
		q:       q,
		exec:    exec,
		workers: 2,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	if p.heartbeat <= 0 {
		p.heartbeat = q.Visibility() / 3
	}
	return p
}

// InFlight is the number of jobs currently executing.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Run blocks until ctx is cancelled. Jobs in progress when ctx ends are
// abandoned unacked and redelivered after the visibility timeout.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool: started", "workers", p.workers, "heartbeat", p.heartbeat)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.q.Run(gctx, p.handle)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool: stopped")
	return err
}

func (p *Pool) handle(ctx context.Context, job *vtq.Job) error {
	jobID := string(job.Payload)
	log := p.logger.With("job_id", jobID, "msg_id", job.ID, "attempt", job.Attempts)

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go p.keepAlive(hbCtx, job.ID)

	ctx = kit.WithJobID(kit.WithTransport(ctx, "queue"), jobID)
	start := time.Now()
	err := p.exec.Execute(ctx, jobID)
	switch {
	case err == nil:
		log.Debug("worker: job handled", "duration", time.Since(start))
		p.count("handled")
		return nil
	case errors.Is(err, pipeline.ErrJobNotFound):
		// Nothing can ever satisfy this message.
		log.Warn("worker: dropping message for unknown job")
		p.count("dropped")
		return nil
	default:
		p.count("retried")
		return fmt.Errorf("execute %s: %w", jobID, err)
	}
}

func (p *Pool) keepAlive(ctx context.Context, msgID string) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.q.Extend(ctx, msgID, p.q.Visibility()); err != nil && ctx.Err() == nil {
				p.logger.Warn("worker: extend visibility", "msg_id", msgID, "error", err)
			}
		}
	}
}

func (p *Pool) count(outcome string) {
	if p.metrics != nil {
		p.metrics.Count(observability.MetricWorkerMessages, map[string]string{"outcome": outcome})
	}
}

// Failer marks a job FAILED. *pipeline.Executor implements it.
type Failer interface {
	Fail(ctx context.Context, jobID, msg string) error
}

// DiscardHandler returns a vtq OnDiscard callback that fails the document
// whose message exhausted its delivery attempts, so it does not sit PENDING
// forever. The message's last error is kept in the failure text.
func DiscardHandler(f Failer, maxAttempts int, events *observability.EventLogger, logger *slog.Logger) func(context.Context, *vtq.Job) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job *vtq.Job) {
		jobID := string(job.Payload)
		msg := fmt.Sprintf("Unexpected error during analysis: gave up after %d attempts", maxAttempts)
		if job.LastError != "" {
			msg += ": " + job.LastError
		}
		ctx = context.WithoutCancel(ctx)
		if err := f.Fail(ctx, jobID, msg); err != nil && !errors.Is(err, pipeline.ErrJobNotFound) {
			logger.Error("worker: fail discarded job", "job_id", jobID, "error", err)
		}
		if events != nil {
			events.Log(ctx, observability.JobEvent{
				JobID:   jobID,
				Action:  observability.ActionDiscarded,
				Details: fmt.Sprintf(`{"attempts":%d}`, job.Attempts),
			})
		}
	}
}
