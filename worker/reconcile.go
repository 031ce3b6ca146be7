package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/textmill/docstore"
	"github.com/hazyhaar/textmill/observability"
	"github.com/hazyhaar/textmill/vtq"
)

// Reconciler finds PENDING documents that have no queue message and
// publishes one for them. Submission writes the document and its message in
// one transaction, so orphans only appear after manual queue surgery or a
// restore from backup.
type Reconciler struct {
	store    *docstore.Store
	q        *vtq.Q
	interval time.Duration
	grace    time.Duration
	batch    int
	logger   *slog.Logger
	events   *observability.EventLogger
	metrics  *observability.MetricsManager
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithInterval sets the sweep period. Zero or negative disables Run.
func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.interval = d }
}

// WithGrace skips documents younger than d. Default 1m.
func WithGrace(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.grace = d }
}

// WithBatch caps documents examined per sweep. Default 500.
func WithBatch(n int) ReconcilerOption {
	return func(r *Reconciler) { r.batch = n }
}

func WithReconcileLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

func WithReconcileEvents(e *observability.EventLogger) ReconcilerOption {
	return func(r *Reconciler) { r.events = e }
}

func WithReconcileMetrics(m *observability.MetricsManager) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler creates a reconciler over store and q.
func NewReconciler(store *docstore.Store, q *vtq.Q, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		q:        q,
		interval: 5 * time.Minute,
		grace:    time.Minute,
		batch:    500,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run sweeps every interval until ctx is done. It returns at once when the
// interval is not positive.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("reconciler: disabled")
		return
	}
	r.logger.Info("reconciler: started", "interval", r.interval, "grace", r.grace)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler: stopped")
			return
		case <-ticker.C:
			n, err := r.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("reconciler: sweep failed", "error", err)
			}
			if n > 0 {
				r.logger.Info("reconciler: republished orphaned jobs", "count", n)
			}
		}
	}
}

// SweepOnce republishes every orphaned PENDING document older than the grace
// period and returns how many it republished.
func (r *Reconciler) SweepOnce(ctx context.Context) (int, error) {
	docs, err := r.store.ListPending(ctx, time.Now().Add(-r.grace), r.batch)
	if err != nil {
		return 0, err
	}

	republished := 0
	for _, d := range docs {
		payload := []byte(d.ID)
		queued, err := r.q.Has(ctx, payload)
		if err != nil {
			return republished, fmt.Errorf("reconciler: check %s: %w", d.ID, err)
		}
		if queued {
			continue
		}
		msgID, err := r.q.Publish(ctx, payload)
		if err != nil {
			return republished, fmt.Errorf("reconciler: publish %s: %w", d.ID, err)
		}
		republished++
		r.logger.Info("reconciler: republished", "job_id", d.ID, "msg_id", msgID)
		if r.events != nil {
			r.events.Log(ctx, observability.JobEvent{
				JobID:    d.ID,
				StageSet: d.StageSet,
				Action:   observability.ActionRepublished,
				Success:  true,
			})
		}
		if r.metrics != nil {
			r.metrics.Count(observability.MetricJobsRepublished, nil)
		}
	}
	return republished, nil
}
