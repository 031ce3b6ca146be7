// Package observability records what the job pipeline does into a dedicated
// SQLite database: job lifecycle events, per-stage run audit, timeseries
// metrics and worker heartbeats.
//
// Writes are best effort. A failing observability database is logged and
// never propagates into job processing.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/textmill/dbopen"
)

// Metric names recorded by the pipeline and workers.
const (
	MetricPipelineDurationMs = "pipeline_duration_ms"
	MetricStageDurationMs    = "stage_duration_ms"
	MetricJobsCompleted      = "jobs_completed"
	MetricJobsFailed         = "jobs_failed"
	MetricJobsSubmitted      = "jobs_submitted"
	MetricJobsRepublished    = "jobs_republished"
	MetricWorkerMessages     = "worker_messages"
)

// Metric is one datapoint.
type Metric struct {
	Name   string            `json:"name"`
	At     time.Time         `json:"at"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
	Unit   string            `json:"unit"` // "count" or "milliseconds"
}

// MetricsManager batches datapoints into metrics_timeseries. Recording never
// touches the database; a background goroutine writes every interval, or
// sooner once batch datapoints are waiting.
type MetricsManager struct {
	db       *sql.DB
	batch    int
	interval time.Duration

	mu      sync.Mutex
	pending []Metric
	dropped int

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMetricsManager starts the writer goroutine. Close stops it.
func NewMetricsManager(db *sql.DB, batch int, interval time.Duration) *MetricsManager {
	if batch <= 0 {
		batch = 100
	}
	mm := &MetricsManager{
		db:       db,
		batch:    batch,
		interval: interval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go mm.loop()
	return mm
}

// Count records an increment of one.
func (mm *MetricsManager) Count(name string, labels map[string]string) {
	mm.record(Metric{Name: name, Value: 1, Labels: labels, Unit: "count"})
}

// Duration records d in milliseconds.
func (mm *MetricsManager) Duration(name string, d time.Duration, labels map[string]string) {
	mm.record(Metric{Name: name, Value: float64(d.Microseconds()) / 1000, Labels: labels, Unit: "milliseconds"})
}

func (mm *MetricsManager) record(m Metric) {
	m.At = time.Now()
	mm.mu.Lock()
	// Bound memory while the database is unavailable.
	if len(mm.pending) >= 20*mm.batch {
		mm.pending = mm.pending[1:]
		mm.dropped++
	}
	mm.pending = append(mm.pending, m)
	full := len(mm.pending) >= mm.batch
	mm.mu.Unlock()

	if full {
		select {
		case mm.kick <- struct{}{}:
		default:
		}
	}
}

// Close writes what is pending and stops the writer.
func (mm *MetricsManager) Close() error {
	mm.once.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) loop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.flush()
			return
		case <-ticker.C:
		case <-mm.kick:
		}
		mm.flush()
	}
}

func (mm *MetricsManager) flush() {
	mm.mu.Lock()
	batch, dropped := mm.pending, mm.dropped
	mm.pending, mm.dropped = nil, 0
	mm.mu.Unlock()

	if dropped > 0 {
		slog.Warn("observability: metrics dropped", "count", dropped)
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				b, _ := json.Marshal(m.Labels)
				labels = sql.NullString{String: string(b), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.At.UnixMilli(), m.Value, labels, m.Unit); err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("observability: write metrics", "count", len(batch), "error", err)
	}
}

// Query returns up to limit datapoints of name recorded at or after since,
// newest first. Zero since or limit means unbounded.
func (mm *MetricsManager) Query(ctx context.Context, name string, since time.Time, limit int) ([]Metric, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := mm.db.QueryContext(ctx, `
		SELECT timestamp, value, labels, unit FROM metrics_timeseries
		WHERE metric_name = ? AND timestamp >= ?
		ORDER BY timestamp DESC, metric_id DESC
		LIMIT ?`, name, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		m := Metric{Name: name}
		var (
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}
		m.At, m.Unit = time.UnixMilli(ts), unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Summary aggregates the datapoints of one metric.
type Summary struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Summarize aggregates name over the datapoints recorded since.
func (mm *MetricsManager) Summarize(ctx context.Context, name string, since time.Time) (Summary, error) {
	var (
		s                Summary
		sum, lo, hi, avg sql.NullFloat64
	)
	err := mm.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(value), MIN(value), MAX(value), AVG(value)
		FROM metrics_timeseries WHERE metric_name = ? AND timestamp >= ?`,
		name, since.UnixMilli(),
	).Scan(&s.Count, &sum, &lo, &hi, &avg)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize %s: %w", name, err)
	}
	s.Sum, s.Min, s.Max, s.Avg = sum.Float64, lo.Float64, hi.Float64, avg.Float64
	return s, nil
}

// Sum adds up the datapoints of name recorded since.
func (mm *MetricsManager) Sum(ctx context.Context, name string, since time.Time) (float64, error) {
	s, err := mm.Summarize(ctx, name, since)
	return s.Sum, err
}
