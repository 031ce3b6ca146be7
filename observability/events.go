package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/textmill/idgen"
)

// Job event actions.
const (
	ActionSubmitted   = "submitted"
	ActionCompleted   = "completed"
	ActionFailed      = "failed"
	ActionDiscarded   = "discarded"
	ActionRepublished = "republished"
)

// JobEvent is one lifecycle transition of a job.
type JobEvent struct {
	JobID    string
	StageSet string
	Action   string
	Details  string // optional JSON
	Success  bool
	At       time.Time
}

// EventLogger appends job events to the observability database.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the generator for event ids.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger writing to db. Init must have run on db.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.ULID()),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records ev. Failures are logged and swallowed: a broken observability
// database must not fail a job.
func (l *EventLogger) Log(ctx context.Context, ev JobEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var details sql.NullString
	if ev.Details != "" {
		details = sql.NullString{String: ev.Details, Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO job_events (event_id, job_id, stage_set, action, details, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		l.newID(), ev.JobID, ev.StageSet, ev.Action, details, ev.Success, ev.At.UnixMilli())
	if err != nil {
		slog.Error("observability: job event", "error", err, "job_id", ev.JobID, "action", ev.Action)
	}
}

// History returns the events of one job, oldest first.
func (l *EventLogger) History(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT job_id, stage_set, action, details, success, created_at
		FROM job_events WHERE job_id = ?
		ORDER BY created_at ASC, event_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("job history: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var ev JobEvent
		var details sql.NullString
		var at int64
		if err := rows.Scan(&ev.JobID, &ev.StageSet, &ev.Action, &details, &ev.Success, &at); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.Details = details.String
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig is per-table retention in days. Zero keeps everything.
type RetentionConfig struct {
	EventDays     int
	StageRunDays  int
	MetricDays    int
	HeartbeatDays int
}

// DefaultRetention keeps events and stage runs for 30 days, metrics for 14
// and heartbeats for 2.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{EventDays: 30, StageRunDays: 30, MetricDays: 14, HeartbeatDays: 2}
}

// Cleanup deletes rows older than the configured retention.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now()
	targets := []struct {
		stmt string
		days int
	}{
		{`DELETE FROM job_events WHERE created_at < ?`, cfg.EventDays},
		{`DELETE FROM stage_runs WHERE started_at < ?`, cfg.StageRunDays},
		{`DELETE FROM metrics_timeseries WHERE timestamp < ?`, cfg.MetricDays},
		{`DELETE FROM worker_heartbeats WHERE timestamp < ?`, cfg.HeartbeatDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days).UnixMilli()
		if _, err := db.ExecContext(ctx, t.stmt, cutoff); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	return nil
}
