package observability

import (
	"context"
	"database/sql"
)

// Schema is the DDL for the observability database. It lives in its own
// SQLite file so monitoring writes never contend with the job store.
const Schema = `
CREATE TABLE IF NOT EXISTS job_events (
    event_id   TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    stage_set  TEXT NOT NULL DEFAULT '',
    action     TEXT NOT NULL,
    details    TEXT,
    success    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, created_at);
CREATE INDEX IF NOT EXISTS idx_job_events_action ON job_events(action, created_at DESC);

CREATE TABLE IF NOT EXISTS stage_runs (
    run_id      TEXT PRIMARY KEY,
    job_id      TEXT NOT NULL,
    stage       TEXT NOT NULL,
    stage_set   TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL CHECK (status IN ('ok','error','panic')),
    error       TEXT,
    duration_us INTEGER NOT NULL,
    started_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_runs_job ON stage_runs(job_id, started_at);
CREATE INDEX IF NOT EXISTS idx_stage_runs_stage ON stage_runs(stage, status);

CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
    worker_name      TEXT NOT NULL,
    hostname         TEXT NOT NULL,
    worker_pid       INTEGER NOT NULL,
    timestamp        INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb  REAL,
    jobs_in_flight   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);
`

// Init applies Schema to db.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
