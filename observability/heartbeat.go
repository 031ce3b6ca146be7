package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// HeartbeatWriter periodically records that a worker process is alive and
// how many jobs it is running.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	inFlight   func() int
}

// NewHeartbeatWriter creates a writer. inFlight may be nil.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, inFlight func() int) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if inFlight == nil {
		inFlight = func() int { return 0 }
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		inFlight:   inFlight,
	}
}

// Beat writes one heartbeat row.
func (hw *HeartbeatWriter) Beat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, jobs_in_flight
		) VALUES (?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, time.Now().UnixMilli(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, hw.inFlight())
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Run beats immediately, then every interval until ctx is done.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()
	for {
		if err := hw.Beat(ctx); err != nil && ctx.Err() == nil {
			slog.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// WorkerStatus is the latest heartbeat of one worker process.
type WorkerStatus struct {
	WorkerName   string    `json:"worker_name"`
	Hostname     string    `json:"hostname"`
	PID          int       `json:"pid"`
	LastSeen     time.Time `json:"last_seen"`
	JobsInFlight int       `json:"jobs_in_flight"`
	Alive        bool      `json:"alive"`
}

// Workers returns the latest heartbeat of every known worker. A worker is
// alive when its last beat is newer than staleAfter.
func Workers(ctx context.Context, db *sql.DB, staleAfter time.Duration) ([]WorkerStatus, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT worker_name, hostname, worker_pid, MAX(timestamp), jobs_in_flight
		FROM worker_heartbeats
		GROUP BY worker_name
		ORDER BY worker_name`)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []WorkerStatus
	for rows.Next() {
		var ws WorkerStatus
		var ts int64
		if err := rows.Scan(&ws.WorkerName, &ws.Hostname, &ws.PID, &ts, &ws.JobsInFlight); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		ws.LastSeen = time.UnixMilli(ts)
		ws.Alive = time.Since(ws.LastSeen) <= staleAfter
		out = append(out, ws)
	}
	return out, rows.Err()
}
