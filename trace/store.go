package trace

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/textmill/dbopen"
)

// Schema is the DDL for the sql_traces table.
const Schema = `
CREATE TABLE IF NOT EXISTS sql_traces (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id    TEXT NOT NULL DEFAULT '',
	job_id      TEXT NOT NULL DEFAULT '',
	op          TEXT NOT NULL,
	query       TEXT NOT NULL,
	duration_us INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sql_traces_ts ON sql_traces(created_at);
CREATE INDEX IF NOT EXISTS idx_sql_traces_job ON sql_traces(job_id) WHERE job_id != '';
`

// Store keeps slow and failed statements in SQLite. Its database must be
// opened with the plain "sqlite" driver, or its own inserts are traced.
type Store struct {
	db        *sql.DB
	threshold time.Duration
	queue     chan *Entry
	dropped   atomic.Int64
	done      chan struct{}
	once      sync.Once
}

// flushSize is the number of entries written per INSERT.
const flushSize = 64

// NewStore persists entries slower than threshold, plus every failure.
// A zero threshold keeps everything.
func NewStore(db *sql.DB, threshold time.Duration) *Store {
	s := &Store{
		db:        db,
		threshold: threshold,
		queue:     make(chan *Entry, 1024),
		done:      make(chan struct{}),
	}
	go s.writer()
	return s
}

// Init creates the sql_traces table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// RecordAsync queues e without blocking the traced statement. Entries that
// do not fit in the queue are counted and dropped.
func (s *Store) RecordAsync(e *Entry) {
	if e.Error == "" && e.Duration < s.threshold.Microseconds() {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many entries were lost to a full queue.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Close writes queued entries and stops the writer.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.queue) })
	<-s.done
	return nil
}

// ForJob returns the entries recorded while processing jobID, oldest first.
func (s *Store) ForJob(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, job_id, op, query, duration_us, error, created_at
		FROM sql_traces WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TraceID, &e.JobID, &e.Op, &e.Query, &e.Duration, &e.Error, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries recorded before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM sql_traces WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// writer drains the queue, writing whenever flushSize entries are waiting or
// a second has passed since the first unwritten one arrived.
func (s *Store) writer() {
	defer close(s.done)
	var (
		pending []*Entry
		tick    <-chan time.Time
	)
	for {
		select {
		case e, ok := <-s.queue:
			if !ok {
				s.write(pending)
				return
			}
			if len(pending) == 0 {
				tick = time.After(time.Second)
			}
			if pending = append(pending, e); len(pending) < flushSize {
				continue
			}
		case <-tick:
		}
		s.write(pending)
		pending, tick = pending[:0], nil
	}
}

func (s *Store) write(entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	var q strings.Builder
	q.WriteString(`INSERT INTO sql_traces (trace_id, job_id, op, query, duration_us, error, created_at) VALUES `)
	args := make([]any, 0, 7*len(entries))
	for i, e := range entries {
		if i > 0 {
			q.WriteByte(',')
		}
		q.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, e.TraceID, e.JobID, e.Op, e.Query, e.Duration, e.Error, e.At)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := dbopen.Exec(ctx, s.db, q.String(), args...); err != nil {
		slog.Error("trace: write entries", "count", len(entries), "error", err)
	}
}
