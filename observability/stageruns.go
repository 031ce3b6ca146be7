package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/textmill/idgen"
)

// Stage run outcomes.
const (
	RunOK    = "ok"
	RunError = "error"
	RunPanic = "panic"
)

// StageRun is the audit record of one stage executing for one job.
type StageRun struct {
	RunID    string
	JobID    string
	Stage    string
	StageSet string
	Status   string
	Error    string
	Duration time.Duration
	Started  time.Time
}

// StageAudit persists StageRun records asynchronously in batches.
type StageAudit struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *StageRun
	stop  chan struct{}
	done  chan struct{}
}

// StageAuditOption configures a StageAudit.
type StageAuditOption func(*StageAudit)

// WithRunIDGenerator sets the generator for run ids.
func WithRunIDGenerator(gen idgen.Generator) StageAuditOption {
	return func(a *StageAudit) { a.newID = gen }
}

// NewStageAudit starts the flush goroutine. Recommended bufferSize: 1000.
func NewStageAudit(db *sql.DB, bufferSize int, opts ...StageAuditOption) *StageAudit {
	a := &StageAudit{
		db:    db,
		newID: idgen.Prefixed("run_", idgen.ULID()),
		ch:    make(chan *StageRun, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Record queues r. When the buffer is full it is written synchronously.
func (a *StageAudit) Record(r StageRun) {
	if r.RunID == "" {
		r.RunID = a.newID()
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	if r.Status == "" {
		r.Status = RunOK
	}
	select {
	case a.ch <- &r:
	default:
		slog.Warn("observability: stage audit buffer full, writing inline", "job_id", r.JobID)
		if err := a.insert(context.Background(), a.db, &r); err != nil {
			slog.Error("observability: stage audit inline write", "error", err)
		}
	}
}

// Runs returns the recorded runs of one job in start order.
func (a *StageAudit) Runs(ctx context.Context, jobID string) ([]StageRun, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT run_id, job_id, stage, stage_set, status, error, duration_us, started_at
		FROM stage_runs WHERE job_id = ?
		ORDER BY started_at ASC, run_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("stage runs: %w", err)
	}
	defer rows.Close()

	var out []StageRun
	for rows.Next() {
		var r StageRun
		var errMsg sql.NullString
		var us, started int64
		if err := rows.Scan(&r.RunID, &r.JobID, &r.Stage, &r.StageSet, &r.Status, &errMsg, &us, &started); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		r.Error = errMsg.String
		r.Duration = time.Duration(us) * time.Microsecond
		r.Started = time.UnixMilli(started)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close drains the buffer and stops the flush goroutine.
func (a *StageAudit) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const insertRunSQL = `INSERT INTO stage_runs
	(run_id, job_id, stage, stage_set, status, error, duration_us, started_at)
	VALUES (?,?,?,?,?,?,?,?)`

func (a *StageAudit) insert(ctx context.Context, ex execer, r *StageRun) error {
	var errMsg sql.NullString
	if r.Error != "" {
		errMsg = sql.NullString{String: r.Error, Valid: true}
	}
	_, err := ex.ExecContext(ctx, insertRunSQL,
		r.RunID, r.JobID, r.Stage, r.StageSet, r.Status, errMsg,
		r.Duration.Microseconds(), r.Started.UnixMilli())
	return err
}

func (a *StageAudit) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*StageRun, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("observability: stage audit begin", "error", err)
			return
		}
		for _, r := range batch {
			if err := a.insert(ctx, tx, r); err != nil {
				slog.Error("observability: stage audit insert", "error", err, "run_id", r.RunID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("observability: stage audit commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case r := <-a.ch:
					batch = append(batch, r)
				default:
					flush()
					return
				}
			}
		case r := <-a.ch:
			batch = append(batch, r)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
