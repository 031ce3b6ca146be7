// Package vtq is the analysis dispatch queue: a visibility-timeout queue
// kept in the same SQLite database as the documents, so a job row and its
// message can be written in one transaction.
//
// Claiming a message hides it for the visibility window. Ack deletes it. A
// message that is nacked, or whose consumer dies or overruns the window,
// becomes visible again and is claimed by whichever worker polls next.
// Delivery is at-least-once; the oldest visible message is served first.
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/textmill/dbopen"
	"github.com/hazyhaar/textmill/idgen"
)

// Schema is the DDL applied by EnsureTable. Times are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_queue (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	enqueued_at INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_analysis_queue_visible ON analysis_queue (queue, visible_at);
CREATE INDEX IF NOT EXISTS idx_analysis_queue_payload ON analysis_queue (queue, payload);
`

// Job is a claimed message.
type Job struct {
	ID         string
	Queue      string
	Payload    []byte
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
	// HiddenUntil is when the message reappears unless acked or extended.
	HiddenUntil time.Time
}

// Options configures a queue handle.
type Options struct {
	Queue        string        // logical queue; several share one table
	Visibility   time.Duration // default 30s
	PollInterval time.Duration // default 1s
	// MaxAttempts discards a message claimed more than this many times.
	// Zero keeps retrying forever.
	MaxAttempts int
	OnDiscard   func(ctx context.Context, job *Job)
	// Backoff delays a nacked message by Backoff(attempts). Nil makes it
	// visible again immediately.
	Backoff func(attempts int) time.Duration
	NewID   idgen.Generator // default "msg_" + ULID
	Logger  *slog.Logger
}

// Exponential doubles base per attempt, capped at limit.
func Exponential(base, limit time.Duration) func(int) time.Duration {
	return func(attempts int) time.Duration {
		d := base
		for i := 1; i < attempts && d < limit; i++ {
			d *= 2
		}
		return min(d, limit)
	}
}

// Q is a handle on one logical queue. It is safe for concurrent use.
type Q struct {
	db   *sql.DB
	opts Options
}

// New returns a handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.NewID == nil {
		opts.NewID = idgen.Prefixed("msg_", idgen.ULID())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("queue", opts.Queue)
	return &Q{db: db, opts: opts}
}

// Visibility returns the visibility window.
func (q *Q) Visibility() time.Duration { return q.opts.Visibility }

// EnsureTable applies Schema.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, Schema)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (q *Q) insert(ctx context.Context, db execer, payload []byte) (string, error) {
	id := q.opts.NewID()
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`INSERT INTO analysis_queue (id, queue, payload, visible_at, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		id, q.opts.Queue, payload, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Publish enqueues a visible message and returns its id.
func (q *Q) Publish(ctx context.Context, payload []byte) (string, error) {
	var id string
	err := dbopen.Retry(ctx, func() error {
		var err error
		id, err = q.insert(ctx, q.db, payload)
		return err
	})
	return id, err
}

// PublishTx enqueues within tx; the message exists only if tx commits.
func (q *Q) PublishTx(ctx context.Context, tx *sql.Tx, payload []byte) (string, error) {
	return q.insert(ctx, tx, payload)
}

// Claim hides the oldest visible message for the visibility window and
// returns it, or nil when none is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	var (
		j                Job
		hidden, enqueued int64
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE analysis_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM analysis_queue
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at, enqueued_at
			LIMIT 1
		)
		RETURNING id, queue, payload, attempts, last_error, enqueued_at, visible_at`,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, now.UnixMilli(),
	).Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempts, &j.LastError, &enqueued, &hidden)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	j.EnqueuedAt = time.UnixMilli(enqueued)
	j.HiddenUntil = time.UnixMilli(hidden)
	return &j, nil
}

// Ack removes a processed message.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM analysis_queue WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack releases a claimed message for another attempt and records cause.
// With a Backoff configured the message stays hidden for the backoff delay.
func (q *Q) Nack(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			`SELECT attempts FROM analysis_queue WHERE id = ? AND queue = ?`, id, q.opts.Queue,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		var delay time.Duration
		if q.opts.Backoff != nil {
			delay = q.opts.Backoff(attempts)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE analysis_queue SET visible_at = ?, last_error = ? WHERE id = ?`,
			time.Now().Add(delay).UnixMilli(), msg, id)
		return err
	})
}

// Extend keeps a claimed message hidden for extra from now.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE analysis_queue SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(extra).UnixMilli(), id, q.opts.Queue)
	return err
}

// Has reports whether a message with payload is queued, hidden or not.
func (q *Q) Has(ctx context.Context, payload []byte) (bool, error) {
	var found bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis_queue WHERE queue = ? AND payload = ?)`,
		q.opts.Queue, payload,
	).Scan(&found)
	return found, err
}

// Purge empties the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM analysis_queue WHERE queue = ?`, q.opts.Queue)
	return err
}

// Len counts queued messages, hidden or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	s, err := q.Stats(ctx)
	return s.Ready + s.Hidden, err
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Ready    int `json:"ready"`    // visible now
	Hidden   int `json:"hidden"`   // claimed or backing off
	Retrying int `json:"retrying"` // claimed at least once before
	// OldestAge is how long the oldest message has been queued.
	OldestAge time.Duration `json:"oldest_age_ns"`
}

// Stats counts the queue's messages by state.
func (q *Q) Stats(ctx context.Context) (Stats, error) {
	now := time.Now().UnixMilli()
	var (
		s      Stats
		oldest sql.NullInt64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(visible_at <= ?), 0),
			COALESCE(SUM(visible_at > ?), 0),
			COALESCE(SUM(attempts > 0), 0),
			MIN(enqueued_at)
		FROM analysis_queue WHERE queue = ?`,
		now, now, q.opts.Queue,
	).Scan(&s.Ready, &s.Hidden, &s.Retrying, &oldest)
	if err != nil {
		return Stats{}, err
	}
	if oldest.Valid {
		s.OldestAge = time.Duration(now-oldest.Int64) * time.Millisecond
	}
	return s, nil
}

// Handler processes one claimed job. A nil error acks it; anything else
// nacks it with the error as cause.
type Handler func(ctx context.Context, job *Job) error

// Run claims and handles messages until ctx is done. Concurrent Run loops
// on one queue compete for messages.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started", "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)
	defer log.Info("vtq: consumer stopped")

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		q.drain(ctx, handler)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain handles visible messages until none is left.
func (q *Q) drain(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	for ctx.Err() == nil {
		job, err := q.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("vtq: claim failed", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		// Settle on a context that survives shutdown.
		settle := context.WithoutCancel(ctx)

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("vtq: discarding message", "id", job.ID, "attempts", job.Attempts, "last_error", job.LastError)
			if q.opts.OnDiscard != nil {
				q.opts.OnDiscard(settle, job)
			}
			if err := q.Ack(settle, job.ID); err != nil {
				log.Error("vtq: ack discarded message", "id", job.ID, "error", err)
			}
			continue
		}

		if herr := handler(ctx, job); herr != nil {
			log.Warn("vtq: handler failed", "id", job.ID, "attempts", job.Attempts, "error", herr)
			err = q.Nack(settle, job.ID, herr)
		} else {
			err = q.Ack(settle, job.ID)
		}
		if err != nil {
			log.Error("vtq: settle message", "id", job.ID, "error", err)
		}
	}
}
