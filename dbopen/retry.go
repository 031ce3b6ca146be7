package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// busyAttempts bounds Retry; the waits between attempts grow by busyStep.
const (
	busyAttempts = 3
	busyStep     = 100 * time.Millisecond
)

// IsBusy reports whether err is SQLite lock contention (SQLITE_BUSY or
// SQLITE_LOCKED, including their extended codes).
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "is locked")
}

// Retry calls fn until it succeeds, fails with a non-busy error, or has
// been tried busyAttempts times.
func Retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); !IsBusy(err) || attempt == busyAttempts {
			return err
		}
		t := time.NewTimer(time.Duration(attempt) * busyStep)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: gave up retrying: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// RunTx runs fn in a transaction and commits it. Contention retries the
// whole transaction, so fn must be safe to run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return Retry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec is db.ExecContext under Retry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := Retry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}
