// Package docstore is the durable record of submitted analysis jobs.
//
// A Document is created PENDING by the submission path and moved to a
// terminal status (COMPLETED or FAILED) by the pipeline executor. Status and
// result are written by one UPDATE statement, so readers never observe a
// terminal status without its result. Redelivered jobs may write the
// terminal row again; the last write wins.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/textmill/dbopen"
)

// Status is the lifecycle state of a Document.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the three known states.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrConflict      = errors.New("docstore: document already exists")
	ErrInvalidStatus = errors.New("docstore: invalid status transition")
)

// ConflictError reports a Create with an id that is already taken.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("docstore: document %s already exists", e.ID) }

// Unwrap lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Unwrap() error { return ErrConflict }

// Document is one submitted job.
type Document struct {
	ID       string          `json:"id"`
	Filename string          `json:"filename"`
	Path     string          `json:"path"`
	StageSet string          `json:"stage_set"`
	Status   Status          `json:"status"`
	Result   json.RawMessage `json:"result"`
	Created  time.Time       `json:"created_at"`
	Updated  time.Time       `json:"updated_at"`
}

// Schema is the DDL for the documents table.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	filename    TEXT NOT NULL,
	path        TEXT NOT NULL,
	stage_set   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'PENDING'
	            CHECK (status IN ('PENDING','COMPLETED','FAILED')),
	result      TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_pending
	ON documents (created_at) WHERE status = 'PENDING';
`

// Store is the SQLite-backed document store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New wraps db. Call Init once before use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle so callers can share transactions with the queue.
func (s *Store) DB() *sql.DB { return s.db }

// Init creates the documents table.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("docstore: init: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create inserts a PENDING document.
func (s *Store) Create(ctx context.Context, d Document) (*Document, error) {
	var out *Document
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		out, err = s.CreateTx(ctx, tx, d)
		return err
	})
	return out, err
}

// CreateTx inserts a PENDING document inside the caller's transaction.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, d Document) (*Document, error) {
	return create(ctx, tx, d)
}

func create(ctx context.Context, ex execer, d Document) (*Document, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("docstore: create: empty id")
	}
	now := time.Now()
	_, err := ex.ExecContext(ctx, `
		INSERT INTO documents (id, filename, path, stage_set, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'PENDING', NULL, ?, ?)`,
		d.ID, d.Filename, d.Path, d.StageSet, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{ID: d.ID}
		}
		return nil, fmt.Errorf("docstore: create %s: %w", d.ID, err)
	}
	d.Status = StatusPending
	d.Result = nil
	d.Created = time.UnixMilli(now.UnixMilli())
	d.Updated = d.Created
	return &d, nil
}

// Get returns the document with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, filename, path, stage_set, status, result, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s: %w", id, err)
	}
	return d, nil
}

// UpdateStatus commits a terminal status together with its result. The
// result must be non-empty JSON.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, result json.RawMessage) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidStatus, status)
	}
	if len(result) == 0 || !json.Valid(result) {
		return fmt.Errorf("docstore: update %s: result must be valid JSON", id)
	}
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE documents SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		string(status), string(result), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("docstore: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("docstore: update %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending returns up to limit PENDING documents created before olderThan,
// oldest first.
func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, path, stage_set, status, result, created_at, updated_at
		FROM documents
		WHERE status = 'PENDING' AND created_at < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, olderThan.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("docstore: list pending: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("docstore: list pending: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Count returns the number of documents in the given status.
func (s *Store) Count(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(sc scanner) (*Document, error) {
	var d Document
	var status string
	var result sql.NullString
	var created, updated int64
	if err := sc.Scan(&d.ID, &d.Filename, &d.Path, &d.StageSet, &status, &result, &created, &updated); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if result.Valid {
		d.Result = json.RawMessage(result.String)
	}
	d.Created = time.UnixMilli(created)
	d.Updated = time.UnixMilli(updated)
	return &d, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY must be unique")
}
