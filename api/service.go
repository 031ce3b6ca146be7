// Package api is the submission and status surface of textmill. The same
// Service backs the HTTP routes and the MCP tools.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/textmill/blobstore"
	"github.com/hazyhaar/textmill/dbopen"
	"github.com/hazyhaar/textmill/docstore"
	"github.com/hazyhaar/textmill/horosafe"
	"github.com/hazyhaar/textmill/idgen"
	"github.com/hazyhaar/textmill/observability"
	"github.com/hazyhaar/textmill/pipeline"
	"github.com/hazyhaar/textmill/vtq"
)

// RequestError is an error with the HTTP status and public message it maps
// to. MCP tools report the message as a tool error.
type RequestError struct {
	Status int
	Msg    string
}

func (e *RequestError) Error() string { return e.Msg }

var (
	ErrNoFilePart     = &RequestError{http.StatusBadRequest, "No file part"}
	ErrNoSelectedFile = &RequestError{http.StatusBadRequest, "No selected file"}
	ErrInvalidType    = &RequestError{http.StatusBadRequest, "Invalid file type"}
	ErrUnknownSet     = &RequestError{http.StatusBadRequest, "Unknown stage set"}
	ErrTooLarge       = &RequestError{http.StatusRequestEntityTooLarge, "File too large"}
	ErrJobNotFound    = &RequestError{http.StatusNotFound, "Job not found"}
	ErrDatabase       = &RequestError{http.StatusInternalServerError, "Database error"}
)

// Upload is one submitted file.
type Upload struct {
	Filename string
	StageSet string
	Body     io.Reader
}

// Submission is the response to a successful upload.
type Submission struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	StageSet string `json:"stage_set"`
}

// JobStatus is the polling response.
type JobStatus struct {
	Status docstore.Status `json:"status"`
	Result any             `json:"result"`
}

// Health is the /healthz response.
type Health struct {
	Status     string                       `json:"status"`
	Pending    int                          `json:"pending"`
	QueueDepth int                          `json:"queue_depth"`
	Queue      vtq.Stats                    `json:"queue"`
	Workers    []observability.WorkerStatus `json:"workers,omitempty"`
	LastHour   *Throughput                  `json:"last_hour,omitempty"`
}

// Throughput summarises the jobs finished in a recent window.
type Throughput struct {
	Completed  int                   `json:"completed"`
	Failed     int                   `json:"failed"`
	PipelineMs observability.Summary `json:"pipeline_ms"`
}

// Service holds the shared objects the endpoints need.
type Service struct {
	store *docstore.Store
	q     *vtq.Q
	blobs blobstore.Store
	exec  *pipeline.Executor
	sets  *pipeline.Catalog

	newID     idgen.Generator
	allowed   map[string]bool
	maxUpload int64
	logger    *slog.Logger

	events     *observability.EventLogger
	metrics    *observability.MetricsManager
	obsDB      *sql.DB
	staleAfter time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator sets the job id generator. Default UUIDv7.
func WithIDGenerator(g idgen.Generator) Option {
	return func(s *Service) { s.newID = g }
}

// WithAllowedExtensions replaces the accepted upload extensions.
func WithAllowedExtensions(exts []string) Option {
	return func(s *Service) {
		s.allowed = make(map[string]bool, len(exts))
		for _, e := range exts {
			s.allowed[strings.ToLower(e)] = true
		}
	}
}

// WithMaxUpload caps request bodies in bytes.
func WithMaxUpload(n int64) Option {
	return func(s *Service) { s.maxUpload = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEvents records a submitted event per accepted upload.
func WithEvents(e *observability.EventLogger) Option {
	return func(s *Service) { s.events = e }
}

func WithMetrics(m *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = m }
}

// WithObservabilityDB lets /healthz report worker heartbeats. A worker is
// reported dead once its last beat is older than staleAfter.
func WithObservabilityDB(db *sql.DB, staleAfter time.Duration) Option {
	return func(s *Service) {
		s.obsDB = db
		s.staleAfter = staleAfter
	}
}

// New creates the service. The executor is only used for synchronous
// analysis through MCP; jobs are run by the worker pool.
func New(store *docstore.Store, q *vtq.Q, blobs blobstore.Store, exec *pipeline.Executor, opts ...Option) *Service {
	s := &Service{
		store:     store,
		q:         q,
		blobs:     blobs,
		exec:      exec,
		sets:      exec.Sets,
		newID:     idgen.Default,
		maxUpload: 32 << 20,
		logger:    slog.Default(),
	}
	WithAllowedExtensions([]string{".txt", ".md", ".html", ".epub", ".pdf"})(s)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit validates and stores an upload, then creates the PENDING document
// and its queue message in one transaction. No document exists unless the
// message does too.
func (s *Service) Submit(ctx context.Context, up Upload) (*Submission, error) {
	if up.Filename == "" {
		return nil, ErrNoSelectedFile
	}
	ext := strings.ToLower(filepath.Ext(up.Filename))
	if !s.allowed[ext] {
		return nil, ErrInvalidType
	}
	set, err := s.sets.Resolve(up.StageSet)
	if err != nil {
		return nil, ErrUnknownSet
	}

	id := s.newID()
	path, err := s.blobs.Put(ctx, id+"_"+storedName(up.Filename, ext), up.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, ErrTooLarge
		}
		s.logger.Error("api: store upload", "job_id", id, "error", err)
		return nil, ErrDatabase
	}

	doc := docstore.Document{ID: id, Filename: up.Filename, Path: path, StageSet: set.Key()}
	err = dbopen.RunTx(ctx, s.store.DB(), func(tx *sql.Tx) error {
		if _, err := s.store.CreateTx(ctx, tx, doc); err != nil {
			return err
		}
		_, err := s.q.PublishTx(ctx, tx, []byte(id))
		return err
	})
	if err != nil {
		s.logger.Error("api: create job", "job_id", id, "error", err)
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), path); derr != nil {
			s.logger.Warn("api: remove orphan blob", "path", path, "error", derr)
		}
		return nil, ErrDatabase
	}

	s.logger.Info("api: job submitted", "job_id", id, "filename", up.Filename, "stage_set", doc.StageSet)
	if s.events != nil {
		s.events.Log(ctx, observability.JobEvent{
			JobID:    id,
			StageSet: doc.StageSet,
			Action:   observability.ActionSubmitted,
			Success:  true,
		})
	}
	if s.metrics != nil {
		s.metrics.Count(observability.MetricJobsSubmitted, map[string]string{"stage_set": doc.StageSet})
	}
	return &Submission{ID: id, Filename: up.Filename, Path: path, StageSet: doc.StageSet}, nil
}

// storedName is the sanitised file name kept on disk. It always ends in the
// validated extension.
func storedName(filename, ext string) string {
	safe := horosafe.SecureFilename(filename)
	if strings.ToLower(filepath.Ext(safe)) != ext {
		return "upload" + ext
	}
	return safe
}

// Status returns the current status and result of a job.
func (s *Service) Status(ctx context.Context, id string) (*JobStatus, error) {
	doc, err := s.store.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		s.logger.Error("api: load job", "job_id", id, "error", err)
		return nil, ErrDatabase
	}
	st := &JobStatus{Status: doc.Status}
	if doc.Result != nil {
		st.Result = doc.Result
	}
	return st, nil
}

func (s *Service) throughput(ctx context.Context, since time.Time) *Throughput {
	var (
		tp  Throughput
		err error
	)
	if tp.PipelineMs, err = s.metrics.Summarize(ctx, observability.MetricPipelineDurationMs, since); err != nil {
		s.logger.Warn("api: throughput", "error", err)
		return nil
	}
	completed, _ := s.metrics.Summarize(ctx, observability.MetricJobsCompleted, since)
	failed, _ := s.metrics.Summarize(ctx, observability.MetricJobsFailed, since)
	tp.Completed, tp.Failed = completed.Count, failed.Count
	return &tp
}

// Health reports queue and store counters, and worker liveness and recent
// throughput when observability is configured.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	pending, err := s.store.Count(ctx, docstore.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	qs, err := s.q.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	h := &Health{Status: "ok", Pending: pending, QueueDepth: qs.Ready + qs.Hidden, Queue: qs}
	if s.obsDB != nil {
		workers, err := observability.Workers(ctx, s.obsDB, s.staleAfter)
		if err != nil {
			s.logger.Warn("api: worker heartbeats", "error", err)
		}
		h.Workers = workers
	}
	if s.metrics != nil {
		h.LastHour = s.throughput(ctx, time.Now().Add(-time.Hour))
	}
	return h, nil
}
