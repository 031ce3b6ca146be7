// Package pipeline turns a PENDING document into a terminal one: it reads the
// stored blob, extracts text, runs the document's stage set and writes the
// merged result.
//
// Failure policy is all-or-nothing. If any stage fails or panics the
// document becomes FAILED with a single error message and no stage output is
// kept. Errors reaching the store or blob backend are returned instead, so
// the queue redelivers the job and the document stays PENDING.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/textmill/blobstore"
	"github.com/hazyhaar/textmill/docpipe"
	"github.com/hazyhaar/textmill/docstore"
	"github.com/hazyhaar/textmill/horosafe"
	"github.com/hazyhaar/textmill/observability"
	"github.com/hazyhaar/textmill/stages"
)

// ErrJobNotFound is returned by Execute when the id has no document. The
// message is unrecoverable and should be dropped.
var ErrJobNotFound = errors.New("pipeline: job not found")

// Messages stored under "error" in a FAILED result.
const (
	MsgEmpty       = "File is empty or could not be read"
	MsgNotFound    = "File not found"
	MsgEncoding    = "File encoding not supported. Please use UTF-8 encoded text files."
	msgUnexpected  = "Unexpected error during analysis: "
	previewRunes   = 200
	previewEllipse = "..."
)

// Result keys added next to the stage outputs.
const (
	KeyPreview   = "text_preview"
	KeyTimestamp = "analysis_timestamp"
	KeyError     = "error"
)

// StageError reports the stage that broke a run.
type StageError struct {
	Stage string
	Err   error
	Panic bool
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Executor runs jobs. It holds no per-job state and is safe for concurrent
// use by every worker.
type Executor struct {
	Store     *docstore.Store
	Blobs     blobstore.Store
	Extractor *docpipe.Pipeline
	Registry  *stages.Registry
	Sets      *Catalog

	Audit   *observability.StageAudit
	Metrics *observability.MetricsManager
	Events  *observability.EventLogger
	Logger  *slog.Logger

	now func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithAudit records one stage_runs row per stage execution.
func WithAudit(a *observability.StageAudit) Option {
	return func(e *Executor) { e.Audit = a }
}

// WithMetrics records durations and completion counters.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(e *Executor) { e.Metrics = m }
}

// WithEvents records a job event per terminal write.
func WithEvents(l *observability.EventLogger) Option {
	return func(e *Executor) { e.Events = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.Logger = l }
}

// WithClock overrides time.Now for analysis timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New wires an executor from the shared services.
func New(store *docstore.Store, blobs blobstore.Store, extractor *docpipe.Pipeline,
	reg *stages.Registry, sets *Catalog, opts ...Option) *Executor {
	e := &Executor{
		Store:     store,
		Blobs:     blobs,
		Extractor: extractor,
		Registry:  reg,
		Sets:      sets,
		Logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute processes one job id. It returns nil once the document is
// terminal, ErrJobNotFound for unknown ids, and any infrastructure error
// unchanged. A document that is already terminal is left as it is, so
// redelivered messages are harmless.
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	doc, err := e.Store.Get(ctx, jobID)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return err
	}
	log := e.Logger.With("job_id", doc.ID, "stage_set", doc.StageSet)
	if doc.Status.Terminal() {
		log.Debug("pipeline: job already terminal", "status", doc.Status)
		return nil
	}
	start := e.now()

	set, err := e.Sets.Resolve(doc.StageSet)
	if err != nil {
		return e.fail(ctx, doc, msgUnexpected+err.Error(), start)
	}

	text, failMsg, err := e.loadText(ctx, doc)
	if err != nil {
		return err
	}
	if failMsg != "" {
		return e.fail(ctx, doc, failMsg, start)
	}

	result, err := e.analyze(ctx, doc.ID, set, text)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-run: leave PENDING for redelivery.
			return ctx.Err()
		}
		var se *StageError
		if errors.As(err, &se) && se.Panic {
			log.Error("pipeline: stage panicked", "stage", se.Stage, "error", se.Err)
		}
		return e.fail(ctx, doc, msgUnexpected+err.Error(), start)
	}
	return e.complete(ctx, doc, result, start)
}

// Fail marks a still-PENDING job FAILED with msg. Terminal jobs are left
// untouched.
func (e *Executor) Fail(ctx context.Context, jobID, msg string) error {
	doc, err := e.Store.Get(ctx, jobID)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return err
	}
	if doc.Status.Terminal() {
		return nil
	}
	return e.fail(ctx, doc, msg, e.now())
}

// Analyze runs set over text synchronously and returns the result object a
// COMPLETED job would store. Nothing is persisted.
func (e *Executor) Analyze(ctx context.Context, set StageSet, text string) (map[string]any, error) {
	return e.analyze(ctx, "", set, text)
}

// loadText returns the document text, or a user-facing failure message when
// the content itself is the problem.
func (e *Executor) loadText(ctx context.Context, doc *docstore.Document) (text, failMsg string, err error) {
	rc, err := e.Blobs.Open(ctx, doc.Path)
	if errors.Is(err, blobstore.ErrNotExist) {
		return "", MsgNotFound, nil
	}
	if err != nil {
		return "", "", fmt.Errorf("pipeline: open blob for %s: %w", doc.ID, err)
	}
	defer rc.Close()

	data, err := horosafe.LimitedReadAll(rc, e.Extractor.MaxFileSize())
	if errors.Is(err, horosafe.ErrTooLarge) {
		return "", msgUnexpected + docpipe.ErrTooLarge.Error(), nil
	}
	if err != nil {
		return "", "", fmt.Errorf("pipeline: read blob for %s: %w", doc.ID, err)
	}

	name := doc.Filename
	if filepath.Ext(name) == "" {
		name = filepath.Base(doc.Path)
	}
	extracted, err := e.Extractor.Extract(ctx, name, data)
	switch {
	case errors.Is(err, docpipe.ErrEncoding):
		return "", MsgEncoding, nil
	case err != nil && ctx.Err() != nil:
		return "", "", ctx.Err()
	case err != nil:
		return "", msgUnexpected + err.Error(), nil
	}
	if strings.TrimSpace(extracted.RawText) == "" {
		return "", MsgEmpty, nil
	}
	return extracted.RawText, "", nil
}

func (e *Executor) analyze(ctx context.Context, jobID string, set StageSet, text string) (map[string]any, error) {
	outputs := make(map[string]any, len(set.Stages))
	for _, name := range set.Stages {
		st, ok := e.Registry.Get(name)
		if !ok {
			return nil, &StageError{Stage: name, Err: stages.ErrUnknown}
		}
		v, err := e.runStage(ctx, jobID, set, st, text)
		if err != nil {
			return nil, err
		}
		outputs[name] = v
	}

	var result map[string]any
	if len(set.Stages) == 1 {
		result = flatten(set.Stages[0], outputs[set.Stages[0]])
	} else {
		result = outputs
	}
	result[KeyPreview] = preview(text)
	result[KeyTimestamp] = e.now().UTC().Format(time.RFC3339)
	return result, nil
}

func (e *Executor) runStage(ctx context.Context, jobID string, set StageSet, st stages.Stage, text string) (out any, err error) {
	start := e.now()
	defer func() {
		run := observability.StageRun{
			JobID:    jobID,
			Stage:    st.Name(),
			StageSet: set.Key(),
			Status:   observability.RunOK,
			Duration: e.now().Sub(start),
			Started:  start,
		}
		if r := recover(); r != nil {
			e.Logger.Debug("pipeline: stage panic stack", "stage", st.Name(), "stack", string(debug.Stack()))
			err = &StageError{Stage: st.Name(), Err: fmt.Errorf("panic: %v", r), Panic: true}
			out = nil
			run.Status = observability.RunPanic
		} else if err != nil {
			run.Status = observability.RunError
		}
		if err != nil {
			run.Error = err.Error()
		}
		if e.Audit != nil && jobID != "" {
			e.Audit.Record(run)
		}
		if e.Metrics != nil {
			e.Metrics.Duration(observability.MetricStageDurationMs, run.Duration,
				map[string]string{"stage": st.Name(), "status": run.Status})
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: st.Name(), Err: err}
	}
	out, err = st.Analyze(ctx, text)
	if err != nil {
		return nil, &StageError{Stage: st.Name(), Err: err}
	}
	return out, nil
}

func (e *Executor) complete(ctx context.Context, doc *docstore.Document, result map[string]any, start time.Time) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return e.fail(ctx, doc, msgUnexpected+err.Error(), start)
	}
	if err := e.Store.UpdateStatus(ctx, doc.ID, docstore.StatusCompleted, raw); err != nil {
		return fmt.Errorf("pipeline: complete %s: %w", doc.ID, err)
	}
	e.record(ctx, doc, docstore.StatusCompleted, "", start)
	return nil
}

func (e *Executor) fail(ctx context.Context, doc *docstore.Document, msg string, start time.Time) error {
	raw, err := json.Marshal(map[string]string{KeyError: msg})
	if err != nil {
		return err
	}
	if err := e.Store.UpdateStatus(ctx, doc.ID, docstore.StatusFailed, raw); err != nil {
		return fmt.Errorf("pipeline: fail %s: %w", doc.ID, err)
	}
	e.record(ctx, doc, docstore.StatusFailed, msg, start)
	return nil
}

func (e *Executor) record(ctx context.Context, doc *docstore.Document, status docstore.Status, msg string, start time.Time) {
	elapsed := e.now().Sub(start)
	log := e.Logger.With("job_id", doc.ID, "stage_set", doc.StageSet, "duration", elapsed)
	if status == docstore.StatusCompleted {
		log.Info("pipeline: job completed")
	} else {
		log.Warn("pipeline: job failed", "reason", msg)
	}

	if e.Metrics != nil {
		labels := map[string]string{"stage_set": doc.StageSet}
		e.Metrics.Duration(observability.MetricPipelineDurationMs, elapsed, labels)
		if status == docstore.StatusCompleted {
			e.Metrics.Count(observability.MetricJobsCompleted, labels)
		} else {
			e.Metrics.Count(observability.MetricJobsFailed, labels)
		}
	}
	if e.Events != nil {
		ev := observability.JobEvent{
			JobID:    doc.ID,
			StageSet: doc.StageSet,
			Action:   observability.ActionCompleted,
			Success:  true,
		}
		if status == docstore.StatusFailed {
			ev.Action = observability.ActionFailed
			ev.Success = false
			if b, err := json.Marshal(map[string]string{KeyError: msg}); err == nil {
				ev.Details = string(b)
			}
		}
		e.Events.Log(context.WithoutCancel(ctx), ev)
	}
}

// flatten turns a single stage's output into the top-level result object.
// Outputs that do not encode as a JSON object stay under the stage name.
func flatten(name string, v any) map[string]any {
	b, err := json.Marshal(v)
	if err == nil {
		var m map[string]any
		if json.Unmarshal(b, &m) == nil && m != nil {
			return m
		}
	}
	return map[string]any{name: v}
}

// preview is the first 200 runes of text, with "..." when it was cut.
func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + previewEllipse
}
