package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/textmill/blobstore"
	"github.com/hazyhaar/textmill/dbopen"
	"github.com/hazyhaar/textmill/docpipe"
	"github.com/hazyhaar/textmill/docstore"
	"github.com/hazyhaar/textmill/observability"
	"github.com/hazyhaar/textmill/stages"
)

const sampleText = `The new library opened downtown on Monday. Residents were delighted by the bright reading rooms and the friendly staff.
Dr. Alice Moreau, who led the project, said the building would serve students and families for decades.`

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store *docstore.Store
	blobs *blobstore.Local
	exec  *Executor
}

func newHarness(t *testing.T, reg *stages.Registry, extra []StageSet, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	store := docstore.New(dbopen.OpenMemory(t))
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	blobs, err := blobstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if reg == nil {
		reg = defaultRegistry(t)
	}
	sets, err := NewCatalog(reg, extra, "")
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return &harness{
		store: store,
		blobs: blobs,
		exec:  New(store, blobs, docpipe.New(docpipe.Config{}), reg, sets, opts...),
	}
}

func (h *harness) submit(t *testing.T, id, filename string, content []byte, set string) *docstore.Document {
	t.Helper()
	ctx := context.Background()
	path, err := h.blobs.Put(ctx, id+"_"+filename, bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	d, err := h.store.Create(ctx, docstore.Document{ID: id, Filename: filename, Path: path, StageSet: set})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (h *harness) result(t *testing.T, id string) (docstore.Status, map[string]any) {
	t.Helper()
	d, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if d.Result != nil {
		if err := json.Unmarshal(d.Result, &m); err != nil {
			t.Fatalf("result is not JSON: %v", err)
		}
	}
	return d.Status, m
}

func TestExecute_Completed(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.submit(t, "job-1", "news.txt", []byte(sampleText), "")

	if err := h.exec.Execute(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	status, res := h.result(t, "job-1")
	if status != docstore.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (result %v)", status, res)
	}
	for _, key := range []string{
		stages.NameReadability, stages.NameComplexity, stages.NameLexical, stages.NameEntities,
		stages.NameKeywords, stages.NameSentiment, stages.NameSummary, KeyPreview, KeyTimestamp,
	} {
		if _, ok := res[key]; !ok {
			t.Errorf("result missing %q", key)
		}
	}
	if len(res) != 9 {
		t.Errorf("result has %d keys, want 9", len(res))
	}
	if res[KeyTimestamp] != "2026-03-01T12:00:00Z" {
		t.Errorf("analysis_timestamp = %v", res[KeyTimestamp])
	}
	if !strings.HasSuffix(res[KeyPreview].(string), "...") {
		t.Errorf("preview of a long text should end with ...: %q", res[KeyPreview])
	}
	sentiment := res[stages.NameSentiment].(map[string]any)
	scores := sentiment["sentiment_scores"].(map[string]any)
	if scores["classification"] != "positive" {
		t.Errorf("classification = %v, want positive", scores["classification"])
	}
}

func TestExecute_AlreadyTerminalIsNoop(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.submit(t, "job-1", "news.txt", []byte(sampleText), "")
	ctx := context.Background()

	if err := h.exec.Execute(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	first, _ := h.store.Get(ctx, "job-1")
	if err := h.exec.Execute(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	second, _ := h.store.Get(ctx, "job-1")
	if !bytes.Equal(first.Result, second.Result) || second.Status != docstore.StatusCompleted {
		t.Fatal("second execution changed a terminal document")
	}
}

func TestExecute_RerunIsEquivalent(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.submit(t, "job-1", "news.txt", []byte(sampleText), "")
	ctx := context.Background()

	h.exec.Execute(ctx, "job-1")
	first, _ := h.store.Get(ctx, "job-1")

	// A worker that crashed after the terminal write but before the ack.
	if _, err := h.store.DB().Exec(`UPDATE documents SET status = 'PENDING', result = NULL WHERE id = ?`, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.exec.Execute(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	second, _ := h.store.Get(ctx, "job-1")
	if second.Status != docstore.StatusCompleted || !bytes.Equal(first.Result, second.Result) {
		t.Fatalf("rerun result differs:\n%s\n%s", first.Result, second.Result)
	}
}

func TestExecute_ContentFailures(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
		want     string
	}{
		{"empty", "empty.txt", nil, MsgEmpty},
		{"whitespace", "blank.txt", []byte("  \n\t \n"), MsgEmpty},
		{"latin1", "latin.txt", []byte{'c', 'a', 'f', 0xe9}, MsgEncoding},
		{"broken pdf", "broken.pdf", []byte("not a pdf"), msgUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			h.submit(t, "job-1", tt.filename, tt.content, "")
			if err := h.exec.Execute(context.Background(), "job-1"); err != nil {
				t.Fatal(err)
			}
			status, res := h.result(t, "job-1")
			if status != docstore.StatusFailed {
				t.Fatalf("status = %s, want FAILED", status)
			}
			if len(res) != 1 {
				t.Fatalf("failed result carries extra keys: %v", res)
			}
			msg, _ := res[KeyError].(string)
			if !strings.HasPrefix(msg, tt.want) {
				t.Fatalf("error = %q, want prefix %q", msg, tt.want)
			}
		})
	}
}

func TestExecute_MissingBlob(t *testing.T) {
	h := newHarness(t, nil, nil)
	d := h.submit(t, "job-1", "gone.txt", []byte(sampleText), "")
	if err := os.Remove(d.Path); err != nil {
		t.Fatal(err)
	}
	if err := h.exec.Execute(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	status, res := h.result(t, "job-1")
	if status != docstore.StatusFailed || res[KeyError] != MsgNotFound {
		t.Fatalf("got %s %v, want FAILED %q", status, res, MsgNotFound)
	}
}

func TestExecute_UnknownJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.exec.Execute(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func failingRegistry(t *testing.T, bad stages.Stage) *stages.Registry {
	t.Helper()
	reg := defaultRegistry(t)
	if err := reg.Register(bad); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestExecute_FailingStageDropsPartialResults(t *testing.T) {
	bad := stages.NewFunc("flaky", func(context.Context, string) (any, error) {
		return nil, errors.New("model unavailable")
	})
	set := StageSet{Name: "with-flaky", Version: 1, Stages: []string{stages.NameLexical, "flaky", stages.NameSentiment}}
	h := newHarness(t, failingRegistry(t, bad), []StageSet{set})
	h.submit(t, "job-1", "news.txt", []byte(sampleText), "with-flaky@v1")

	if err := h.exec.Execute(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	status, res := h.result(t, "job-1")
	if status != docstore.StatusFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	want := "Unexpected error during analysis: flaky: model unavailable"
	if res[KeyError] != want || len(res) != 1 {
		t.Fatalf("result = %v, want only error %q", res, want)
	}
}

func TestExecute_PanickingStage(t *testing.T) {
	bad := stages.NewFunc("explodes", func(context.Context, string) (any, error) {
		var m map[string]int
		m["x"]++
		return nil, nil
	})
	set := StageSet{Name: "boom", Version: 1, Stages: []string{"explodes"}}
	h := newHarness(t, failingRegistry(t, bad), []StageSet{set})
	h.submit(t, "job-1", "news.txt", []byte(sampleText), "boom@v1")

	if err := h.exec.Execute(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	status, res := h.result(t, "job-1")
	msg, _ := res[KeyError].(string)
	if status != docstore.StatusFailed || !strings.HasPrefix(msg, "Unexpected error during analysis: explodes: panic:") {
		t.Fatalf("got %s %v", status, res)
	}
}

func TestExecute_CancelledMidRunStaysPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := stages.NewFunc("slow", func(ctx context.Context, _ string) (any, error) {
		cancel()
		return nil, ctx.Err()
	})
	h := newHarness(t, failingRegistry(t, stop), nil)
	h.submit(t, "job-1", "news.txt", []byte(sampleText), "slow@v1")

	if err := h.exec.Execute(ctx, "job-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if status, _ := h.result(t, "job-1"); status != docstore.StatusPending {
		t.Fatalf("status = %s, want PENDING", status)
	}
}

func TestExecute_SingleStageSet(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.submit(t, "job-1", "news.txt", []byte(sampleText), "sentiment_analysis@v1")

	if err := h.exec.Execute(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	status, res := h.result(t, "job-1")
	if status != docstore.StatusCompleted {
		t.Fatalf("status = %s", status)
	}
	for _, key := range []string{"sentiment_scores", "confidence_level", "confidence_score", KeyPreview, KeyTimestamp} {
		if _, ok := res[key]; !ok {
			t.Errorf("result missing %q: %v", key, res)
		}
	}
	if _, ok := res[stages.NameReadability]; ok {
		t.Error("single-stage result contains other stages")
	}
}

func TestExecute_UnknownStageSetFails(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.submit(t, "job-1", "news.txt", []byte(sampleText), "retired@v9")
	if err := h.exec.Execute(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	status, res := h.result(t, "job-1")
	msg, _ := res[KeyError].(string)
	if status != docstore.StatusFailed || !strings.HasPrefix(msg, msgUnexpected) {
		t.Fatalf("got %s %v", status, res)
	}
}

func TestExecute_Observability(t *testing.T) {
	obs := dbopen.OpenMemory(t)
	if err := observability.Init(context.Background(), obs); err != nil {
		t.Fatal(err)
	}
	audit := observability.NewStageAudit(obs, 100)
	metrics := observability.NewMetricsManager(obs, 100, time.Hour)
	events := observability.NewEventLogger(obs)

	h := newHarness(t, nil, nil, WithAudit(audit), WithMetrics(metrics), WithEvents(events))
	h.submit(t, "job-ok", "news.txt", []byte(sampleText), "")
	h.submit(t, "job-bad", "empty.txt", nil, "")
	ctx := context.Background()
	h.exec.Execute(ctx, "job-ok")
	h.exec.Execute(ctx, "job-bad")
	audit.Close()
	metrics.Close()

	runs, err := audit.Runs(ctx, "job-ok")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 7 {
		t.Fatalf("got %d stage runs, want 7", len(runs))
	}
	if n, _ := metrics.Sum(ctx, observability.MetricJobsCompleted, time.Time{}); n != 1 {
		t.Errorf("jobs_completed = %v, want 1", n)
	}
	if n, _ := metrics.Sum(ctx, observability.MetricJobsFailed, time.Time{}); n != 1 {
		t.Errorf("jobs_failed = %v, want 1", n)
	}
	hist, _ := events.History(ctx, "job-bad")
	if len(hist) != 1 || hist[0].Action != observability.ActionFailed || hist[0].Success {
		t.Errorf("job-bad events = %+v", hist)
	}
}

func TestAnalyze(t *testing.T) {
	h := newHarness(t, nil, nil)
	set, _ := h.exec.Sets.Resolve("lexical_diversity@v1")
	res, err := h.exec.Analyze(context.Background(), set, "one two two three")
	if err != nil {
		t.Fatal(err)
	}
	// flattened through JSON, so numbers are float64
	if res["token_count"] != float64(4) || res["type_count"] != float64(3) {
		t.Fatalf("result = %v", res)
	}
	if res[KeyPreview] != "one two two three" {
		t.Fatalf("preview = %v", res[KeyPreview])
	}
}

func TestPreview(t *testing.T) {
	short := strings.Repeat("é", 200)
	if got := preview(short); got != short {
		t.Fatalf("200 runes should not be cut")
	}
	long := strings.Repeat("é", 201)
	got := preview(long)
	if got != strings.Repeat("é", 200)+"..." {
		t.Fatalf("preview = %q", got)
	}
}
