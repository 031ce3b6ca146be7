package worker

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/textmill/blobstore"
	"github.com/hazyhaar/textmill/dbopen"
	"github.com/hazyhaar/textmill/docpipe"
	"github.com/hazyhaar/textmill/docstore"
	"github.com/hazyhaar/textmill/pipeline"
	"github.com/hazyhaar/textmill/stages"
	"github.com/hazyhaar/textmill/vtq"
)

type env struct {
	db    *sql.DB
	store *docstore.Store
	q     *vtq.Q
}

func newEnv(t *testing.T, opts vtq.Options) *env {
	t.Helper()
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	store := docstore.New(db)
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	q := vtq.New(db, opts)
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	return &env{db: db, store: store, q: q}
}

// submit creates the document and its message in one transaction.
func (e *env) submit(t *testing.T, d docstore.Document) {
	t.Helper()
	ctx := context.Background()
	err := dbopen.RunTx(ctx, e.db, func(tx *sql.Tx) error {
		if _, err := e.store.CreateTx(ctx, tx, d); err != nil {
			return err
		}
		_, err := e.q.PublishTx(ctx, tx, []byte(d.ID))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			t.Errorf("pool: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestPool_ProcessesJobsEndToEnd(t *testing.T) {
	e := newEnv(t, vtq.Options{Visibility: 5 * time.Second})
	ctx := context.Background()
	blobs, err := blobstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg, err := stages.Default(stages.Params{})
	if err != nil {
		t.Fatal(err)
	}
	sets, err := pipeline.NewCatalog(reg, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	exec := pipeline.New(e.store, blobs, docpipe.New(docpipe.Config{}), reg, sets)

	ids := []string{"job-a", "job-b", "job-c"}
	for _, id := range ids {
		path, err := blobs.Put(ctx, id+"_in.txt", bytes.NewReader([]byte("A calm and pleasant day by the sea.")))
		if err != nil {
			t.Fatal(err)
		}
		e.submit(t, docstore.Document{ID: id, Filename: "in.txt", Path: path})
	}

	stop := runPool(t, NewPool(e.q, exec, WithWorkers(2)))
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		n, _ := e.store.Count(ctx, docstore.StatusCompleted)
		return n == len(ids)
	})
	waitFor(t, time.Second, func() bool {
		n, _ := e.q.Len(ctx)
		return n == 0
	})
}

type fakeExec struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(jobID string, call int) error
}

func (f *fakeExec) Execute(_ context.Context, jobID string) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[jobID]++
	n := f.calls[jobID]
	f.mu.Unlock()
	return f.fn(jobID, n)
}

func (f *fakeExec) count(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[jobID]
}

func TestPool_UnknownJobIsDropped(t *testing.T) {
	e := newEnv(t, vtq.Options{Visibility: time.Second})
	ctx := context.Background()
	e.q.Publish(ctx, []byte("ghost"))

	exec := &fakeExec{fn: func(id string, _ int) error {
		return errors.Join(pipeline.ErrJobNotFound, errors.New(id))
	}}
	stop := runPool(t, NewPool(e.q, exec, WithWorkers(1)))
	defer stop()

	waitFor(t, 2*time.Second, func() bool {
		n, _ := e.q.Len(ctx)
		return n == 0
	})
	if got := exec.count("ghost"); got != 1 {
		t.Fatalf("executed %d times, want 1", got)
	}
}

func TestPool_InfraErrorIsRetried(t *testing.T) {
	e := newEnv(t, vtq.Options{Visibility: time.Second})
	ctx := context.Background()
	e.q.Publish(ctx, []byte("job-1"))

	exec := &fakeExec{fn: func(_ string, call int) error {
		if call == 1 {
			return errors.New("database is locked")
		}
		return nil
	}}
	stop := runPool(t, NewPool(e.q, exec, WithWorkers(1)))
	defer stop()

	waitFor(t, 2*time.Second, func() bool {
		n, _ := e.q.Len(ctx)
		return n == 0
	})
	if got := exec.count("job-1"); got != 2 {
		t.Fatalf("executed %d times, want 2", got)
	}
}

func TestPool_HeartbeatPreventsRedelivery(t *testing.T) {
	e := newEnv(t, vtq.Options{Visibility: 60 * time.Millisecond})
	ctx := context.Background()
	e.q.Publish(ctx, []byte("slow"))

	var running atomic.Int32
	exec := &fakeExec{fn: func(string, int) error {
		running.Add(1)
		defer running.Add(-1)
		time.Sleep(250 * time.Millisecond)
		return nil
	}}
	p := NewPool(e.q, exec, WithWorkers(2), WithHeartbeat(15*time.Millisecond))
	stop := runPool(t, p)
	defer stop()

	waitFor(t, 2*time.Second, func() bool {
		n, _ := e.q.Len(ctx)
		return n == 0
	})
	if got := exec.count("slow"); got != 1 {
		t.Fatalf("executed %d times, want 1: visibility was not extended", got)
	}
}

func TestDiscardHandler_FailsDocument(t *testing.T) {
	e := newEnv(t, vtq.Options{})
	ctx := context.Background()
	e.store.Create(ctx, docstore.Document{ID: "poison", Filename: "a.txt", Path: "/nowhere/a.txt"})

	reg, _ := stages.Default(stages.Params{})
	sets, _ := pipeline.NewCatalog(reg, nil, "")
	exec := pipeline.New(e.store, nil, docpipe.New(docpipe.Config{}), reg, sets)

	discard := DiscardHandler(exec, 3, nil, nil)
	e.store.Create(ctx, docstore.Document{ID: "silent", Filename: "b.txt", Path: "/nowhere/b.txt"})
	discard(ctx, &vtq.Job{ID: "msg_1", Payload: []byte("poison"), Attempts: 4, LastError: "disk I/O error"})
	discard(ctx, &vtq.Job{ID: "msg_2", Payload: []byte("unknown"), Attempts: 4})
	discard(ctx, &vtq.Job{ID: "msg_3", Payload: []byte("silent"), Attempts: 4})

	tests := []struct {
		id   string
		want string
	}{
		{"poison", `{"error":"Unexpected error during analysis: gave up after 3 attempts: disk I/O error"}`},
		{"silent", `{"error":"Unexpected error during analysis: gave up after 3 attempts"}`},
	}
	for _, tt := range tests {
		d, err := e.store.Get(ctx, tt.id)
		if err != nil {
			t.Fatal(err)
		}
		if d.Status != docstore.StatusFailed || string(d.Result) != tt.want {
			t.Errorf("%s: got %s %s, want FAILED %s", tt.id, d.Status, d.Result, tt.want)
		}
	}
}

func TestReconciler_RepublishesOrphans(t *testing.T) {
	e := newEnv(t, vtq.Options{})
	ctx := context.Background()

	e.store.Create(ctx, docstore.Document{ID: "orphan", Filename: "a.txt", Path: "p"})
	e.submit(t, docstore.Document{ID: "queued", Filename: "b.txt", Path: "q"})
	e.store.Create(ctx, docstore.Document{ID: "done", Filename: "c.txt", Path: "r"})
	e.store.UpdateStatus(ctx, "done", docstore.StatusCompleted, []byte(`{}`))
	time.Sleep(5 * time.Millisecond)

	r := NewReconciler(e.store, e.q, WithGrace(0))
	n, err := r.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("republished %d, want 1", n)
	}
	if ok, _ := e.q.Has(ctx, []byte("orphan")); !ok {
		t.Fatal("orphan was not republished")
	}
	if ok, _ := e.q.Has(ctx, []byte("done")); ok {
		t.Fatal("terminal document was republished")
	}

	n, _ = r.SweepOnce(ctx)
	if n != 0 {
		t.Fatalf("second sweep republished %d, want 0", n)
	}
}

func TestReconciler_GraceSkipsFreshDocuments(t *testing.T) {
	e := newEnv(t, vtq.Options{})
	ctx := context.Background()
	e.store.Create(ctx, docstore.Document{ID: "fresh", Filename: "a.txt", Path: "p"})

	r := NewReconciler(e.store, e.q, WithGrace(time.Hour))
	if n, _ := r.SweepOnce(ctx); n != 0 {
		t.Fatalf("republished %d fresh documents", n)
	}
}

func TestReconciler_DisabledRunReturns(t *testing.T) {
	e := newEnv(t, vtq.Options{})
	r := NewReconciler(e.store, e.q, WithInterval(0))
	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled reconciler did not return")
	}
}
