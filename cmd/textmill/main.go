// Command textmill runs the document-analysis service: the upload and
// polling API, the analysis workers and the reconciliation sweep.
//
//	textmill -config textmill.yaml -mode all
//
// -mode api serves HTTP only, -mode worker only consumes the queue. Both
// modes may run as separate processes against the same database file.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/textmill/api"
	"github.com/hazyhaar/textmill/blobstore"
	"github.com/hazyhaar/textmill/config"
	"github.com/hazyhaar/textmill/dbopen"
	"github.com/hazyhaar/textmill/docpipe"
	"github.com/hazyhaar/textmill/docstore"
	"github.com/hazyhaar/textmill/observability"
	"github.com/hazyhaar/textmill/pipeline"
	"github.com/hazyhaar/textmill/stages"
	"github.com/hazyhaar/textmill/trace"
	"github.com/hazyhaar/textmill/vtq"
	"github.com/hazyhaar/textmill/worker"
)

const (
	heartbeatInterval = 15 * time.Second
	version           = "1.0.0"
)

func main() {
	configPath := flag.String("config", env("TEXTMILL_CONFIG", ""), "path to YAML config (optional)")
	mode := flag.String("mode", env("TEXTMILL_MODE", "all"), "all | api | worker")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	runAPI := *mode == "all" || *mode == "api"
	runWorkers := *mode == "all" || *mode == "worker"
	if !runAPI && !runWorkers {
		slog.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability database, optional.
	var (
		obsDB   *sql.DB
		audit   *observability.StageAudit
		metrics *observability.MetricsManager
		events  *observability.EventLogger
	)
	if cfg.ObsDBPath != "" {
		obsDB, err = dbopen.Open(cfg.ObsDBPath, dbopen.WithMkdirAll())
		if err != nil {
			slog.Error("observability db", "error", err)
			os.Exit(1)
		}
		defer obsDB.Close()
		if err := observability.Init(ctx, obsDB); err != nil {
			slog.Error("observability init", "error", err)
			os.Exit(1)
		}
		audit = observability.NewStageAudit(obsDB, 1000)
		defer audit.Close()
		metrics = observability.NewMetricsManager(obsDB, 500, 5*time.Second)
		defer metrics.Close()
		events = observability.NewEventLogger(obsDB)
	}

	// Job database: documents and the dispatch queue share one file so a
	// submission commits both in one transaction.
	dbOpts := []dbopen.Option{dbopen.WithMkdirAll()}
	var traces *trace.Store
	if cfg.TraceSQL {
		dbOpts = append(dbOpts, dbopen.WithDriver(trace.DriverName))
		if obsDB != nil {
			traces = trace.NewStore(obsDB, cfg.SlowQuery)
			if err := traces.Init(ctx); err != nil {
				slog.Error("trace init", "error", err)
				os.Exit(1)
			}
			trace.SetRecorder(traces)
			defer traces.Close()
		}
	}
	db, err := dbopen.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		slog.Error("job db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := docstore.New(db)
	if err := store.Init(ctx); err != nil {
		slog.Error("docstore init", "error", err)
		os.Exit(1)
	}

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		slog.Error("blob store", "backend", cfg.BlobBackend, "error", err)
		os.Exit(1)
	}

	// Stages and stage sets.
	params := stages.Params{
		KeywordMax: cfg.Stages.KeywordMax,
		SummaryMin: cfg.Stages.SummaryMin,
		SummaryMax: cfg.Stages.SummaryMax,
	}
	if cfg.Stages.Lexicons != "" {
		if params.Lexicons, err = stages.LoadLexicons(cfg.Stages.Lexicons); err != nil {
			slog.Error("lexicons", "error", err)
			os.Exit(1)
		}
	}
	reg, err := stages.Default(params)
	if err != nil {
		slog.Error("stages", "error", err)
		os.Exit(1)
	}
	sets, err := pipeline.NewCatalog(reg, cfg.StageSets, cfg.DefaultStageSet)
	if err != nil {
		slog.Error("stage sets", "error", err)
		os.Exit(1)
	}

	extractor := docpipe.New(docpipe.Config{MaxFileSize: cfg.MaxUploadBytes()})
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if obsDB != nil {
		opts = append(opts, pipeline.WithAudit(audit), pipeline.WithMetrics(metrics), pipeline.WithEvents(events))
	}
	exec := pipeline.New(store, blobs, extractor, reg, sets, opts...)

	q := vtq.New(db, vtq.Options{
		Queue:        "analysis",
		Visibility:   cfg.Visibility,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      vtq.Exponential(cfg.RetryBackoff, cfg.Visibility),
		OnDiscard:    worker.DiscardHandler(exec, cfg.MaxAttempts, events, logger),
		Logger:       logger,
	})
	if err := q.EnsureTable(ctx); err != nil {
		slog.Error("queue init", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if runWorkers {
		pool := worker.NewPool(q, exec,
			worker.WithWorkers(cfg.Workers),
			worker.WithLogger(logger),
			worker.WithMetrics(metrics),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(ctx); err != nil {
				slog.Error("worker pool", "error", err)
			}
		}()

		rec := worker.NewReconciler(store, q,
			worker.WithInterval(cfg.ReconcileInterval),
			worker.WithGrace(cfg.ReconcileGrace),
			worker.WithReconcileLogger(logger),
			worker.WithReconcileEvents(events),
			worker.WithReconcileMetrics(metrics),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Run(ctx)
		}()

		if obsDB != nil {
			hostname, _ := os.Hostname()
			hb := observability.NewHeartbeatWriter(obsDB, "textmill@"+hostname, heartbeatInterval, pool.InFlight)
			wg.Add(1)
			go func() {
				defer wg.Done()
				hb.Run(ctx)
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				cleanupLoop(ctx, obsDB, traces)
			}()
		}
		slog.Info("workers started", "workers", cfg.Workers, "max_attempts", cfg.MaxAttempts)
	}

	if runAPI {
		svcOpts := []api.Option{
			api.WithAllowedExtensions(cfg.AllowedExtensions),
			api.WithMaxUpload(cfg.MaxUploadBytes()),
			api.WithLogger(logger),
		}
		if obsDB != nil {
			svcOpts = append(svcOpts,
				api.WithEvents(events),
				api.WithMetrics(metrics),
				api.WithObservabilityDB(obsDB, 3*heartbeatInterval),
			)
		}
		svc := api.New(store, q, blobs, exec, svcOpts...)

		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "textmill", Version: version}, nil)
		svc.RegisterMCP(mcpSrv)
		extractor.RegisterMCP(mcpSrv)

		r := svc.Router()
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			slog.Info("textmill listening", "addr", cfg.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server error", "error", err)
				cancel()
			}
		}()

		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}

	<-ctx.Done()
	wg.Wait()
	slog.Info("textmill stopped")
}

func openBlobs(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewGCS(client, cfg.GCSBucket, cfg.GCSPrefix), nil
	default:
		local, err := blobstore.NewLocal(cfg.UploadDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	}
}

// cleanupLoop prunes the observability tables once a day. SQL traces are
// kept for a week.
func cleanupLoop(ctx context.Context, db *sql.DB, traces *trace.Store) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := observability.Cleanup(ctx, db, observability.DefaultRetention()); err != nil && ctx.Err() == nil {
			slog.Warn("observability cleanup", "error", err)
		}
		if traces != nil {
			if _, err := traces.Prune(ctx, time.Now().AddDate(0, 0, -7)); err != nil && ctx.Err() == nil {
				slog.Warn("trace cleanup", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
