package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/textmill/kit"
)

// TraceHeader carries the trace id in both directions.
const TraceHeader = "X-Trace-ID"

type loggerKey struct{}

// TraceID tags each request with a trace id and a request logger, and logs
// the request when it completes. A well-formed inbound X-Trace-ID (from a
// proxy or a retrying client) is kept; otherwise a random one is minted.
// Runs inside middleware.RequestID, whose id is copied into kit's context.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if !validTraceID(traceID) {
			traceID = newTraceID()
		}
		w.Header().Set(TraceHeader, traceID)

		logger := slog.Default().With("trace_id", traceID, "method", r.Method, "path", r.URL.Path)
		ctx := kit.WithTraceID(r.Context(), traceID)
		ctx = kit.WithRequestID(ctx, middleware.GetReqID(ctx))
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		ctx = context.WithValue(ctx, loggerKey{}, logger)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.Info("request",
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// GetLogger returns the request logger, or slog.Default outside a request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func newTraceID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// validTraceID accepts an even number of hex digits, 8 to 64 of them.
func validTraceID(s string) bool {
	if len(s) < 8 || len(s) > 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
