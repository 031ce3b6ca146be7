package kit

import "context"

type contextKey string

// Keys carried through a request or a queued job.
const (
	TransportKey  contextKey = "kit_transport" // http, mcp or queue
	RequestIDKey  contextKey = "kit_request_id"
	TraceIDKey    contextKey = "kit_trace_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
	JobIDKey      contextKey = "kit_job_id"
)

// logFields lists the keys Fields reports, with their log attribute names.
var logFields = []struct {
	key  contextKey
	attr string
}{
	{RequestIDKey, "request_id"},
	{TraceIDKey, "trace_id"},
	{RemoteAddrKey, "remote_addr"},
	{JobIDKey, "job_id"},
}

func with(ctx context.Context, k contextKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func get(ctx context.Context, k contextKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context { return with(ctx, TransportKey, t) }

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if v := get(ctx, TransportKey); v != "" {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context { return with(ctx, RequestIDKey, id) }
func GetRequestID(ctx context.Context) string                      { return get(ctx, RequestIDKey) }

func WithTraceID(ctx context.Context, id string) context.Context { return with(ctx, TraceIDKey, id) }
func GetTraceID(ctx context.Context) string                      { return get(ctx, TraceIDKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return with(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string { return get(ctx, RemoteAddrKey) }

// WithJobID tags ctx with the analysis job being processed.
func WithJobID(ctx context.Context, id string) context.Context { return with(ctx, JobIDKey, id) }
func GetJobID(ctx context.Context) string                      { return get(ctx, JobIDKey) }

// Fields returns the ids set on ctx as slog key/value pairs. Unset ids are
// left out.
func Fields(ctx context.Context) []any {
	var out []any
	for _, f := range logFields {
		if v := get(ctx, f.key); v != "" {
			out = append(out, f.attr, v)
		}
	}
	return out
}
