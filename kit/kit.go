// Package kit holds the transport-agnostic endpoint shape shared by the HTTP
// and MCP surfaces of textmill, plus the context keys both transports set.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is one service operation, independent of transport.
type Endpoint func(ctx context.Context, request any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so that the first one listed runs outermost.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}

// Logging logs each call with its duration, transport and the ids on ctx.
func Logging(logger *slog.Logger, name string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := append([]any{
				"endpoint", name,
				"transport", GetTransport(ctx),
				"duration_ms", time.Since(start).Milliseconds(),
			}, Fields(ctx)...)
			if err != nil {
				logger.Warn("endpoint failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("endpoint ok", attrs...)
			}
			return resp, err
		}
	}
}
