// Package shield is the HTTP middleware placed in front of the textmill API.
//
//	r := chi.NewRouter()
//	r.Use(shield.DefaultStack(32 << 20)...)
package shield

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// DefaultStack returns the API middleware, outermost first. maxBody caps
// request bodies; zero or less leaves them unbounded.
func DefaultStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.RequestID,
		TraceID,
		middleware.Recoverer,
		HeadToGet,
		APIHeaders,
		MaxBody(maxBody),
	}
}

// HeadToGet serves HEAD through the GET routes; net/http discards the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

var apiHeaders = [][2]string{
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// APIHeaders marks every response as JSON that must not be framed, sniffed
// or cached.
func APIHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range apiHeaders {
			w.Header().Set(h[0], h[1])
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody wraps request bodies in http.MaxBytesReader, so oversized
// multipart uploads fail while being parsed.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
