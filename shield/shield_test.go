package shield

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/textmill/kit"
)

func newRouter(maxBody int64, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(DefaultStack(maxBody)...)
	r.Get("/probe", h)
	r.Post("/probe", h)
	return r
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDefaultStack_HeadersAndIDs(t *testing.T) {
	var traceID, requestID string
	r := newRouter(1024, func(w http.ResponseWriter, r *http.Request) {
		traceID = kit.GetTraceID(r.Context())
		requestID = kit.GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})
	w := serve(r, httptest.NewRequest(http.MethodGet, "/probe", nil))

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d", w.Code)
	}
	for name, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	header := w.Header().Get(TraceHeader)
	if len(header) != 16 || header != traceID {
		t.Errorf("trace id header %q, context %q", header, traceID)
	}
	if requestID == "" {
		t.Error("request id not copied into the context")
	}
}

func TestTraceID_KeepsInboundID(t *testing.T) {
	r := newRouter(0, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(TraceHeader, "0123456789abcdef")
	if got := serve(r, req).Header().Get(TraceHeader); got != "0123456789abcdef" {
		t.Fatalf("inbound trace id replaced by %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(TraceHeader, "not-hex\n")
	if got := serve(r, req).Header().Get(TraceHeader); got == "not-hex\n" || len(got) != 16 {
		t.Fatalf("malformed trace id kept: %q", got)
	}
}

func TestHeadToGet(t *testing.T) {
	r := newRouter(0, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	if w := serve(r, httptest.NewRequest(http.MethodHead, "/probe", nil)); w.Code != http.StatusOK {
		t.Fatalf("HEAD status = %d", w.Code)
	}
}

func TestRecoverer(t *testing.T) {
	r := newRouter(0, func(http.ResponseWriter, *http.Request) { panic("stage exploded") })
	if w := serve(r, httptest.NewRequest(http.MethodGet, "/probe", nil)); w.Code != http.StatusInternalServerError {
		t.Fatalf("status after panic = %d, want 500", w.Code)
	}
}

func TestMaxBody(t *testing.T) {
	r := newRouter(8, func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if w := serve(r, httptest.NewRequest(http.MethodPost, "/probe", strings.NewReader("tiny"))); w.Code != http.StatusNoContent {
		t.Fatalf("small body status = %d", w.Code)
	}
	if w := serve(r, httptest.NewRequest(http.MethodPost, "/probe", bytes.NewReader(make([]byte, 64)))); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body status = %d", w.Code)
	}
}
