package api

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/textmill/kit"
	"github.com/hazyhaar/textmill/shield"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

// Router returns the HTTP surface:
//
//	POST /upload      multipart "file" (+ optional "stage_set")
//	GET  /jobs/{id}   {status, result}
//	GET  /healthz     queue and store counters
//
// Extra handlers (the MCP endpoint) are mounted by the caller.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(shield.DefaultStack(s.maxUpload)...)
	r.Use(transportHTTP)

	r.Post("/upload", s.handleUpload)
	r.Get("/jobs/{id}", s.handleJob)
	r.Get("/healthz", s.handleHealth)
	return r
}

func transportHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(kit.WithTransport(r.Context(), "http")))
	})
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := shield.GetLogger(r.Context())

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, ErrTooLarge)
			return
		}
		log.Debug("upload: parse form", "error", err)
		writeError(w, ErrNoFilePart)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		// A part named "file" without a filename arrives as a plain value.
		if _, ok := r.MultipartForm.Value["file"]; ok {
			writeError(w, ErrNoSelectedFile)
			return
		}
		writeError(w, ErrNoFilePart)
		return
	}
	if err != nil {
		writeError(w, ErrNoFilePart)
		return
	}
	defer file.Close()

	sub, err := s.Submit(r.Context(), Upload{
		Filename: filename(header),
		StageSet: r.FormValue("stage_set"),
		Body:     file,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func filename(h *multipart.FileHeader) string {
	if h == nil {
		return ""
	}
	return h.Filename
}

func (s *Service) handleJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.Health(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("health", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and public message. Anything that is not
// a *RequestError is reported as a 500 without detail.
func writeError(w http.ResponseWriter, err error) {
	var re *RequestError
	if !errors.As(err, &re) {
		re = &RequestError{http.StatusInternalServerError, "Internal error"}
	}
	writeJSON(w, re.Status, map[string]string{"error": re.Msg})
}
