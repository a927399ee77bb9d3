package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/brunobiangulo/grounded"
)

// maxUploadBytes bounds multipart uploads before per-type limits apply.
const maxUploadBytes = 100 << 20

type handler struct {
	engine *grounded.Engine
	cfg    grounded.Config
}

func newHandler(e *grounded.Engine, cfg grounded.Config) *handler {
	return &handler{engine: e, cfg: cfg}
}

// POST /sources/upload
// Multipart file upload (fields: file, title?, source_type?). The source
// type defaults from the filename extension.
func (h *handler) handleUploadSource(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	name := r.FormValue("title")
	if name == "" {
		name = header.Filename
	}
	sourceType := r.FormValue("source_type")
	if sourceType == "" {
		sourceType = typeFromFilename(header.Filename)
	}

	src, err := h.engine.CreateSource(r.Context(), grounded.CreateSourceRequest{
		Name:    name,
		Type:    sourceType,
		Payload: file,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

// POST /sources/ingest
// JSON body with exactly one of "text" or "url", plus an optional title.
func (h *handler) handleIngestBody(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title,omitempty"`
		URL   string `json:"url,omitempty"`
		Text  string `json:"text,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if (body.URL == "") == (body.Text == "") {
		writeError(w, http.StatusBadRequest, "exactly one of \"text\" or \"url\" is required")
		return
	}

	req := grounded.CreateSourceRequest{Name: body.Title}
	if body.URL != "" {
		req.Type = "url"
		req.Payload = strings.NewReader(body.URL)
		if req.Name == "" {
			req.Name = body.URL
		}
	} else {
		req.Type = "text"
		req.Payload = strings.NewReader(body.Text)
		if req.Name == "" {
			req.Name = "pasted text"
		}
	}

	src, err := h.engine.CreateSource(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func typeFromFilename(name string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".pdf"):
		return "pdf"
	case strings.HasSuffix(strings.ToLower(name), ".xlsx"):
		return "xlsx"
	default:
		return "text"
	}
}

// GET /sources
func (h *handler) handleListSources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	page, err := h.engine.ListSources(r.Context(), q.Get("status"), q.Get("source_type"), limit, offset)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GET /sources/{id}
func (h *handler) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.engine.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

// DELETE /sources/{id}
func (h *handler) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteSource(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /sources/{id}/ingest
func (h *handler) handleIngestSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.IngestSource(r.Context(), id); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

// queryFlags are the options a route path forces on top of the body.
type queryFlags struct {
	verified   bool
	grouped    bool
	highlights bool
}

// POST /query and its /query/verified/... variants. Path segments force
// options; the JSON body can add to but not override them.
func (h *handler) queryHandler(flags queryFlags) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Question      string    `json:"question"`
			SourceIDs     *[]string `json:"source_ids,omitempty"`
			Mode          string    `json:"mode,omitempty"`
			Rerank        *bool     `json:"rerank,omitempty"`
			Highlights    bool      `json:"highlights,omitempty"`
			GroupBySource bool      `json:"group_by_source,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.Mode != "" && req.Mode != grounded.ModeStandard && req.Mode != grounded.ModeVerified {
			writeError(w, http.StatusBadRequest, "mode must be \"standard\" or \"verified\"")
			return
		}

		var opts []grounded.QueryOption
		if req.SourceIDs != nil {
			// An explicitly empty source set can never be answered.
			if len(*req.SourceIDs) == 0 {
				writeError(w, http.StatusBadRequest, "source_ids must not be empty when present")
				return
			}
			opts = append(opts, grounded.WithSources(*req.SourceIDs))
		}
		if flags.verified || req.Mode == grounded.ModeVerified {
			opts = append(opts, grounded.WithVerification())
		}
		if flags.highlights || req.Highlights {
			opts = append(opts, grounded.WithHighlights())
		}
		if flags.grouped || req.GroupBySource {
			opts = append(opts, grounded.WithGrouping())
		}
		if req.Rerank != nil {
			opts = append(opts, grounded.WithRerank(*req.Rerank))
		}
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			opts = append(opts, grounded.WithIdempotencyKey(key))
		}

		result, err := h.engine.Query(r.Context(), req.Question, opts...)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// GET /answers/{id}
func (h *handler) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.GetAnswer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /answers/{id}/grouped
func (h *handler) handleGetAnswerGrouped(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.GetAnswerGrouped(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /answers/{id}/highlights
func (h *handler) handleGetAnswerHighlights(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.GetAnswerHighlights(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /health/deps
func (h *handler) handleHealthDeps(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
	})
}

// writeEngineError maps engine error kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, grounded.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, grounded.ErrUnsupportedFormat):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, grounded.ErrSourceNotFound),
		errors.Is(err, grounded.ErrAnswerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, grounded.ErrIngestConflict):
		status = http.StatusConflict
	case errors.Is(err, grounded.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, grounded.ErrURLBlocked):
		status = http.StatusForbidden
	case errors.Is(err, grounded.ErrNoReadySources):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, grounded.ErrProvider):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	errorID := middleware.GetReqID(r.Context())
	if status >= 500 {
		slog.Error("request failed", "path", r.URL.Path, "status", status, "error_id", errorID, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"detail":   err.Error(),
		"error_id": errorID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
