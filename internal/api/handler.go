package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/xhaka/xhaka/internal/job"
	"github.com/xhaka/xhaka/internal/queue"
)

const maxBodyBytes = 64 << 10

// Submitter accepts new jobs; *dispatcher.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req job.SubmitRequest) (*job.Record, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	jobs  Submitter
	store job.Store
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(jobs Submitter, store job.Store) *Handler {
	return &Handler{jobs: jobs, store: store}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.SubmitJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
}

type submitBody struct {
	URL        string `json:"url"`
	FolderID   string `json:"folder_id"`
	FolderName string `json:"folder_name"`
}

// SubmitJob handles POST /api/v1/jobs and responds 202 with the pending record.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	credential := bearerToken(r)
	if credential == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer credential")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := h.jobs.Submit(r.Context(), job.SubmitRequest{
		URL:        body.URL,
		FolderID:   body.FolderID,
		FolderName: body.FolderName,
		Credential: credential,
		UserID:     userID,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, rec)
	case errors.Is(err, job.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable, retry later")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("submit job")
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

// ListJobs handles GET /api/v1/jobs and responds 200 with the caller's live
// records, oldest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	recs, err := h.store.ListForUser(r.Context(), userID)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("list jobs")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	// Return an empty array instead of null when there are no jobs.
	if recs == nil {
		recs = []*job.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": recs})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Get(r.Context(), userID, r.PathValue("id"))
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("get job")
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireUser reads the X-User-ID header set by the collaborator and writes
// a 401 when it is absent.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return "", false
	}
	return userID, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
