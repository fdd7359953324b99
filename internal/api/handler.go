// Package api serves the operational HTTP surface: probes, metrics and a
// small job inspection API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"uws/internal/apperrors"
	"uws/internal/health"
	"uws/internal/job"
)

// JobStore is the part of the job registry the API needs.
type JobStore interface {
	List() []*job.Job
	Get(id string, requester *job.Owner) (*job.Job, error)
	Destroy(ctx context.Context, id string) bool
	Archive(ctx context.Context, id string) bool
}

// Handler contains the HTTP handlers.
type Handler struct {
	jobs   JobStore
	health *health.Checker
	logger *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(jobs JobStore, healthChecker *health.Checker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{jobs: jobs, health: healthChecker, logger: logger}
}

// ListJobs handles GET /v1/jobs. The optional owner and phase query
// parameters filter the list.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	var phase job.Phase
	if p := r.URL.Query().Get("phase"); p != "" {
		parsed, err := job.ParsePhase(p)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		phase = parsed
	}

	statuses := make([]job.Status, 0)
	for _, j := range h.jobs.List() {
		if owner != "" && j.Owner().Key() != owner {
			continue
		}
		if phase != "" && j.Phase() != phase {
			continue
		}
		statuses = append(statuses, j.Snapshot())
	}
	h.writeJSON(w, http.StatusOK, statuses)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, j.Snapshot())
}

// DeleteJob handles DELETE /v1/jobs/{jobId}. The registry's destruction
// policy decides whether the job is deleted or archived.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if !h.jobs.Destroy(r.Context(), jobID) {
		h.handleError(w, r, apperrors.NotFound("job", jobID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ArchiveJob handles POST /v1/jobs/{jobId}/archive
func (h *Handler) ArchiveJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.jobs.Archive(r.Context(), j.ID())
	h.writeJSON(w, http.StatusOK, j.Snapshot())
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return nil, false
	}
	j, err := h.jobs.Get(jobID, nil)
	if err == nil && j == nil {
		err = apperrors.NotFound("job", jobID)
	}
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	return j, true
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if a critical dependency (the container runtime) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError writes err with the status its class maps to.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		h.logger.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		h.logger.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
