package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/crucible/internal/journal"
)

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 500
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		Agent:         s.config.AgentName,
		Version:       s.config.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		CurrentJobID:  s.currentJobID(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListJobs handles GET /api/v1/jobs?limit=N
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxJobListLimit {
		limit = maxJobListLimit
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	jobs := make([]JobResponse, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, jobResponseFrom(e))
	}
	respondJSON(w, http.StatusOK, jobs)
}

// handleGetJob handles GET /api/v1/jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	entry, err := s.journal.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to load job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	evs, err := s.journal.Events(r.Context(), jobID)
	if err != nil {
		s.logger.Error("failed to load job events", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job events")
		return
	}

	detail := JobDetailResponse{
		JobResponse: jobResponseFrom(*entry),
		Events:      make([]JobEventResponse, 0, len(evs)),
	}
	for _, ev := range evs {
		detail.Events = append(detail.Events, jobEventResponseFrom(ev))
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
