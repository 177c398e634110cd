package api

import (
	"time"

	"github.com/mattjoyce/crucible/internal/journal"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Agent         string `json:"agent"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	// CurrentJobID is empty while the agent is idle.
	CurrentJobID string `json:"current_job_id,omitempty"`
}

// JobResponse is one journal entry, returned by the jobs endpoints.
type JobResponse struct {
	JobID           string    `json:"job_id"`
	TaskID          string    `json:"task_id,omitempty"`
	Kind            string    `json:"kind"`
	RepoPath        string    `json:"repo_path"`
	Status          string    `json:"status"`
	FailureCategory string    `json:"failure_category,omitempty"`
	Branch          string    `json:"branch,omitempty"`
	WorkspacePath   string    `json:"workspace_path,omitempty"`
	CommitCount     int       `json:"commit_count"`
	ExitCode        int       `json:"exit_code"`
	DurationMS      int64     `json:"duration_ms"`
	FinalText       string    `json:"final_text,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// JobEventResponse is one lifecycle event within a job detail.
type JobEventResponse struct {
	Seq     int64     `json:"seq"`
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// JobDetailResponse is returned by GET /api/v1/jobs/{jobID}.
type JobDetailResponse struct {
	JobResponse
	Events []JobEventResponse `json:"events"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

func jobResponseFrom(e journal.Entry) JobResponse {
	return JobResponse{
		JobID:           e.JobID,
		TaskID:          e.TaskID,
		Kind:            e.Kind,
		RepoPath:        e.RepoPath,
		Status:          e.Status,
		FailureCategory: e.FailureCategory,
		Branch:          e.Branch,
		WorkspacePath:   e.WorkspacePath,
		CommitCount:     e.CommitCount,
		ExitCode:        e.ExitCode,
		DurationMS:      e.DurationMS,
		FinalText:       e.FinalText,
		StartedAt:       e.StartedAt,
		FinishedAt:      e.FinishedAt,
	}
}

func jobEventResponseFrom(ev journal.Event) JobEventResponse {
	return JobEventResponse{
		Seq:     ev.Seq,
		Type:    ev.Type,
		Message: ev.Message,
		At:      ev.At,
	}
}
