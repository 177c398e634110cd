// Package inspect renders journal records for the CLI. The human format
// is built for terminals; the JSON format is stable for scripting.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/crucible/internal/journal"
	"github.com/mattjoyce/crucible/internal/transcript"
)

const timeLayout = "2006-01-02 15:04:05"

// Reader is the slice of the journal the report builders need.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Get(ctx context.Context, jobID string) (*journal.Entry, error)
	Events(ctx context.Context, jobID string) ([]journal.Event, error)
}

// Report is the structured JSON representation of one executed job.
type Report struct {
	JobID           string      `json:"job_id"`
	TaskID          string      `json:"task_id,omitempty"`
	Kind            string      `json:"kind"`
	Status          string      `json:"status"`
	FailureCategory string      `json:"failure_category,omitempty"`
	RepoPath        string      `json:"repo_path"`
	Branch          string      `json:"branch,omitempty"`
	WorkspacePath   string      `json:"workspace_path,omitempty"`
	Transcripts     []string    `json:"transcripts,omitempty"`
	CommitCount     int         `json:"commit_count"`
	ExitCode        int         `json:"exit_code"`
	DurationMS      int64       `json:"duration_ms"`
	FinalText       string      `json:"final_text,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
	Events          []EventLine `json:"events"`
}

// EventLine is one lifecycle event in the report.
type EventLine struct {
	Seq     int64     `json:"seq"`
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Summary is one row of the job list.
type Summary struct {
	JobID           string    `json:"job_id"`
	TaskID          string    `json:"task_id,omitempty"`
	Kind            string    `json:"kind"`
	Status          string    `json:"status"`
	FailureCategory string    `json:"failure_category,omitempty"`
	RepoPath        string    `json:"repo_path"`
	Branch          string    `json:"branch,omitempty"`
	DurationMS      int64     `json:"duration_ms"`
	FinishedAt      time.Time `json:"finished_at"`
}

// BuildReport renders a terminal-friendly report for one job. tool names
// the coding tool binary, used to locate transcript files under the
// source repo.
func BuildReport(ctx context.Context, r Reader, tool, jobID string) (string, error) {
	report, err := gatherReportData(ctx, r, tool, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID     : %s\n", report.JobID)
	if report.TaskID != "" {
		fmt.Fprintf(&out, "Task ID    : %s\n", report.TaskID)
	}
	fmt.Fprintf(&out, "Kind       : %s\n", report.Kind)
	status := report.Status
	if report.FailureCategory != "" {
		status = fmt.Sprintf("%s (%s)", status, report.FailureCategory)
	}
	fmt.Fprintf(&out, "Status     : %s\n", status)
	fmt.Fprintf(&out, "Repo       : %s\n", report.RepoPath)
	fmt.Fprintf(&out, "Branch     : %s\n", renderUnset(report.Branch, "<none>"))
	fmt.Fprintf(&out, "Workspace  : %s\n", renderUnset(report.WorkspacePath, "<removed>"))
	fmt.Fprintf(&out, "Commits    : %d\n", report.CommitCount)
	fmt.Fprintf(&out, "Exit code  : %d\n", report.ExitCode)
	fmt.Fprintf(&out, "Duration   : %s\n", formatDuration(report.DurationMS))
	fmt.Fprintf(&out, "Started    : %s\n", report.StartedAt.Local().Format(timeLayout))
	fmt.Fprintf(&out, "Finished   : %s\n", report.FinishedAt.Local().Format(timeLayout))

	if len(report.Transcripts) > 0 {
		fmt.Fprintf(&out, "\nTranscripts:\n")
		for _, p := range report.Transcripts {
			fmt.Fprintf(&out, "  - %s\n", p)
		}
	}

	if len(report.Events) > 0 {
		fmt.Fprintf(&out, "\nEvents:\n")
		for _, ev := range report.Events {
			fmt.Fprintf(&out, "  %s  %-14s", ev.At.Local().Format("15:04:05"), ev.Type)
			if ev.Message != "" {
				fmt.Fprintf(&out, "  %s", ev.Message)
			}
			fmt.Fprintf(&out, "\n")
		}
	}

	if report.FinalText != "" {
		fmt.Fprintf(&out, "\nFinal output:\n")
		for _, line := range strings.Split(strings.TrimRight(report.FinalText, "\n"), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report for one job.
func BuildJSONReport(ctx context.Context, r Reader, tool, jobID string) (string, error) {
	report, err := gatherReportData(ctx, r, tool, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildList renders the recent-jobs table, newest first.
func BuildList(ctx context.Context, r Reader, limit int) (string, error) {
	entries, err := r.Recent(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No jobs in the journal yet.\n", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%-8s  %-12s  %-10s  %9s  %-19s  %s\n",
		"JOB", "KIND", "STATUS", "DURATION", "FINISHED", "REPO")
	for _, e := range entries {
		fmt.Fprintf(&out, "%-8s  %-12s  %-10s  %9s  %-19s  %s\n",
			shortID(e.JobID),
			e.Kind,
			e.Status,
			formatDuration(e.DurationMS),
			e.FinishedAt.Local().Format(timeLayout),
			e.RepoPath,
		)
	}
	return out.String(), nil
}

// BuildJSONList returns the machine-readable job list.
func BuildJSONList(ctx context.Context, r Reader, limit int) (string, error) {
	entries, err := r.Recent(ctx, limit)
	if err != nil {
		return "", err
	}

	summaries := make([]Summary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, Summary{
			JobID:           e.JobID,
			TaskID:          e.TaskID,
			Kind:            e.Kind,
			Status:          e.Status,
			FailureCategory: e.FailureCategory,
			RepoPath:        e.RepoPath,
			Branch:          e.Branch,
			DurationMS:      e.DurationMS,
			FinishedAt:      e.FinishedAt,
		})
	}

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json list: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, r Reader, tool, jobID string) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job id is required")
	}

	entry, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	events, err := r.Events(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job events: %w", err)
	}

	report := &Report{
		JobID:           entry.JobID,
		TaskID:          entry.TaskID,
		Kind:            entry.Kind,
		Status:          entry.Status,
		FailureCategory: entry.FailureCategory,
		RepoPath:        entry.RepoPath,
		Branch:          entry.Branch,
		WorkspacePath:   entry.WorkspacePath,
		Transcripts:     findTranscripts(entry, tool),
		CommitCount:     entry.CommitCount,
		ExitCode:        entry.ExitCode,
		DurationMS:      entry.DurationMS,
		FinalText:       entry.FinalText,
		StartedAt:       entry.StartedAt,
		FinishedAt:      entry.FinishedAt,
		Events:          make([]EventLine, 0, len(events)),
	}
	for _, ev := range events {
		report.Events = append(report.Events, EventLine{
			Seq:     ev.Seq,
			Type:    ev.Type,
			Message: ev.Message,
			At:      ev.At,
		})
	}
	return report, nil
}

// findTranscripts returns the transcript files the orchestrator left for
// this job under the source repo. Transcripts outlive workspace cleanup,
// so they are the durable artifacts worth pointing at.
func findTranscripts(entry *journal.Entry, tool string) []string {
	if entry.RepoPath == "" || tool == "" {
		return nil
	}
	w := transcript.NewWriter(entry.RepoPath, tool)
	var found []string
	for _, p := range []string{w.Path(entry.JobID), w.ErrorPath(entry.JobID)} {
		if _, err := os.Stat(p); err == nil {
			found = append(found, p)
		}
	}
	return found
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
