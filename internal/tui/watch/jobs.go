package watch

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// JobState tracks one job seen on the event feed.
type JobState struct {
	ID        string
	Kind      string
	RepoPath  string
	Status    string
	Category  string
	Phase     string
	StartTime time.Time
	EndTime   time.Time
}

// toolFrame is the slice of the tool's NDJSON event the TUI cares about.
type toolFrame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Error   string `json:"error,omitempty"`
}

// updateJobState folds one feed event into the job map.
func updateJobState(jobs map[string]*JobState, e streamEvent) {
	if e.JobID == "" {
		return
	}

	job, ok := jobs[e.JobID]
	if !ok {
		// Progress for a job claimed before we connected still gets a row.
		job = &JobState{ID: e.JobID, StartTime: e.At}
		jobs[e.JobID] = job
	}

	switch e.Type {
	case "job.claimed":
		data := map[string]string{}
		_ = json.Unmarshal(e.Payload, &data)
		job.Kind = data["kind"]
		job.RepoPath = data["repo_path"]
		job.Status = "running"
		job.StartTime = e.At

	case "job.progress":
		if job.Status == "" {
			job.Status = "running"
		}
		if phase := phaseFromTool(e.Payload); phase != "" {
			job.Phase = phase
		}

	case "job.completed":
		data := map[string]string{}
		_ = json.Unmarshal(e.Payload, &data)
		job.Status = data["status"]
		if job.Status == "" {
			job.Status = "completed"
		}
		job.Phase = ""
		job.EndTime = e.At

	case "job.failed":
		data := map[string]string{}
		_ = json.Unmarshal(e.Payload, &data)
		job.Status = "failed"
		job.Category = data["category"]
		job.Phase = ""
		job.EndTime = e.At
	}
}

// phaseFromTool maps a tool event to a short activity label, or "" when
// the frame says nothing new about what the tool is doing.
func phaseFromTool(payload []byte) string {
	var frame toolFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return ""
	}

	switch frame.Type {
	case "system":
		if frame.Subtype == "init" {
			return "starting"
		}
	case "assistant":
		if frame.Message == nil {
			return ""
		}
		for i := len(frame.Message.Content) - 1; i >= 0; i-- {
			item := frame.Message.Content[i]
			if item.Type == "tool_use" && item.Name != "" {
				return "tool:" + item.Name
			}
		}
		return "responding"
	case "result":
		return "finishing"
	}
	return ""
}

// sortedJobIDs returns job ids newest first.
func sortedJobIDs(jobs map[string]*JobState) []string {
	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := jobs[ids[i]], jobs[ids[j]]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		return a.ID > b.ID
	})
	return ids
}

const maxJobRows = 8

func renderJobs(jobs map[string]*JobState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(jobs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("JOBS"),
			theme.Dim.Render("  No jobs observed yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	ids := sortedJobIDs(jobs)

	var lines []string
	for i, id := range ids {
		if i >= maxJobRows {
			lines = append(lines, theme.Dim.Render(fmt.Sprintf("  … %d more", len(ids)-maxJobRows)))
			break
		}
		lines = append(lines, renderJobRow(i+1, jobs[id], i == selected, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("JOBS")}, lines...)...,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func renderJobRow(num int, job *JobState, isSelected bool, theme Theme) string {
	idStyle := lipgloss.NewStyle()
	if isSelected {
		idStyle = idStyle.Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	duration := "-"
	if !job.StartTime.IsZero() {
		end := job.EndTime
		if end.IsZero() {
			end = time.Now()
		}
		duration = formatDuration(end.Sub(job.StartTime).Round(time.Second))
	}

	repo := "-"
	if job.RepoPath != "" {
		repo = filepath.Base(job.RepoPath)
	}

	var line strings.Builder
	fmt.Fprintf(&line, " %d. %s %s  %-12s %-16s %s",
		num,
		statusSymbol(job.Status, theme),
		idStyle.Render(fmt.Sprintf("%-8s", shortID(job.ID))),
		job.Kind,
		repo,
		theme.Dim.Render(duration),
	)

	switch {
	case job.Status == "failed" && job.Category != "":
		fmt.Fprintf(&line, "  %s", theme.StatusFailed.Render(job.Category))
	case job.Status == "running" && job.Phase != "":
		fmt.Fprintf(&line, "  %s", theme.Highlight.Render(job.Phase))
	}

	return line.String()
}

func statusSymbol(status string, theme Theme) string {
	switch status {
	case "running":
		return theme.StatusRunning.Render("◉")
	case "completed":
		return theme.StatusOK.Render("●")
	case "failed":
		return theme.StatusFailed.Render("∅")
	default:
		return theme.Dim.Render("○")
	}
}
