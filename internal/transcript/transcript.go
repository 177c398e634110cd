// Package transcript persists per-job execution records next to the
// repository the job ran against. Workspaces are disposable; these files
// are the audit trail that survives cleanup.
package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/crucible/internal/failure"
	"github.com/mattjoyce/crucible/internal/log"
)

// Record is everything worth keeping from one job execution.
type Record struct {
	JobID     string
	TaskID    string
	StartedAt time.Time
	Duration  time.Duration
	Workspace string
	Branch    string
	Model     string
	SessionID string
	ExitCode  int
	Outcome   string
	NumTurns  int
	CostUSD   float64
	Prompt    string
	FinalText string
	// Transcript is the raw line stream captured from the tool.
	Transcript string
}

// Writer stores job logs under <repo>/.<tool>-logs/.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// NewWriter returns a Writer rooted at the repository path. The directory
// name derives from the tool binary, so runs of different tools against
// the same repository keep separate histories.
func NewWriter(repoPath, tool string) *Writer {
	name := sanitizeName(filepath.Base(tool))
	if name == "" {
		name = "tool"
	}
	return &Writer{
		dir:    filepath.Join(repoPath, "."+name+"-logs"),
		logger: log.WithComponent("transcript"),
	}
}

// Dir reports the directory logs are written to.
func (w *Writer) Dir() string {
	return w.dir
}

// Path reports where the main log for a job lives, whether or not it has
// been written yet.
func (w *Writer) Path(jobID string) string {
	return filepath.Join(w.dir, "job-"+sanitizeName(jobID)+".log")
}

// ErrorPath reports where a job's failure log lives.
func (w *Writer) ErrorPath(jobID string) string {
	return filepath.Join(w.dir, "job-"+sanitizeName(jobID)+"-error.log")
}

// Write stores the execution record, replacing any previous log for the
// same job id.
func (w *Writer) Write(rec Record) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# job %s\n", rec.JobID)
	if rec.TaskID != "" {
		fmt.Fprintf(&b, "task:      %s\n", rec.TaskID)
	}
	fmt.Fprintf(&b, "started:   %s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "finished:  %s\n", rec.StartedAt.Add(rec.Duration).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "duration:  %s\n", rec.Duration.Round(time.Millisecond))
	if rec.Workspace != "" {
		fmt.Fprintf(&b, "workspace: %s\n", rec.Workspace)
	}
	if rec.Branch != "" {
		fmt.Fprintf(&b, "branch:    %s\n", rec.Branch)
	}
	if rec.Model != "" {
		fmt.Fprintf(&b, "model:     %s\n", rec.Model)
	}
	if rec.SessionID != "" {
		fmt.Fprintf(&b, "session:   %s\n", rec.SessionID)
	}
	fmt.Fprintf(&b, "exit_code: %d\n", rec.ExitCode)
	fmt.Fprintf(&b, "outcome:   %s\n", rec.Outcome)
	if rec.NumTurns > 0 {
		fmt.Fprintf(&b, "turns:     %d\n", rec.NumTurns)
	}
	if rec.CostUSD > 0 {
		fmt.Fprintf(&b, "cost_usd:  %.4f\n", rec.CostUSD)
	}

	writeSection(&b, "prompt", rec.Prompt)
	writeSection(&b, "final output", rec.FinalText)
	writeSection(&b, "transcript", rec.Transcript)

	path := w.Path(rec.JobID)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	w.logger.Debug("wrote job transcript", "path", path)
	return path, nil
}

// WriteFailure stores the classified failure alongside the main log so a
// red job can be diagnosed without replaying it.
func (w *Writer) WriteFailure(jobID string, cls *failure.Classified) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# job %s failure\n", jobID)
	fmt.Fprintf(&b, "category: %s\n", cls.Category)
	fmt.Fprintf(&b, "message:  %s\n", cls.UserMessage)
	writeSection(&b, "technical details", cls.TechnicalDetails)
	if cls.PartialOutput != "" {
		writeSection(&b, "partial output", cls.PartialOutput)
	}

	path := w.ErrorPath(jobID)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write failure log: %w", err)
	}
	w.logger.Debug("wrote job failure log", "path", path)
	return path, nil
}

func writeSection(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "\n## %s\n\n", title)
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteByte('\n')
}

// sanitizeName strips anything that could escape the logs directory or
// confuse a filename.
func sanitizeName(name string) string {
	var clean strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			clean.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			clean.WriteRune(r)
		}
	}
	return strings.Trim(clean.String(), ".")
}
