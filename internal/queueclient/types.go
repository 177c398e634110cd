package queueclient

import (
	"time"

	"github.com/mattjoyce/crucible/internal/workspace"
)

// Job kinds the queue hands out.
const (
	KindCodeChange = "code_change"
	KindArtifact   = "artifact"
)

// Job is one unit of work claimed from the remote queue.
type Job struct {
	ID             string `json:"id"`
	TaskID         string `json:"task_id,omitempty"`
	Kind           string `json:"kind"`
	Prompt         string `json:"prompt"`
	RepoPath       string `json:"repo_path"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// AutoCleanup is a pointer so an absent field means "clean up",
	// matching the queue's contract.
	AutoCleanup *bool             `json:"auto_cleanup,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
}

// CleanupEnabled reports whether the workspace should be removed after
// the job finishes. Defaults to true when the queue did not say.
func (j *Job) CleanupEnabled() bool {
	return j.AutoCleanup == nil || *j.AutoCleanup
}

// Timeout converts the wire field, zero when unset.
func (j *Job) Timeout() time.Duration {
	if j.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// Terminal statuses reported back to the queue.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// FailureReport mirrors the classifier's output onto the wire.
type FailureReport struct {
	Category         string `json:"category"`
	UserMessage      string `json:"user_message"`
	TechnicalDetails string `json:"technical_details,omitempty"`
}

// CompletionReport is the terminal record for a job.
type CompletionReport struct {
	Status        string                   `json:"status"`
	FinalText     string                   `json:"final_text,omitempty"`
	DurationMS    int64                    `json:"duration_ms"`
	ExitCode      int                      `json:"exit_code"`
	NumTurns      int                      `json:"num_turns,omitempty"`
	CostUSD       float64                  `json:"cost_usd,omitempty"`
	Failure       *FailureReport           `json:"failure,omitempty"`
	ChangeSummary *workspace.ChangeSummary `json:"change_summary,omitempty"`
	// Branch always names the job branch (branches outlive cleanup);
	// WorkspacePath is set only when the workspace was left in place.
	WorkspacePath string `json:"workspace_path,omitempty"`
	Branch        string `json:"branch,omitempty"`
}

// StatusEvent is a non-terminal lifecycle notification.
type StatusEvent struct {
	Type     string            `json:"type"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}
