package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/crucible/internal/failure"
	"github.com/mattjoyce/crucible/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

func sampleRecord() Record {
	return Record{
		JobID:     "job-42",
		TaskID:    "TASK-7",
		StartedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Duration:  95 * time.Second,
		Workspace: "/tmp/repo-worktrees/job-job-42",
		Branch:    "crucible/job-job-42",
		Model:     "sonnet",
		SessionID: "sess-9",
		ExitCode:  0,
		Outcome:   "completed",
		NumTurns:  6,
		CostUSD:   0.42,
		Prompt:    "fix the flaky test",
		FinalText: "Stabilized the retry loop.",
		Transcript: `{"type":"system","subtype":"init"}
{"type":"result","result":"done"}`,
	}
}

func TestWriteCreatesToolScopedDir(t *testing.T) {
	t.Parallel()

	repo := t.TempDir()
	w := NewWriter(repo, "/usr/local/bin/claude")

	path, err := w.Write(sampleRecord())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := filepath.Join(repo, ".claude-logs", "job-job-42.log")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	content := string(data)

	for _, fragment := range []string{
		"# job job-42",
		"task:      TASK-7",
		"started:   2026-03-14T09:30:00Z",
		"finished:  2026-03-14T09:31:35Z",
		"duration:  1m35s",
		"branch:    crucible/job-job-42",
		"model:     sonnet",
		"outcome:   completed",
		"cost_usd:  0.4200",
		"## prompt",
		"fix the flaky test",
		"## final output",
		"Stabilized the retry loop.",
		"## transcript",
		`{"type":"result","result":"done"}`,
	} {
		if !strings.Contains(content, fragment) {
			t.Errorf("transcript missing %q:\n%s", fragment, content)
		}
	}
}

func TestWriteOmitsEmptyHeaderFields(t *testing.T) {
	t.Parallel()

	w := NewWriter(t.TempDir(), "claude")
	rec := Record{
		JobID:     "job-min",
		StartedAt: time.Now(),
		Outcome:   "spawn_failed",
		ExitCode:  -1,
	}

	path, err := w.Write(rec)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, _ := os.ReadFile(path)
	content := string(data)

	for _, absent := range []string{"task:", "branch:", "model:", "session:", "turns:", "cost_usd:"} {
		if strings.Contains(content, absent) {
			t.Errorf("empty field %q rendered:\n%s", absent, content)
		}
	}
	if !strings.Contains(content, "exit_code: -1") {
		t.Errorf("exit code missing:\n%s", content)
	}
}

func TestWriteReplacesPreviousLog(t *testing.T) {
	t.Parallel()

	w := NewWriter(t.TempDir(), "claude")
	rec := sampleRecord()

	if _, err := w.Write(rec); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	rec.FinalText = "second attempt output"
	path, err := w.Write(rec)
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "second attempt output") {
		t.Error("second write did not replace log")
	}
	if strings.Contains(string(data), "Stabilized the retry loop.") {
		t.Error("first write's content survived")
	}
}

func TestWriteFailure(t *testing.T) {
	t.Parallel()

	repo := t.TempDir()
	w := NewWriter(repo, "claude")

	cls := &failure.Classified{
		Category:         failure.RateLimited,
		UserMessage:      "The tool hit its usage limit.",
		TechnicalDetails: "error: 429\nstderr: rate limit exceeded\nexit code: 1",
		PartialOutput:    "got halfway through",
	}
	path, err := w.WriteFailure("job-42", cls)
	if err != nil {
		t.Fatalf("WriteFailure: %v", err)
	}

	want := filepath.Join(repo, ".claude-logs", "job-job-42-error.log")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	for _, fragment := range []string{
		"category: rate_limited",
		"message:  The tool hit its usage limit.",
		"## technical details",
		"rate limit exceeded",
		"## partial output",
		"got halfway through",
	} {
		if !strings.Contains(content, fragment) {
			t.Errorf("failure log missing %q:\n%s", fragment, content)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"claude", "claude"},
		{"claude-next", "claude-next"},
		{"../../etc/passwd", "etcpasswd"},
		{"job 42; rm", "job42rm"},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewWriterFallsBackForUnusableToolName(t *testing.T) {
	t.Parallel()

	w := NewWriter("/repo", "///")
	if got := w.Dir(); got != filepath.Join("/repo", ".tool-logs") {
		t.Errorf("Dir = %q", got)
	}
}
