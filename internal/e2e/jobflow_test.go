package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crucible/internal/agent"
	"github.com/mattjoyce/crucible/internal/events"
	"github.com/mattjoyce/crucible/internal/failure"
	"github.com/mattjoyce/crucible/internal/gitexec"
	"github.com/mattjoyce/crucible/internal/journal"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/orchestrator"
	"github.com/mattjoyce/crucible/internal/queueclient"
	"github.com/mattjoyce/crucible/internal/session"
	"github.com/mattjoyce/crucible/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

func setupTestRepo(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@crucible.dev")
	runGit(t, dir, "config", "user.name", "Crucible Test")

	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("# Test Repository\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")
	runGit(t, dir, "branch", "-M", "main")

	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// writeTool drops a fake tool binary named claude into a temp dir so
// transcript paths land under .claude-logs.
func writeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// queueRecorder is an in-memory stand-in for the remote queue. It hands
// out one job and records everything the agent sends back.
type queueRecorder struct {
	mu         sync.Mutex
	claims     int
	report     *queueclient.CompletionReport
	eventTypes []string
	progress   int
	metadata   map[string]any
	reported   chan struct{}
}

func newQueueRecorder() *queueRecorder {
	return &queueRecorder{reported: make(chan struct{})}
}

func (q *queueRecorder) handler(t *testing.T, job *queueclient.Job) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-e2e", r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/api/v1/jobs/claim":
			q.mu.Lock()
			q.claims++
			first := q.claims == 1
			q.mu.Unlock()
			if !first {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			json.NewEncoder(w).Encode(job)

		case "/api/v1/jobs/" + job.ID + "/complete":
			var rep queueclient.CompletionReport
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&rep))
			q.mu.Lock()
			if q.report == nil {
				q.report = &rep
				close(q.reported)
			}
			q.mu.Unlock()

		case "/api/v1/jobs/" + job.ID + "/progress":
			q.mu.Lock()
			q.progress++
			q.mu.Unlock()

		case "/api/v1/jobs/" + job.ID + "/events":
			var ev queueclient.StatusEvent
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
			q.mu.Lock()
			q.eventTypes = append(q.eventTypes, ev.Type)
			q.mu.Unlock()

		case "/api/v1/jobs/" + job.ID + "/metadata":
			assert.Equal(t, http.MethodPatch, r.Method)
			var fields map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&fields))
			q.mu.Lock()
			q.metadata = fields
			q.mu.Unlock()

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// buildAgent wires the real stack: HTTP queue client, orchestrator with
// git worktrees and the fake tool, SQLite journal, event hub.
func buildAgent(t *testing.T, ctx context.Context, queueURL, toolPath string, interval time.Duration) (*agent.Agent, *journal.Journal, *events.Hub) {
	t.Helper()

	qc, err := queueclient.New(queueclient.Config{
		BaseURL: queueURL,
		Token:   "tok-e2e",
		AgentID: "agent-e2e",
	})
	require.NoError(t, err)

	jnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	orch := orchestrator.New(orchestrator.Deps{
		Workspaces: workspace.NewManager(gitexec.New()),
		Session: session.New(session.Config{
			Tool:         toolPath,
			Timeout:      30 * time.Second,
			StderrMirror: io.Discard,
		}),
		Reporter: qc,
		Journal:  jnl,
		Tool:     toolPath,
	})

	hub := events.NewHub(256)
	return agent.New(qc, orch, hub, interval), jnl, hub
}

func TestJobFlowFromClaimToCompletion(t *testing.T) {
	skipIfNoGit(t)

	repo := setupTestRepo(t)
	tool := writeTool(t, `#!/bin/sh
cat > /dev/null
printf '%s\n' '{"type":"system","subtype":"init","model":"claude-test-1","session_id":"sess-e2e-1"}'
echo "notes" > notes.txt
git add notes.txt > /dev/null 2>&1
git commit -q -m "add notes" > /dev/null 2>&1
printf '%s\n' '{"type":"result","subtype":"success","result":"Added the notes file.","num_turns":2,"total_cost_usd":0.03,"is_error":false}'
exit 0
`)

	job := &queueclient.Job{
		ID:       "e2e-1",
		TaskID:   "task-42",
		Kind:     queueclient.KindCodeChange,
		Prompt:   "add a notes file to the repository",
		RepoPath: repo,
	}

	rec := newQueueRecorder()
	srv := httptest.NewServer(rec.handler(t, job))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ag, jnl, hub := buildAgent(t, ctx, srv.URL, tool, 20*time.Millisecond)

	ag.Start(ctx)
	select {
	case <-rec.reported:
	case <-time.After(20 * time.Second):
		t.Fatal("queue never received a completion report")
	}
	ag.Stop()

	// The terminal report carried the outcome over the wire.
	rec.mu.Lock()
	report := rec.report
	progress := rec.progress
	queueEvents := append([]string(nil), rec.eventTypes...)
	metadata := rec.metadata
	rec.mu.Unlock()

	require.NotNil(t, report)
	assert.Equal(t, queueclient.StatusCompleted, report.Status)
	assert.Equal(t, "Added the notes file.", report.FinalText)
	assert.Equal(t, "crucible/task-42/job-e2e-1", report.Branch)
	assert.Greater(t, report.DurationMS, int64(0))
	assert.Equal(t, 2, report.NumTurns)
	assert.InDelta(t, 0.03, report.CostUSD, 0.0001)
	assert.Nil(t, report.Failure)
	require.NotNil(t, report.ChangeSummary)
	assert.Equal(t, 1, report.ChangeSummary.CommitCount)
	assert.Equal(t, "add notes", report.ChangeSummary.LastCommitSubject)

	// Lifecycle notifications and progress reached the queue too.
	assert.Equal(t,
		[]string{"workspace_created", "session_started", "session_finished", "cleanup_done"},
		queueEvents)
	assert.Equal(t, 2, progress)
	require.NotNil(t, metadata)
	assert.Equal(t, report.Branch, metadata["branch"])

	// The journal kept the durable record.
	entry, err := jnl.Get(ctx, "e2e-1")
	require.NoError(t, err)
	assert.Equal(t, queueclient.StatusCompleted, entry.Status)
	assert.Equal(t, queueclient.KindCodeChange, entry.Kind)
	assert.Equal(t, 1, entry.CommitCount)
	assert.Equal(t, report.Branch, entry.Branch)

	// The local stream saw the same lifecycle.
	var hubTypes []string
	for _, ev := range hub.Replay(0) {
		hubTypes = append(hubTypes, ev.Type)
	}
	assert.Contains(t, hubTypes, events.TopicJobClaimed)
	assert.Contains(t, hubTypes, events.TopicJobCompleted)
	assert.NotContains(t, hubTypes, events.TopicJobFailed)

	// Worktree removed, branch and transcript kept.
	assert.NoDirExists(t, filepath.Join(filepath.Dir(repo), "repo-worktrees", "job-e2e-1"))
	assert.Contains(t, runGit(t, repo, "branch", "--list", report.Branch), "job-e2e-1")
	assert.FileExists(t, filepath.Join(repo, ".claude-logs", "job-e2e-1.log"))
}

func TestJobFlowReportsClassifiedFailure(t *testing.T) {
	skipIfNoGit(t)

	repo := setupTestRepo(t)
	tool := writeTool(t, `#!/bin/sh
cat > /dev/null
printf '%s\n' '{"type":"system","subtype":"init","model":"claude-test-1","session_id":"sess-e2e-2"}'
printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"Half finished"}]}}'
echo "rate limit exceeded, please retry later" >&2
exit 3
`)

	job := &queueclient.Job{
		ID:       "e2e-2",
		Kind:     queueclient.KindCodeChange,
		Prompt:   "refactor the parser",
		RepoPath: repo,
	}

	rec := newQueueRecorder()
	srv := httptest.NewServer(rec.handler(t, job))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ag, jnl, _ := buildAgent(t, ctx, srv.URL, tool, time.Minute)

	out, err := ag.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, queueclient.StatusFailed, out.Status)
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.RateLimited, out.Failure.Category)

	rec.mu.Lock()
	report := rec.report
	rec.mu.Unlock()

	require.NotNil(t, report)
	assert.Equal(t, queueclient.StatusFailed, report.Status)
	require.NotNil(t, report.Failure)
	assert.Equal(t, "rate_limited", report.Failure.Category)
	assert.NotEmpty(t, report.Failure.UserMessage)
	assert.Equal(t, 3, report.ExitCode)

	entry, err := jnl.Get(ctx, "e2e-2")
	require.NoError(t, err)
	assert.Equal(t, queueclient.StatusFailed, entry.Status)
	assert.Equal(t, "rate_limited", entry.FailureCategory)

	// The failure report landed next to the transcript for later triage.
	assert.FileExists(t, filepath.Join(repo, ".claude-logs", "job-e2e-2-error.log"))
}

func TestRunOnceAgainstEmptyQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	ag, _, _ := buildAgent(t, ctx, srv.URL, "/bin/true", time.Minute)

	out, err := ag.RunOnce(ctx)
	require.NoError(t, err)
	assert.Nil(t, out)
}
