package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/crucible/internal/gitexec"
	"github.com/mattjoyce/crucible/internal/log"
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

// setupTestRepo creates a temporary git repository with one commit.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir repo: %v", err)
	}

	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@crucible.dev")
	runGit(t, dir, "config", "user.name", "Crucible Test")

	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# Test Repository\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
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
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func TestPathForIsPureAndSibling(t *testing.T) {
	t.Parallel()

	m := NewManager(gitexec.New())

	first := m.PathFor("/home/dev/project", "42")
	second := m.PathFor("/home/dev/project", "42")
	if first != second {
		t.Fatalf("PathFor not deterministic: %q vs %q", first, second)
	}
	if first != "/home/dev/project-worktrees/job-42" {
		t.Fatalf("PathFor = %q", first)
	}
	if strings.HasPrefix(first, "/home/dev/project/") {
		t.Fatalf("workspace path %q is nested inside the repository", first)
	}
}

func TestBranchNameFor(t *testing.T) {
	t.Parallel()

	m := NewManager(gitexec.New())

	if got := m.BranchNameFor("task-7", "42"); got != "crucible/task-7/job-42" {
		t.Errorf("BranchNameFor = %q", got)
	}
	if got := m.BranchNameFor("", "42"); got != "crucible/job-42" {
		t.Errorf("BranchNameFor without task = %q", got)
	}
	// Deterministic under repetition.
	if a, b := m.BranchNameFor("t", "1"), m.BranchNameFor("t", "1"); a != b {
		t.Errorf("BranchNameFor not deterministic: %q vs %q", a, b)
	}
	// Characters git refuses in refs are replaced.
	if got := m.BranchNameFor("has space", "x~y"); strings.ContainsAny(got, " ~") {
		t.Errorf("BranchNameFor did not sanitize: %q", got)
	}

	custom := NewManager(gitexec.New(), WithNamespace("forge"))
	if got := custom.BranchNameFor("t", "1"); got != "forge/t/job-1" {
		t.Errorf("custom namespace BranchNameFor = %q", got)
	}
}

func TestValidateJobID(t *testing.T) {
	t.Parallel()

	valid := []string{"1", "job-abc", "550e8400-e29b-41d4-a716-446655440000", "a_b.c"}
	for _, id := range valid {
		if err := validateJobID(id); err != nil {
			t.Errorf("validateJobID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", ".", "..", "a/b", `a\b`, "../escape", "./x"}
	for _, id := range invalid {
		if err := validateJobID(id); err == nil {
			t.Errorf("validateJobID(%q) = nil, want error", id)
		}
	}
}

func TestCreateAndRemove(t *testing.T) {
	skipIfNoGit(t)

	repo := setupTestRepo(t)
	m := NewManager(gitexec.New())

	ws, err := m.Create(context.Background(), repo, "task-1", "100")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if ws.Path != m.PathFor(repo, "100") {
		t.Errorf("workspace path = %q, want %q", ws.Path, m.PathFor(repo, "100"))
	}
	if ws.Branch != m.BranchNameFor("task-1", "100") {
		t.Errorf("workspace branch = %q, want %q", ws.Branch, m.BranchNameFor("task-1", "100"))
	}
	if ws.BaseCommit == "" {
		t.Error("BaseCommit not recorded")
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Fatalf("workspace directory missing: %v", err)
	}

	// The source repository's own tree must be untouched.
	if status := runGit(t, repo, "status", "--porcelain"); strings.TrimSpace(status) != "" {
		t.Errorf("source repo dirty after create:\n%s", status)
	}

	m.Remove(context.Background(), ws)

	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Errorf("workspace directory still present after Remove")
	}
	// The branch survives removal for later inspection.
	branches := runGit(t, repo, "branch", "--list", ws.Branch)
	if !strings.Contains(branches, ws.Branch) {
		t.Errorf("branch %q deleted by Remove; branches:\n%s", ws.Branch, branches)
	}
}

func TestCreateHealsStaleWorkspace(t *testing.T) {
	skipIfNoGit(t)

	repo := setupTestRepo(t)
	m := NewManager(gitexec.New(), WithSettleDelay(10*time.Millisecond))

	// Simulate a leftover from a crashed prior run: a plain directory
	// squatting on the workspace path.
	stale := m.PathFor(repo, "200")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir stale: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stale, "junk.txt"), []byte("old"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	ws, err := m.Create(context.Background(), repo, "", "200")
	if err != nil {
		t.Fatalf("Create over stale workspace: %v", err)
	}
	t.Cleanup(func() { m.Remove(context.Background(), ws) })

	if _, err := os.Stat(filepath.Join(ws.Path, "junk.txt")); !os.IsNotExist(err) {
		t.Error("stale content survived recreation")
	}
	if _, err := os.Stat(filepath.Join(ws.Path, "README.md")); err != nil {
		t.Errorf("worktree content missing: %v", err)
	}
}

// fakeGit writes a git stand-in whose worktree subcommand always fails
// with the given stderr line, while version/rev-parse succeed. Each
// worktree invocation appends a line to countFile.
func fakeGit(t *testing.T, countFile, failLine string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "git")
	script := fmt.Sprintf(`#!/bin/sh
case "$1" in
version)
  echo "git version 2.44.0"
  ;;
rev-parse)
  echo "abc1234"
  ;;
worktree)
  echo x >> %q
  echo %q 1>&2
  exit 128
  ;;
esac
`, countFile, failLine)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake git: %v", err)
	}
	return path
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("read %s: %v", path, err)
	}
	return len(strings.Split(strings.TrimSpace(string(data)), "\n"))
}

func TestCreateRetriesLockErrors(t *testing.T) {
	t.Parallel()

	countFile := filepath.Join(t.TempDir(), "attempts")
	bin := fakeGit(t, countFile, "fatal: could not lock config file .git/worktrees/job-1/locked")

	var delays []time.Duration
	m := NewManager(
		gitexec.New(gitexec.WithBinary(bin)),
		withSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)

	_, err := m.Create(context.Background(), t.TempDir(), "", "1")
	if err == nil {
		t.Fatal("expected creation to fail after retries")
	}
	if !strings.Contains(err.Error(), "could not lock") {
		t.Errorf("error should carry the git failure, got %v", err)
	}

	// Initial attempt plus three retries.
	if got := countLines(t, countFile); got != 4 {
		t.Errorf("worktree add attempts = %d, want 4", got)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("retry delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, delays[i], want[i])
		}
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delays not strictly increasing: %v", delays)
		}
	}
}

func TestCreateDoesNotRetryFatalErrors(t *testing.T) {
	t.Parallel()

	countFile := filepath.Join(t.TempDir(), "attempts")
	bin := fakeGit(t, countFile, "fatal: invalid reference: HEAD")

	var slept int
	m := NewManager(
		gitexec.New(gitexec.WithBinary(bin)),
		withSleep(func(_ context.Context, _ time.Duration) error {
			slept++
			return nil
		}),
	)

	_, err := m.Create(context.Background(), t.TempDir(), "", "1")
	if err == nil {
		t.Fatal("expected creation to fail")
	}
	if got := countLines(t, countFile); got != 1 {
		t.Errorf("worktree add attempts = %d, want 1 (no retry)", got)
	}
	if slept != 0 {
		t.Errorf("slept %d times, want 0", slept)
	}
}

func TestRetryableMarkers(t *testing.T) {
	t.Parallel()

	retry := []string{
		"fatal: '/x/job-1' already exists",
		"fatal: worktree already locked",
		"fatal: unable to create '/x/.git/index.lock'",
		"error: could not lock config file",
	}
	for _, msg := range retry {
		if !retryable(fmt.Errorf("%s", msg)) {
			t.Errorf("retryable(%q) = false, want true", msg)
		}
	}

	fatal := []string{
		"fatal: invalid reference: HEAD",
		"fatal: not a git repository",
	}
	for _, msg := range fatal {
		if retryable(fmt.Errorf("%s", msg)) {
			t.Errorf("retryable(%q) = true, want false", msg)
		}
	}
	if retryable(nil) {
		t.Error("retryable(nil) = true")
	}
}

func TestRemoveIsBestEffort(t *testing.T) {
	t.Parallel()

	m := NewManager(gitexec.New(gitexec.WithBinary("/nonexistent/git")))

	// Neither a nil workspace nor an unremovable one may panic or error.
	m.Remove(context.Background(), nil)
	m.Remove(context.Background(), &Workspace{
		Path:     filepath.Join(t.TempDir(), "never-created"),
		RepoPath: t.TempDir(),
		JobID:    "1",
	})
}
