// Package workspace creates and destroys the isolated, branch-backed git
// worktree each job runs in. Workspaces live beside the source repository
// (never inside it) so the repository's own tracked tree stays clean, and
// both the path and the branch name are pure functions of the job, so a
// restarted agent can find its way back without persisted state.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/crucible/internal/gitexec"
	"github.com/mattjoyce/crucible/internal/log"
)

const (
	// DefaultNamespace prefixes every branch the agent creates.
	DefaultNamespace = "crucible"

	// defaultMaxRetries bounds creation retries after the first attempt.
	defaultMaxRetries = 3

	// defaultBackoffBase is the first retry delay; it doubles per retry.
	defaultBackoffBase = time.Second

	// defaultSettleDelay follows a stale-workspace removal, giving the
	// filesystem a moment before the path is recreated.
	defaultSettleDelay = 500 * time.Millisecond
)

// Workspace describes one job's worktree. BaseCommit is the source
// repository HEAD the branch forked from, recorded at creation so the
// change summary has a fixed comparison point.
type Workspace struct {
	Path       string
	Branch     string
	RepoPath   string
	JobID      string
	BaseCommit string
	CreatedAt  time.Time
}

// Manager owns workspace lifecycle. Safe for use by one job at a time;
// the agent never runs jobs in parallel.
type Manager struct {
	git       *gitexec.Runner
	namespace string

	maxRetries  int
	backoffBase time.Duration
	settleDelay time.Duration

	logger *slog.Logger

	// sleep is injected so retry schedules are testable without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace overrides the branch namespace prefix.
func WithNamespace(ns string) Option {
	return func(m *Manager) {
		if ns != "" {
			m.namespace = ns
		}
	}
}

// WithRetries overrides the retry bound and base delay.
func WithRetries(max int, base time.Duration) Option {
	return func(m *Manager) {
		if max >= 0 {
			m.maxRetries = max
		}
		if base > 0 {
			m.backoffBase = base
		}
	}
}

// WithSettleDelay overrides the post-removal settle delay.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.settleDelay = d
		}
	}
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// NewManager creates a Manager running git through the given runner.
func NewManager(git *gitexec.Runner, opts ...Option) *Manager {
	m := &Manager{
		git:         git,
		namespace:   DefaultNamespace,
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		settleDelay: defaultSettleDelay,
		logger:      log.WithComponent("workspace"),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PathFor derives the workspace path for a job: a "-worktrees" directory
// sibling to the source repository, holding one "job-<id>" directory per
// job. Pure function of (repoPath, jobID).
func (m *Manager) PathFor(repoPath, jobID string) string {
	repoPath = filepath.Clean(repoPath)
	parent := filepath.Dir(repoPath)
	repoName := filepath.Base(repoPath)
	return filepath.Join(parent, repoName+"-worktrees", "job-"+jobID)
}

// BranchNameFor derives the branch for a job from the namespace, the
// parent task id, and the job id. Pure function of (taskID, jobID).
func (m *Manager) BranchNameFor(taskID, jobID string) string {
	if taskID == "" {
		return fmt.Sprintf("%s/job-%s", m.namespace, sanitizeRef(jobID))
	}
	return fmt.Sprintf("%s/%s/job-%s", m.namespace, sanitizeRef(taskID), sanitizeRef(jobID))
}

// Create builds the job's worktree: verify git is reachable, clear any
// stale leftover at the target path, then `git worktree add -b <branch>
// <path> HEAD`. Lock/collision failures are retried with exponential
// backoff; anything else is fatal on first sight.
func (m *Manager) Create(ctx context.Context, repoPath, taskID, jobID string) (*Workspace, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}

	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path %q: %w", repoPath, err)
	}
	if _, err := os.Stat(absRepo); err != nil {
		return nil, fmt.Errorf("repo path %q: %w", absRepo, err)
	}

	if _, err := m.git.Version(ctx); err != nil {
		return nil, err
	}

	baseCommit, err := m.git.Run(ctx, absRepo, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve base commit: %w", err)
	}

	path := m.PathFor(absRepo, jobID)
	branch := m.BranchNameFor(taskID, jobID)
	logger := m.logger.With(slog.String("job_id", jobID), slog.String("path", path))

	state := attemptState{remaining: m.maxRetries}
	for {
		if _, statErr := os.Stat(path); statErr == nil {
			// Stale leftover from a crashed prior run of the same job.
			logger.Warn("stale workspace found, removing before create")
			m.removePath(ctx, absRepo, path)
			if err := m.sleep(ctx, m.settleDelay); err != nil {
				return nil, err
			}
		}

		_, addErr := m.git.Run(ctx, absRepo, "worktree", "add", "-b", branch, path, "HEAD")
		if addErr == nil {
			logger.Info("workspace created", slog.String("branch", branch))
			return &Workspace{
				Path:       path,
				Branch:     branch,
				RepoPath:   absRepo,
				JobID:      jobID,
				BaseCommit: strings.TrimSpace(baseCommit),
				CreatedAt:  time.Now().UTC(),
			}, nil
		}

		outcome := state.observe(addErr, m.backoffBase)
		if !outcome.retry {
			return nil, fmt.Errorf("create workspace for job %s: %w", jobID, addErr)
		}
		logger.Warn("workspace creation collided, retrying",
			slog.Duration("delay", outcome.delay),
			slog.String("error", addErr.Error()))
		if err := m.sleep(ctx, outcome.delay); err != nil {
			return nil, err
		}
	}
}

// Remove destroys the worktree. Best-effort by contract: failures are
// logged and swallowed so cleanup can never mask the job's real outcome.
// The branch is always left in place for later inspection.
func (m *Manager) Remove(ctx context.Context, ws *Workspace) {
	if ws == nil {
		return
	}
	logger := m.logger.With(slog.String("job_id", ws.JobID), slog.String("path", ws.Path))
	m.removePath(ctx, ws.RepoPath, ws.Path)
	if _, err := os.Stat(ws.Path); err == nil {
		logger.Warn("workspace directory still present after removal attempts")
		return
	}
	logger.Info("workspace removed", slog.String("branch_kept", ws.Branch))
}

// removePath forces a worktree removal, falling back to a plain directory
// delete plus prune when git refuses.
func (m *Manager) removePath(ctx context.Context, repoPath, path string) {
	if _, err := m.git.Run(ctx, repoPath, "worktree", "remove", "--force", path); err != nil {
		m.logger.Warn("git worktree remove failed, falling back to manual delete",
			slog.String("path", path), slog.String("error", err.Error()))
		if rmErr := os.RemoveAll(path); rmErr != nil {
			m.logger.Warn("manual workspace delete failed",
				slog.String("path", path), slog.String("error", rmErr.Error()))
		}
		if _, pruneErr := m.git.Run(ctx, repoPath, "worktree", "prune"); pruneErr != nil {
			m.logger.Warn("git worktree prune failed", slog.String("error", pruneErr.Error()))
		}
	}
}

// attemptState tracks the remaining creation attempts. Transitions
// happen in observe: a lock/collision error with attempts left yields
// a delayed retry, anything else is fatal.
type attemptState struct {
	remaining int
	attempt   int
	lastErr   error
}

type attemptOutcome struct {
	retry bool
	delay time.Duration
}

// lockErrorMarkers are the git failure phrasings that indicate a
// transient lock or collision rather than a real fault.
var lockErrorMarkers = []string{
	"already exists",
	"already locked",
	"unable to create",
	"could not lock",
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range lockErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (s *attemptState) observe(err error, base time.Duration) attemptOutcome {
	s.lastErr = err
	if !retryable(err) || s.remaining <= 0 {
		return attemptOutcome{}
	}
	delay := base << s.attempt
	s.attempt++
	s.remaining--
	return attemptOutcome{retry: true, delay: delay}
}

// validateJobID rejects ids that could escape the workspace parent
// directory or produce surprising paths.
func validateJobID(id string) error {
	if id == "" {
		return fmt.Errorf("job id is empty")
	}
	if id == "." || id == ".." {
		return fmt.Errorf("job id %q is not allowed", id)
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("job id %q must not contain path separators", id)
	}
	if filepath.Clean(id) != id {
		return fmt.Errorf("job id %q is not a clean path element", id)
	}
	return nil
}

func sanitizeRef(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
