// Package doctor preflights a crucible install: it checks that the
// configured tool and git are runnable on this machine and that the
// journal and lock paths are usable before the agent starts.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/crucible/internal/config"
	"github.com/mattjoyce/crucible/internal/gitexec"
	"github.com/mattjoyce/crucible/internal/journal"
	"github.com/mattjoyce/crucible/internal/lock"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded configuration against the machine it is on.
type Doctor struct {
	cfg      *config.Config
	git      *gitexec.Runner
	repoPath string
}

// New creates a Doctor for a loaded config. repoPath is an optional
// repository to additionally check for workspace readiness; pass "" to
// skip repository checks.
func New(cfg *config.Config, repoPath string) *Doctor {
	return &Doctor{
		cfg:      cfg,
		git:      gitexec.New(gitexec.WithTimeout(10 * time.Second)),
		repoPath: repoPath,
	}
}

// FromConfigError wraps a config load failure in a Result so doctor
// output stays uniform whether or not the config parsed.
func FromConfigError(err error) *Result {
	return &Result{
		Valid:  false,
		Errors: []Issue{{Category: "config", Field: "config", Message: err.Error()}},
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.checkGit(ctx, r)
	d.checkTool(r)
	d.checkJournal(ctx, r)
	d.checkWorkspace(r)
	d.checkLockHolder(r)
	d.warnOpenAPI(r)
	d.warnNoQueue(r)
	d.warnShortIntervals(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkGit probes that git runs at all. Workspace creation needs it.
func (d *Doctor) checkGit(ctx context.Context, r *Result) {
	version, err := d.git.Version(ctx)
	if err != nil {
		d.addError(r, "git", "", fmt.Sprintf("git probe failed: %v", err))
		return
	}
	if !strings.HasPrefix(version, "git version") {
		d.addWarning(r, "git", "", fmt.Sprintf("unexpected git version output %q", version))
	}
}

// checkTool verifies the configured coding tool is runnable.
func (d *Doctor) checkTool(r *Result) {
	bin := d.cfg.Tool.Binary
	if bin == "" {
		d.addError(r, "tool", "tool.binary", "tool.binary is required")
		return
	}
	if _, err := exec.LookPath(bin); err != nil {
		d.addError(r, "tool", "tool.binary",
			fmt.Sprintf("tool binary %q not available: %v", bin, err))
	}
}

// checkJournal verifies the journal directory accepts writes and the
// database opens. Opening bootstraps the schema, which is what the
// agent does on start anyway.
func (d *Doctor) checkJournal(ctx context.Context, r *Result) {
	path := d.cfg.Journal.Path
	if path == "" {
		d.addError(r, "journal", "journal.path", "journal.path is required")
		return
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		d.addWarning(r, "journal", "journal.path",
			fmt.Sprintf("journal directory %s does not exist yet; it is created on first run", dir))
		return
	} else if err != nil {
		d.addError(r, "journal", "journal.path", fmt.Sprintf("stat %s: %v", dir, err))
		return
	}

	if err := probeWritable(dir); err != nil {
		d.addError(r, "journal", "journal.path",
			fmt.Sprintf("journal directory %s is not writable: %v", dir, err))
		return
	}

	j, err := journal.Open(ctx, path)
	if err != nil {
		d.addError(r, "journal", "journal.path", fmt.Sprintf("cannot open journal: %v", err))
		return
	}
	_ = j.Close()
}

// checkWorkspace validates naming config, and when a repository path was
// given, that worktrees can be created next to it.
func (d *Doctor) checkWorkspace(r *Result) {
	if d.cfg.Workspace.Namespace == "" {
		d.addError(r, "workspace", "workspace.namespace", "workspace.namespace is required")
	}
	if d.repoPath == "" {
		return
	}

	abs, err := filepath.Abs(d.repoPath)
	if err != nil {
		d.addError(r, "workspace", "", fmt.Sprintf("resolve repo path %q: %v", d.repoPath, err))
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		d.addError(r, "workspace", "", fmt.Sprintf("repo %s: %v", abs, err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "workspace", "", fmt.Sprintf("repo %s is not a directory", abs))
		return
	}
	if _, err := os.Stat(filepath.Join(abs, ".git")); err != nil {
		d.addWarning(r, "workspace", "",
			fmt.Sprintf("%s does not look like a git repository (no .git)", abs))
	}

	parent := filepath.Dir(abs)
	if err := probeWritable(parent); err != nil {
		d.addError(r, "workspace", "",
			fmt.Sprintf("workspace parent %s is not writable: %v", parent, err))
	}
}

// checkLockHolder reports on an existing agent lock. A live holder is a
// finding, not a fault: running doctor beside a running agent is normal.
func (d *Doctor) checkLockHolder(r *Result) {
	if d.cfg.Journal.Path == "" {
		return
	}
	lockPath := lock.PathFor(d.cfg.Journal.Path)
	pid, err := lock.HolderPID(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		d.addWarning(r, "lock", "", fmt.Sprintf("lock file %s unreadable: %v", lockPath, err))
		return
	}
	if lock.Alive(pid) {
		d.addWarning(r, "lock", "",
			fmt.Sprintf("agent already running with pid %d (lock %s)", pid, lockPath))
		return
	}
	d.addWarning(r, "lock", "",
		fmt.Sprintf("stale lock file %s left by pid %d; it is replaced on next start", lockPath, pid))
}

// warnOpenAPI flags an API that would accept anyone.
func (d *Doctor) warnOpenAPI(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.Token == "" {
		d.addWarning(r, "api", "api.token",
			"status API enabled without a token; every endpoint is unauthenticated")
	}
}

// warnNoQueue flags a config under which agent start has nothing to poll.
func (d *Doctor) warnNoQueue(r *Result) {
	if d.cfg.Queue.BaseURL == "" {
		d.addWarning(r, "queue", "queue.base_url",
			"no queue configured; agent start will idle (job run still works)")
	}
}

// warnShortIntervals flags intervals that almost certainly kill real jobs.
func (d *Doctor) warnShortIntervals(r *Result) {
	if t := d.cfg.Tool.Timeout; t > 0 && t < time.Minute {
		d.addWarning(r, "tool", "tool.timeout",
			fmt.Sprintf("tool.timeout %s is very short (< 1m)", t))
	}
	if p := d.cfg.Agent.PollInterval; p > 0 && p < time.Second {
		d.addWarning(r, "agent", "agent.poll_interval",
			fmt.Sprintf("poll_interval %s is very short (< 1s)", p))
	}
}

// probeWritable creates and removes a scratch file in dir.
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".crucible-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("All checks passed.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Checks passed (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Problems found (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
