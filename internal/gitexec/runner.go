// Package gitexec runs git with an explicit argument vector, never through
// a shell. Every invocation carries a bounded timeout, an empty stdin, and
// an OpenTelemetry span.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds a single git invocation.
	DefaultTimeout = 30 * time.Second

	tracerName = "crucible/gitexec"

	// spanOutputLimit caps stdout/stderr bytes attached to span events.
	spanOutputLimit = 1024
)

// CommandError carries the full context of a failed git invocation. The
// stderr text is part of Error() so callers can match on git's own
// failure phrasing.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner executes git commands in a fixed working directory convention:
// the directory is passed per call, not held by the runner.
type Runner struct {
	bin     string
	timeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithBinary overrides the git binary name or path.
func WithBinary(bin string) Option {
	return func(r *Runner) {
		if bin != "" {
			r.bin = bin
		}
	}
}

// WithTimeout overrides the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a Runner with default binary "git" and a 30s timeout.
func New(opts ...Option) *Runner {
	r := &Runner{bin: "git", timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes git with args in dir and returns trimmed stdout. On failure
// the returned error is a *CommandError wrapping the underlying cause.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "git.exec", trace.WithAttributes(
		attribute.String("git.args", strings.Join(redactArgs(args), " ")),
		attribute.String("git.dir", dir),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()

	cmd := exec.CommandContext(runCtx, r.bin, args...)
	cmd.Dir = dir
	// Stdin stays nil so the child reads from /dev/null; git must never
	// block waiting for terminal input here.
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := resolveExitCode(err)

	span.SetAttributes(
		attribute.Int("git.exit_code", exitCode),
		attribute.Int64("git.duration_ms", time.Since(start).Milliseconds()),
	)
	if stderr.Len() > 0 {
		span.AddEvent("git.stderr", trace.WithAttributes(
			attribute.String("output", truncate(stderr.String(), spanOutputLimit)),
		))
	}

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w after %s", context.DeadlineExceeded, r.timeout)
		}
		cmdErr := &CommandError{
			Args:     args,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      err,
		}
		span.RecordError(cmdErr)
		span.SetStatus(codes.Error, "git command failed")
		return stdout.String(), cmdErr
	}

	span.SetStatus(codes.Ok, "")
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// Version probes that the git binary is reachable and returns its version
// line.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "", "version")
	if err != nil {
		return "", fmt.Errorf("git unavailable: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func resolveExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// redactArgs masks values that follow credential-bearing flags. Git
// invocations here are read/write worktree plumbing, but config overrides
// like http.extraheader can smuggle tokens into argv.
func redactArgs(args []string) []string {
	redacted := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		if maskNext {
			redacted[i] = "***"
			maskNext = false
			continue
		}
		lower := strings.ToLower(arg)
		if strings.Contains(lower, "extraheader") || strings.Contains(lower, "token") ||
			strings.Contains(lower, "password") || strings.Contains(lower, "authorization") {
			if eq := strings.IndexByte(arg, '='); eq >= 0 {
				redacted[i] = arg[:eq+1] + "***"
			} else {
				redacted[i] = arg
				maskNext = true
			}
			continue
		}
		redacted[i] = arg
	}
	return redacted
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
