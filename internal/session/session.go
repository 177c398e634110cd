// Package session supervises one execution of the external coding tool
// against a workspace: spawn without a shell, deliver the prompt on
// stdin, parse the streaming JSON output, enforce the deadline, and
// escalate termination when the tool will not leave on its own.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/crucible/internal/log"
)

const (
	// DefaultTimeout bounds a tool session end to end.
	DefaultTimeout = 2 * time.Hour

	// terminationGracePeriod separates SIGTERM from SIGKILL.
	terminationGracePeriod = 2 * time.Second

	// maxStderrBytes caps the retained diagnostic stream.
	maxStderrBytes = 64 * 1024

	tracerName = "crucible/session"
)

// State is the session's externally visible lifecycle position.
type State int

const (
	StateIdle State = iota
	StateSpawning
	StateRunning
	StateCompleted
	StateTimedOut
	StateSpawnFailed
	StateNonZeroExit
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateSpawnFailed:
		return "spawn_failed"
	case StateNonZeroExit:
		return "non_zero_exit"
	default:
		return "unknown"
	}
}

// Config describes how to launch the tool.
type Config struct {
	// Tool is the binary name or path, default "claude".
	Tool string
	// Model selects the tool's model when non-empty.
	Model string
	// ExtraArgs append to the fixed flag set.
	ExtraArgs []string
	// PassEnv re-admits environment variables past the allowlist.
	PassEnv []string
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
	// StderrMirror receives the live diagnostic stream; defaults to the
	// agent's own stderr.
	StderrMirror io.Writer
}

// Request is one run of the tool.
type Request struct {
	JobID         string
	Prompt        string
	WorkspacePath string
	// Timeout overrides the session default for this run when positive.
	Timeout time.Duration
	// OnProgress receives each parsed protocol line verbatim.
	OnProgress func(line string)
}

// Result carries everything captured from the run. It is returned even
// when the accompanying error is non-nil so partial output survives
// failures.
type Result struct {
	FinalText string
	Duration  time.Duration
	ExitCode  int
	Stdout    string
	Stderr    string
	Model     string
	SessionID string
	NumTurns  int
	CostUSD   float64
	// ResultIsError mirrors the result event's is_error flag.
	ResultIsError bool
	ResultError   string
}

// Session launches and supervises tool processes, one at a time.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	proc     *os.Process
	procDone chan struct{}
	// reaped is the most recent process's done channel. Unlike procDone
	// it survives clearProc, so callers can wait out a background
	// escalation before touching the workspace.
	reaped chan struct{}
}

// New creates a Session. Zero-value config fields fall back to defaults.
func New(cfg Config) *Session {
	if cfg.Tool == "" {
		cfg.Tool = "claude"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StderrMirror == nil {
		cfg.StderrMirror = os.Stderr
	}
	return &Session{
		cfg:    cfg,
		logger: log.WithComponent("session").With(slog.String("tool", cfg.Tool)),
		state:  StateIdle,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// buildArgs returns the fixed non-interactive flag set: print mode,
// streaming JSON output, verbose diagnostics, edit-accepting permissions.
func (s *Session) buildArgs() []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "acceptEdits",
	}
	if s.cfg.Model != "" {
		args = append(args, "--model", s.cfg.Model)
	}
	return append(args, s.cfg.ExtraArgs...)
}

// Run executes the tool once. The prompt goes to stdin, never onto the
// command line. Returns a raw error on spawn failure, non-zero exit, or
// timeout; classification happens upstream.
func (s *Session) Run(ctx context.Context, req Request) (*Result, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "tool.session", trace.WithAttributes(
		attribute.String("job_id", req.JobID),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	logger := s.logger.With(slog.String("job_id", req.JobID))

	s.setState(StateSpawning)

	cmd := exec.Command(s.cfg.Tool, s.buildArgs()...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = buildEnv(os.Environ(), s.cfg.PassEnv)

	stderrBuf := newBoundedBuffer(maxStderrBytes)
	cmd.Stderr = io.MultiWriter(stderrBuf, s.cfg.StderrMirror)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(StateSpawnFailed)
		return &Result{ExitCode: -1}, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateSpawnFailed)
		return &Result{ExitCode: -1}, fmt.Errorf("create stdout pipe: %w", err)
	}

	coll := newCollector(req.OnProgress, logger)
	start := time.Now()

	logger.Info("spawning tool", slog.String("workspace", req.WorkspacePath),
		slog.Duration("timeout", timeout))

	if err := cmd.Start(); err != nil {
		s.setState(StateSpawnFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		return &Result{ExitCode: -1}, fmt.Errorf("start %s: %w", s.cfg.Tool, err)
	}

	procDone := make(chan struct{})
	s.mu.Lock()
	s.state = StateRunning
	s.proc = cmd.Process
	s.procDone = procDone
	s.reaped = procDone
	s.mu.Unlock()

	// Deliver the prompt and close stdin; a closed input stream is part
	// of the injection-prevention contract.
	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		_, werr := io.WriteString(stdin, req.Prompt)
		writeErr <- werr
	}()

	// Consume stdout to EOF before reaping; Wait closes the pipes.
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		coll.consume(stdout)
	}()

	waitErr := make(chan error, 1)
	go func() {
		<-streamDone
		waitErr <- cmd.Wait()
		close(procDone)
	}()

	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	proc := cmd.Process

	select {
	case <-timeoutTimer.C:
		logger.Warn("tool session timed out", slog.Duration("timeout", timeout))
		s.clearProc(StateTimedOut)
		// The caller gets the timeout immediately; the escalation runs
		// against the handle pinned here and never touches a successor.
		go s.terminate(proc, procDone, logger)

		span.SetAttributes(attribute.String("session.state", StateTimedOut.String()))
		span.SetStatus(codes.Error, "timeout")
		res := &Result{
			FinalText: coll.finalText(),
			Duration:  time.Since(start),
			ExitCode:  -1,
			Stdout:    coll.snapshot(),
			Stderr:    stderrBuf.String(),
		}
		return res, fmt.Errorf("tool session exceeded %s: %w", timeout, context.DeadlineExceeded)

	case err := <-waitErr:
		duration := time.Since(start)
		werr := <-writeErr

		res := s.buildResult(coll, stderrBuf, duration, err)

		if werr != nil && err == nil {
			s.clearProc(StateSpawnFailed)
			span.SetStatus(codes.Error, "prompt delivery failed")
			return res, fmt.Errorf("write prompt to stdin: %w", werr)
		}

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				s.clearProc(StateNonZeroExit)
				logger.Warn("tool exited with non-zero status",
					slog.Int("exit_code", exitErr.ExitCode()))
				span.SetAttributes(attribute.Int("session.exit_code", exitErr.ExitCode()))
				span.SetStatus(codes.Error, "non-zero exit")
				return res, fmt.Errorf("%s exited with code %d: %w", s.cfg.Tool, exitErr.ExitCode(), err)
			}
			s.clearProc(StateSpawnFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, "wait failed")
			return res, fmt.Errorf("wait for %s: %w", s.cfg.Tool, err)
		}

		s.clearProc(StateCompleted)
		logger.Info("tool session completed",
			slog.Duration("duration", duration),
			slog.Int("turns", res.NumTurns))
		span.SetAttributes(
			attribute.Int64("session.duration_ms", duration.Milliseconds()),
			attribute.Int("session.num_turns", res.NumTurns),
		)
		span.SetStatus(codes.Ok, "")
		return res, nil
	}
}

func (s *Session) buildResult(coll *collector, stderrBuf *boundedBuffer, duration time.Duration, waitErr error) *Result {
	coll.mu.Lock()
	res := &Result{
		Duration:      duration,
		ExitCode:      0,
		Stdout:        coll.raw.String(),
		Stderr:        stderrBuf.String(),
		Model:         coll.model,
		SessionID:     coll.sessionID,
		NumTurns:      coll.numTurns,
		CostUSD:       coll.costUSD,
		ResultIsError: coll.isError,
		ResultError:   coll.resultError,
	}
	coll.mu.Unlock()

	res.FinalText = coll.finalText()

	if waitErr != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res
}

// clearProc records a terminal state and drops the tracked handle.
func (s *Session) clearProc(st State) {
	s.mu.Lock()
	s.state = st
	s.proc = nil
	s.procDone = nil
	s.mu.Unlock()
}

// AwaitExit blocks until the most recently launched tool process has
// been reaped, or the context expires. Returns immediately when nothing
// was ever launched. Callers use this after a timeout to let the
// background escalation finish before tearing down the workspace.
func (s *Session) AwaitExit(ctx context.Context) error {
	s.mu.Lock()
	ch := s.reaped
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates any in-flight tool process with the standard
// escalation. Safe to call concurrently and when nothing is running; each
// signal is preceded by an exited check, so overlapping shutdowns are
// idempotent.
func (s *Session) Shutdown() {
	s.mu.Lock()
	proc := s.proc
	procDone := s.procDone
	s.mu.Unlock()

	if proc == nil || procDone == nil {
		return
	}
	s.terminate(proc, procDone, s.logger)
}

// terminate runs the escalation against the pinned handle: SIGTERM, a
// fixed grace period, then SIGKILL if the process still has not exited.
// Only the handle captured at escalation start is ever signalled.
func (s *Session) terminate(proc *os.Process, procDone <-chan struct{}, logger *slog.Logger) {
	if proc == nil {
		return
	}

	select {
	case <-procDone:
		return
	default:
	}

	logger.Warn("sending SIGTERM to tool process", slog.Int("pid", proc.Pid))
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM delivery failed", slog.String("error", err.Error()))
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-procDone:
		logger.Info("tool exited after SIGTERM")
	case <-grace.C:
		select {
		case <-procDone:
			return
		default:
		}
		logger.Warn("tool did not exit within grace period, sending SIGKILL",
			slog.Int("pid", proc.Pid))
		if err := proc.Kill(); err != nil {
			logger.Debug("SIGKILL delivery failed", slog.String("error", err.Error()))
		}
		<-procDone
	}
}

// boundedBuffer retains the first limit bytes written and counts the
// rest. Write never fails, so a chatty tool cannot break the MultiWriter
// feeding the live mirror.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) <= room {
			b.buf.Write(p)
		} else {
			b.buf.Write(p[:room])
			b.dropped += int64(len(p) - room)
		}
	} else {
		b.dropped += int64(len(p))
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return fmt.Sprintf("%s\n... (%d bytes truncated)", b.buf.String(), b.dropped)
	}
	return b.buf.String()
}
