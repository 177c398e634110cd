// Package orchestrator runs one job end to end: guard the prompt, build
// the workspace, supervise the tool session, summarize what changed,
// persist the record, and clean up. Exactly one job is in flight at a
// time; the orchestrator owns the ordering, not the concurrency.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/crucible/internal/failure"
	"github.com/mattjoyce/crucible/internal/journal"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/queueclient"
	"github.com/mattjoyce/crucible/internal/session"
	"github.com/mattjoyce/crucible/internal/transcript"
	"github.com/mattjoyce/crucible/internal/workspace"
)

const (
	tracerName = "crucible/orchestrator"

	// exitWait bounds how long cleanup waits for a timed-out tool
	// process to be reaped before giving up on workspace removal.
	exitWait = 30 * time.Second
)

// Reporter is the slice of the queue client the orchestrator needs. All
// methods are best-effort on the queue side; none return errors.
type Reporter interface {
	SendProgress(ctx context.Context, jobID, text string)
	SendStatusEvent(ctx context.Context, jobID, eventType, message string, metadata map[string]string)
	UpdateJobMetadata(ctx context.Context, jobID string, fields map[string]any)
}

// NopReporter discards all notifications. Used by the local one-shot
// runner, which has no queue to talk to.
type NopReporter struct{}

func (NopReporter) SendProgress(context.Context, string, string) {}

func (NopReporter) SendStatusEvent(context.Context, string, string, string, map[string]string) {}

func (NopReporter) UpdateJobMetadata(context.Context, string, map[string]any) {}

// Outcome is everything the caller needs to report the job terminal
// state. Populated on failure paths too, so partial results survive.
type Outcome struct {
	JobID     string
	Kind      string
	Status    string
	FinalText string
	Failure   *failure.Classified
	Summary   *workspace.ChangeSummary
	// Branch always names the job branch; WorkspacePath is non-empty
	// only when the workspace directory was left in place.
	Branch        string
	WorkspacePath string
	Duration      time.Duration
	StartedAt     time.Time
	ExitCode      int
	NumTurns      int
	CostUSD       float64
	Model         string
	SessionID     string
}

// Deps wires the orchestrator's collaborators. Reporter and Journal may
// be left nil; Classifier defaults to one built for Tool.
type Deps struct {
	Workspaces *workspace.Manager
	Session    *session.Session
	Classifier *failure.Classifier
	Reporter   Reporter
	Journal    *journal.Journal
	// Tool is the tool binary name, used for transcript directory
	// naming and classifier messages.
	Tool string
}

// Orchestrator executes jobs serially.
type Orchestrator struct {
	workspaces *workspace.Manager
	session    *session.Session
	classifier *failure.Classifier
	reporter   Reporter
	journal    *journal.Journal
	tool       string
	logger     *slog.Logger
}

// New builds an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	tool := deps.Tool
	if tool == "" {
		tool = "claude"
	}
	cls := deps.Classifier
	if cls == nil {
		cls = failure.New(tool)
	}
	rep := deps.Reporter
	if rep == nil {
		rep = NopReporter{}
	}
	return &Orchestrator{
		workspaces: deps.Workspaces,
		session:    deps.Session,
		classifier: cls,
		reporter:   rep,
		journal:    deps.Journal,
		tool:       tool,
		logger:     log.WithComponent("orchestrator"),
	}
}

// Execute routes the job by kind.
func (o *Orchestrator) Execute(ctx context.Context, job *queueclient.Job, onProgress func(string)) (*Outcome, error) {
	if job.Kind == queueclient.KindArtifact {
		return o.ExecuteArtifactJob(ctx, job, onProgress)
	}
	return o.ExecuteCodeChangeJob(ctx, job, onProgress)
}

// ExecuteCodeChangeJob runs a code-change job.
func (o *Orchestrator) ExecuteCodeChangeJob(ctx context.Context, job *queueclient.Job, onProgress func(string)) (*Outcome, error) {
	return o.execute(ctx, job, queueclient.KindCodeChange, onProgress)
}

// ExecuteArtifactJob runs an artifact job. The pipeline is the same; the
// agent attaches no meaning to what the tool produced.
func (o *Orchestrator) ExecuteArtifactJob(ctx context.Context, job *queueclient.Job, onProgress func(string)) (*Outcome, error) {
	return o.execute(ctx, job, queueclient.KindArtifact, onProgress)
}

func (o *Orchestrator) execute(ctx context.Context, job *queueclient.Job, kind string, onProgress func(string)) (*Outcome, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("job_kind", kind),
	))
	defer span.End()

	logger := o.logger.With(slog.String("job_id", job.ID))
	out := &Outcome{JobID: job.ID, Kind: kind, StartedAt: time.Now()}

	var ws *workspace.Workspace
	cleaned := false
	cleanup := func() {
		if ws == nil || cleaned {
			return
		}
		cleaned = true
		o.cleanup(ctx, job, ws, out)
	}
	// Normal paths clean up through finish; the defer covers panics.
	defer cleanup()

	finish := func(cls *failure.Classified) (*Outcome, error) {
		cleanup()
		out.Duration = time.Since(out.StartedAt)
		if cls != nil {
			out.Status = queueclient.StatusFailed
			out.Failure = cls
			span.SetAttributes(attribute.String("failure.category", string(cls.Category)))
			span.SetStatus(codes.Error, string(cls.Category))
			o.record(ctx, job, out)
			logger.Warn("job failed",
				slog.String("category", string(cls.Category)),
				slog.Duration("duration", out.Duration))
			return out, cls
		}
		out.Status = queueclient.StatusCompleted
		span.SetStatus(codes.Ok, "")
		o.record(ctx, job, out)
		logger.Info("job completed", slog.Duration("duration", out.Duration))
		return out, nil
	}

	// The prompt guard runs before any resource exists: no workspace, no
	// process, nothing to clean up on rejection.
	if err := validatePrompt(job.Prompt); err != nil {
		logger.Warn("prompt rejected", slog.String("reason", err.Error()))
		o.event(ctx, job.ID, "prompt_rejected", err.Error(), nil)
		return finish(&failure.Classified{
			Category:         failure.ExecutionError,
			UserMessage:      "The job prompt was rejected by the safety guard: " + err.Error(),
			TechnicalDetails: err.Error(),
		})
	}

	created, err := o.workspaces.Create(ctx, job.RepoPath, job.TaskID, job.ID)
	if err != nil {
		o.event(ctx, job.ID, "workspace_failed", err.Error(), nil)
		return finish(o.classifier.Classify(err, "", failure.ExitCodeUnknown))
	}
	ws = created
	out.Branch = ws.Branch

	o.event(ctx, job.ID, "workspace_created", ws.Path, map[string]string{"branch": ws.Branch})
	o.reporter.UpdateJobMetadata(ctx, job.ID, map[string]any{
		"workspace_path": ws.Path,
		"branch":         ws.Branch,
		"base_commit":    ws.BaseCommit,
	})

	fan := func(line string) {
		o.reporter.SendProgress(ctx, job.ID, line)
		if onProgress != nil {
			onProgress(line)
		}
	}

	o.event(ctx, job.ID, "session_started", "", nil)
	res, serr := o.session.Run(ctx, session.Request{
		JobID:         job.ID,
		Prompt:        job.Prompt,
		WorkspacePath: ws.Path,
		Timeout:       job.Timeout(),
		OnProgress:    fan,
	})
	out.FinalText = res.FinalText
	out.ExitCode = res.ExitCode
	out.NumTurns = res.NumTurns
	out.CostUSD = res.CostUSD
	out.Model = res.Model
	out.SessionID = res.SessionID

	if serr != nil {
		cls := o.classifier.Classify(serr, res.Stderr, res.ExitCode)
		cls.PartialOutput = res.FinalText
		o.event(ctx, job.ID, "session_failed", cls.UserMessage,
			map[string]string{"category": string(cls.Category)})
		o.writeTranscript(job, ws, out, res, cls)
		return finish(cls)
	}
	o.event(ctx, job.ID, "session_finished", "", nil)

	summary, sumErr := o.workspaces.Summarize(ctx, ws)
	if sumErr != nil {
		logger.Warn("change summary failed", slog.String("error", sumErr.Error()))
	} else {
		out.Summary = summary
		if kind == queueclient.KindCodeChange && summary.CommitCount == 0 && !summary.HasUncommittedChanges {
			// Worth flagging, but the tool finishing clean is still a
			// success.
			logger.Warn("session succeeded but left no commits and no uncommitted changes")
		}
	}

	o.writeTranscript(job, ws, out, res, nil)
	return finish(nil)
}

// cleanup honors the job's auto-cleanup setting and never lets a live
// process outlive its workspace: a timed-out tool is waited for first.
func (o *Orchestrator) cleanup(ctx context.Context, job *queueclient.Job, ws *workspace.Workspace, out *Outcome) {
	ctx = context.WithoutCancel(ctx)
	logger := o.logger.With(slog.String("job_id", job.ID))

	waitCtx, cancel := context.WithTimeout(ctx, exitWait)
	err := o.session.AwaitExit(waitCtx)
	cancel()
	if err != nil {
		logger.Warn("tool process not reaped in time, leaving workspace in place",
			slog.String("path", ws.Path))
		out.WorkspacePath = ws.Path
		return
	}

	if !job.CleanupEnabled() {
		logger.Info("auto-cleanup disabled, keeping workspace",
			slog.String("path", ws.Path), slog.String("branch", ws.Branch))
		out.WorkspacePath = ws.Path
		o.event(ctx, job.ID, "workspace_kept", ws.Path, map[string]string{"branch": ws.Branch})
		return
	}

	o.workspaces.Remove(ctx, ws)
	o.event(ctx, job.ID, "cleanup_done", "", nil)
}

func (o *Orchestrator) writeTranscript(job *queueclient.Job, ws *workspace.Workspace, out *Outcome, res *session.Result, cls *failure.Classified) {
	w := transcript.NewWriter(job.RepoPath, o.tool)
	rec := transcript.Record{
		JobID:      job.ID,
		TaskID:     job.TaskID,
		StartedAt:  out.StartedAt,
		Duration:   res.Duration,
		Workspace:  ws.Path,
		Branch:     ws.Branch,
		Model:      res.Model,
		SessionID:  res.SessionID,
		ExitCode:   res.ExitCode,
		Outcome:    o.session.State().String(),
		NumTurns:   res.NumTurns,
		CostUSD:    res.CostUSD,
		Prompt:     job.Prompt,
		FinalText:  res.FinalText,
		Transcript: res.Stdout,
	}
	if _, err := w.Write(rec); err != nil {
		o.logger.Warn("transcript write failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
	if cls == nil {
		return
	}
	if _, err := w.WriteFailure(job.ID, cls); err != nil {
		o.logger.Warn("failure log write failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

// event records a lifecycle transition in the journal and forwards it to
// the queue. Neither sink is allowed to fail the job.
func (o *Orchestrator) event(ctx context.Context, jobID, eventType, message string, metadata map[string]string) {
	if o.journal != nil {
		if err := o.journal.RecordEvent(ctx, jobID, eventType, message); err != nil {
			o.logger.Debug("journal event failed",
				slog.String("type", eventType), slog.String("error", err.Error()))
		}
	}
	o.reporter.SendStatusEvent(ctx, jobID, eventType, message, metadata)
}

func (o *Orchestrator) record(ctx context.Context, job *queueclient.Job, out *Outcome) {
	if o.journal == nil {
		return
	}
	entry := journal.Entry{
		JobID:         job.ID,
		TaskID:        job.TaskID,
		Kind:          out.Kind,
		RepoPath:      job.RepoPath,
		Status:        out.Status,
		WorkspacePath: out.WorkspacePath,
		Branch:        out.Branch,
		ExitCode:      out.ExitCode,
		DurationMS:    out.Duration.Milliseconds(),
		FinalText:     out.FinalText,
		StartedAt:     out.StartedAt,
		FinishedAt:    out.StartedAt.Add(out.Duration),
	}
	if out.Failure != nil {
		entry.FailureCategory = string(out.Failure.Category)
	}
	if out.Summary != nil {
		entry.CommitCount = out.Summary.CommitCount
	}
	if err := o.journal.RecordExecution(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("journal record failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}
