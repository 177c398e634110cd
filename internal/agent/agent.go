// Package agent runs the poll loop: claim a job from the queue, hand it
// to the executor, report the terminal state back. At most one job is
// in flight; polling pauses while one runs.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/crucible/internal/events"
	"github.com/mattjoyce/crucible/internal/failure"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/orchestrator"
	"github.com/mattjoyce/crucible/internal/queueclient"
)

// DefaultPollInterval is how often the agent asks the queue for work.
const DefaultPollInterval = 5 * time.Second

// Agent owns the claim-execute-report cycle.
type Agent struct {
	source   JobSource
	executor Executor
	hub      *events.Hub
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an Agent. A nil hub gets a private one; a non-positive
// interval falls back to DefaultPollInterval.
func New(source JobSource, executor Executor, hub *events.Hub, interval time.Duration) *Agent {
	if hub == nil {
		hub = events.NewHub(256)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Agent{
		source:   source,
		executor: executor,
		hub:      hub,
		interval: interval,
		logger:   log.WithComponent("agent"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the poll loop. Cancelling ctx aborts the in-flight job;
// Stop drains it first.
func (a *Agent) Start(ctx context.Context) {
	a.logger.Info("starting agent poll loop", slog.Duration("interval", a.interval))
	a.hub.Publish(events.TopicAgentStarted, "", map[string]string{
		"poll_interval": a.interval.String(),
	})
	a.wg.Add(1)
	go a.pollLoop(ctx)
}

// Stop ends polling and waits for the in-flight job, if any, to finish
// and report. Call at most once.
func (a *Agent) Stop() {
	a.logger.Info("stopping agent, draining in-flight job")
	close(a.stopCh)
	a.wg.Wait()
	a.hub.Publish(events.TopicAgentStopped, "", nil)
	a.logger.Info("agent stopped")
}

func (a *Agent) pollLoop(ctx context.Context) {
	defer a.wg.Done()

	// First poll immediately; a freshly started agent should not sit out
	// a full interval with work waiting.
	a.tick(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.tick(ctx)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			a.logger.Warn("agent context cancelled, stopping poll loop")
			return
		}
	}
}

// tick performs one claim attempt. Claim failures are logged and left
// for the next tick; the loop never dies to a queue hiccup.
func (a *Agent) tick(ctx context.Context) {
	a.hub.Publish(events.TopicAgentTick, "", nil)

	job, err := a.source.ClaimJob(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("claim failed", slog.String("error", err.Error()))
		return
	}
	if job == nil {
		a.logger.Debug("queue empty")
		return
	}
	a.runJob(ctx, job)
}

// RunOnce performs a single claim-and-execute pass. A nil outcome with a
// nil error means the queue was empty.
func (a *Agent) RunOnce(ctx context.Context) (*orchestrator.Outcome, error) {
	job, err := a.source.ClaimJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	return a.runJob(ctx, job), nil
}

func (a *Agent) runJob(ctx context.Context, job *queueclient.Job) (out *orchestrator.Outcome) {
	logger := a.logger.With(slog.String("job_id", job.ID))
	logger.Info("claimed job",
		slog.String("kind", job.Kind),
		slog.String("repo", job.RepoPath))
	a.hub.Publish(events.TopicJobClaimed, job.ID, map[string]string{
		"kind":      job.Kind,
		"repo_path": job.RepoPath,
	})

	// A panic anywhere in the pipeline must not take the loop down; the
	// queue still gets a terminal report.
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.Error("job execution panicked",
			slog.String("panic", fmt.Sprint(r)),
			slog.String("stack", string(debug.Stack())))
		out = &orchestrator.Outcome{
			JobID:  job.ID,
			Kind:   job.Kind,
			Status: queueclient.StatusFailed,
			Failure: &failure.Classified{
				Category:         failure.Unknown,
				UserMessage:      "The agent hit an internal error while executing the job.",
				TechnicalDetails: fmt.Sprintf("panic: %v", r),
			},
		}
		a.complete(ctx, job.ID, buildReport(out))
		a.hub.Publish(events.TopicJobFailed, job.ID, map[string]string{
			"category": string(failure.Unknown),
		})
	}()

	result, err := a.executor.Execute(ctx, job, func(line string) {
		a.hub.Publish(events.TopicJobProgress, job.ID, json.RawMessage(line))
	})
	out = result

	a.complete(ctx, job.ID, buildReport(out))

	if err != nil {
		data := map[string]string{}
		if out.Failure != nil {
			data["category"] = string(out.Failure.Category)
			data["message"] = out.Failure.UserMessage
		}
		a.hub.Publish(events.TopicJobFailed, job.ID, data)
		return out
	}

	a.hub.Publish(events.TopicJobCompleted, job.ID, map[string]string{
		"status":      out.Status,
		"branch":      out.Branch,
		"duration_ms": fmt.Sprintf("%d", out.Duration.Milliseconds()),
	})
	return out
}

// complete delivers the terminal report. Delivery survives caller
// cancellation; the client's own request timeouts bound it. A lost
// report is logged, the journal still holds the result.
func (a *Agent) complete(ctx context.Context, jobID string, report queueclient.CompletionReport) {
	if err := a.source.CompleteJob(context.WithoutCancel(ctx), jobID, report); err != nil {
		a.logger.Error("completion report not delivered",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

func buildReport(out *orchestrator.Outcome) queueclient.CompletionReport {
	rep := queueclient.CompletionReport{
		Status:        out.Status,
		FinalText:     out.FinalText,
		DurationMS:    out.Duration.Milliseconds(),
		ExitCode:      out.ExitCode,
		NumTurns:      out.NumTurns,
		CostUSD:       out.CostUSD,
		ChangeSummary: out.Summary,
		WorkspacePath: out.WorkspacePath,
		Branch:        out.Branch,
	}
	if out.Failure != nil {
		rep.Failure = &queueclient.FailureReport{
			Category:         string(out.Failure.Category),
			UserMessage:      out.Failure.UserMessage,
			TechnicalDetails: out.Failure.TechnicalDetails,
		}
	}
	return rep
}
