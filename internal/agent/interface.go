package agent

import (
	"context"

	"github.com/mattjoyce/crucible/internal/orchestrator"
	"github.com/mattjoyce/crucible/internal/queueclient"
)

//go:generate mockgen -destination=mocks/mock_agent.go -package=mocks github.com/mattjoyce/crucible/internal/agent JobSource,Executor

// JobSource is the slice of the queue client the poll loop consumes.
type JobSource interface {
	ClaimJob(ctx context.Context) (*queueclient.Job, error)
	CompleteJob(ctx context.Context, jobID string, report queueclient.CompletionReport) error
}

// Executor runs one claimed job to completion.
type Executor interface {
	Execute(ctx context.Context, job *queueclient.Job, onProgress func(string)) (*orchestrator.Outcome, error)
}

var (
	_ JobSource = (*queueclient.Client)(nil)
	_ Executor  = (*orchestrator.Orchestrator)(nil)
)
