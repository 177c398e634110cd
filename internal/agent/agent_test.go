package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crucible/internal/agent/mocks"
	"github.com/mattjoyce/crucible/internal/events"
	"github.com/mattjoyce/crucible/internal/failure"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/orchestrator"
	"github.com/mattjoyce/crucible/internal/queueclient"
	"github.com/mattjoyce/crucible/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

func sampleJob() *queueclient.Job {
	return &queueclient.Job{
		ID:       "job-1",
		TaskID:   "task-1",
		Kind:     queueclient.KindCodeChange,
		Prompt:   "fix the flaky test",
		RepoPath: "/srv/repos/api",
	}
}

func completedOutcome() *orchestrator.Outcome {
	return &orchestrator.Outcome{
		JobID:     "job-1",
		Kind:      queueclient.KindCodeChange,
		Status:    queueclient.StatusCompleted,
		FinalText: "done",
		Branch:    "crucible/task-1/job-job-1",
		Duration:  1500 * time.Millisecond,
		NumTurns:  3,
		CostUSD:   0.12,
		Summary:   &workspace.ChangeSummary{CommitCount: 2, LastCommitSubject: "fix flaky test"},
	}
}

func eventTypes(h *events.Hub) []string {
	var types []string
	for _, ev := range h.Replay(0) {
		types = append(types, ev.Type)
	}
	return types
}

func findEvent(h *events.Hub, typ string) (events.Event, bool) {
	for _, ev := range h.Replay(0) {
		if ev.Type == typ {
			return ev, true
		}
	}
	return events.Event{}, false
}

func countEvents(h *events.Hub, typ string) int {
	n := 0
	for _, ev := range h.Replay(0) {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestNewDefaults(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	a := New(mocks.NewMockJobSource(ctrl), mocks.NewMockExecutor(ctrl), nil, 0)
	assert.Equal(t, DefaultPollInterval, a.interval)
	assert.NotNil(t, a.hub)
}

func TestRunOnceCompletesJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockJobSource(ctrl)
	executor := mocks.NewMockExecutor(ctrl)
	hub := events.NewHub(64)
	a := New(source, executor, hub, time.Minute)

	job := sampleJob()
	source.EXPECT().ClaimJob(gomock.Any()).Return(job, nil)
	executor.EXPECT().Execute(gomock.Any(), job, gomock.Any()).Return(completedOutcome(), nil)

	var captured queueclient.CompletionReport
	source.EXPECT().CompleteJob(gomock.Any(), "job-1", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, rep queueclient.CompletionReport) error {
			captured = rep
			return nil
		})

	out, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, queueclient.StatusCompleted, out.Status)

	assert.Equal(t, queueclient.StatusCompleted, captured.Status)
	assert.Equal(t, "done", captured.FinalText)
	assert.Equal(t, int64(1500), captured.DurationMS)
	assert.Equal(t, 3, captured.NumTurns)
	assert.InDelta(t, 0.12, captured.CostUSD, 1e-9)
	assert.Equal(t, "crucible/task-1/job-job-1", captured.Branch)
	assert.Nil(t, captured.Failure)
	require.NotNil(t, captured.ChangeSummary)
	assert.Equal(t, 2, captured.ChangeSummary.CommitCount)

	types := eventTypes(hub)
	assert.Contains(t, types, events.TopicJobClaimed)
	assert.Contains(t, types, events.TopicJobCompleted)
	assert.NotContains(t, types, events.TopicJobFailed)
}

func TestRunOnceEmptyQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockJobSource(ctrl)
	source.EXPECT().ClaimJob(gomock.Any()).Return(nil, nil)

	a := New(source, mocks.NewMockExecutor(ctrl), events.NewHub(8), time.Minute)
	out, err := a.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestRunOnceClaimError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockJobSource(ctrl)
	source.EXPECT().ClaimJob(gomock.Any()).Return(nil, errors.New("queue down"))

	a := New(source, mocks.NewMockExecutor(ctrl), events.NewHub(8), time.Minute)
	out, err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim job")
	assert.Nil(t, out)
}

func TestRunOnceFailedJobReportsFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockJobSource(ctrl)
	executor := mocks.NewMockExecutor(ctrl)
	hub := events.NewHub(64)
	a := New(source, executor, hub, time.Minute)

	cls := &failure.Classified{
		Category:         failure.RateLimited,
		UserMessage:      "The provider is rate limiting requests.",
		TechnicalDetails: "exit code: 3",
	}
	out := &orchestrator.Outcome{
		JobID:   "job-1",
		Kind:    queueclient.KindCodeChange,
		Status:  queueclient.StatusFailed,
		Failure: cls,
		Branch:  "crucible/task-1/job-job-1",
	}

	job := sampleJob()
	source.EXPECT().ClaimJob(gomock.Any()).Return(job, nil)
	executor.EXPECT().Execute(gomock.Any(), job, gomock.Any()).Return(out, cls)

	var captured queueclient.CompletionReport
	source.EXPECT().CompleteJob(gomock.Any(), "job-1", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, rep queueclient.CompletionReport) error {
			captured = rep
			return nil
		})

	got, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queueclient.StatusFailed, got.Status)

	require.NotNil(t, captured.Failure)
	assert.Equal(t, "rate_limited", captured.Failure.Category)
	assert.Equal(t, cls.UserMessage, captured.Failure.UserMessage)

	ev, ok := findEvent(hub, events.TopicJobFailed)
	require.True(t, ok)
	var data map[string]string
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, "rate_limited", data["category"])
}

func TestRunOncePanicIsRecovered(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockJobSource(ctrl)
	executor := mocks.NewMockExecutor(ctrl)
	hub := events.NewHub(64)
	a := New(source, executor, hub, time.Minute)

	job := sampleJob()
	source.EXPECT().ClaimJob(gomock.Any()).Return(job, nil)
	executor.EXPECT().Execute(gomock.Any(), job, gomock.Any()).DoAndReturn(
		func(context.Context, *queueclient.Job, func(string)) (*orchestrator.Outcome, error) {
			panic("kaboom")
		})

	var captured queueclient.CompletionReport
	source.EXPECT().CompleteJob(gomock.Any(), "job-1", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, rep queueclient.CompletionReport) error {
			captured = rep
			return nil
		})

	out, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, queueclient.StatusFailed, out.Status)
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.Unknown, out.Failure.Category)

	require.NotNil(t, captured.Failure)
	assert.Equal(t, "unknown", captured.Failure.Category)
	assert.Contains(t, captured.Failure.TechnicalDetails, "kaboom")

	_, ok := findEvent(hub, events.TopicJobFailed)
	assert.True(t, ok)
}

func TestProgressLinesReachHub(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockJobSource(ctrl)
	executor := mocks.NewMockExecutor(ctrl)
	hub := events.NewHub(64)
	a := New(source, executor, hub, time.Minute)

	lines := []string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"content":[]}}`,
	}

	job := sampleJob()
	source.EXPECT().ClaimJob(gomock.Any()).Return(job, nil)
	executor.EXPECT().Execute(gomock.Any(), job, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ *queueclient.Job, onProgress func(string)) (*orchestrator.Outcome, error) {
			for _, line := range lines {
				onProgress(line)
			}
			return completedOutcome(), nil
		})
	source.EXPECT().CompleteJob(gomock.Any(), "job-1", gomock.Any()).Return(nil)

	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	var got []string
	for _, ev := range hub.Replay(0) {
		if ev.Type == events.TopicJobProgress {
			assert.Equal(t, "job-1", ev.JobID)
			got = append(got, string(ev.Data))
		}
	}
	assert.Equal(t, lines, got)
}

func TestStartStopLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockJobSource(ctrl)
	source.EXPECT().ClaimJob(gomock.Any()).Return(nil, nil).AnyTimes()

	hub := events.NewHub(256)
	a := New(source, mocks.NewMockExecutor(ctrl), hub, 10*time.Millisecond)

	a.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	a.Stop()

	types := eventTypes(hub)
	assert.Contains(t, types, events.TopicAgentStarted)
	assert.Contains(t, types, events.TopicAgentStopped)
	assert.GreaterOrEqual(t, countEvents(hub, events.TopicAgentTick), 2)
}

func TestPollLoopSurvivesClaimError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockJobSource(ctrl)
	source.EXPECT().ClaimJob(gomock.Any()).Return(nil, errors.New("connection refused"))
	source.EXPECT().ClaimJob(gomock.Any()).Return(nil, nil).AnyTimes()

	hub := events.NewHub(256)
	a := New(source, mocks.NewMockExecutor(ctrl), hub, 10*time.Millisecond)

	a.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	a.Stop()

	// The first claim failed; the loop kept ticking afterwards.
	assert.GreaterOrEqual(t, countEvents(hub, events.TopicAgentTick), 2)
}

func TestStopDrainsInFlightJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockJobSource(ctrl)
	executor := mocks.NewMockExecutor(ctrl)
	hub := events.NewHub(64)
	a := New(source, executor, hub, 10*time.Millisecond)

	job := sampleJob()
	started := make(chan struct{})
	release := make(chan struct{})

	source.EXPECT().ClaimJob(gomock.Any()).Return(job, nil)
	source.EXPECT().ClaimJob(gomock.Any()).Return(nil, nil).AnyTimes()
	executor.EXPECT().Execute(gomock.Any(), job, gomock.Any()).DoAndReturn(
		func(context.Context, *queueclient.Job, func(string)) (*orchestrator.Outcome, error) {
			close(started)
			<-release
			return completedOutcome(), nil
		})
	source.EXPECT().CompleteJob(gomock.Any(), "job-1", gomock.Any()).Return(nil)

	a.Start(context.Background())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	stopped := make(chan struct{})
	go func() {
		a.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the job finished")
	}

	_, ok := findEvent(hub, events.TopicJobCompleted)
	assert.True(t, ok)
}
