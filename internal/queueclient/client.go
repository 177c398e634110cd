// Package queueclient talks to the remote job queue over HTTP. Terminal
// reports are retried; progress and status notifications are
// fire-and-forget so a flaky queue cannot take down a running job.
package queueclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/crucible/internal/log"
)

const (
	defaultRequestTimeout = 15 * time.Second
	completeAttempts      = 3
	completeRetryDelay    = 1 * time.Second
)

// Config for the queue connection.
type Config struct {
	// BaseURL of the queue, e.g. "https://queue.internal:8443".
	BaseURL string
	// Token is sent as a static bearer credential when non-empty.
	Token string
	// AgentID identifies this agent in claim requests.
	AgentID string
	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration
}

// Client implements the queue protocol.
type Client struct {
	baseURL string
	token   string
	agentID string
	http    *http.Client
	logger  *slog.Logger
	sleep   func(time.Duration)
}

// New builds a Client. BaseURL is required.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("queue base URL is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		agentID: cfg.AgentID,
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithComponent("queueclient"),
		sleep:   time.Sleep,
	}, nil
}

// ClaimJob asks the queue for work. Returns (nil, nil) when the queue has
// nothing, which is the common case and not an error.
func (c *Client) ClaimJob(ctx context.Context) (*Job, error) {
	body := map[string]string{"agent_id": c.agentID}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/jobs/claim", body, true)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var job Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, fmt.Errorf("decode claimed job: %w", err)
		}
		if job.ID == "" {
			return nil, fmt.Errorf("queue returned a job without an id")
		}
		return &job, nil
	default:
		return nil, c.statusError("claim job", resp)
	}
}

// CompleteJob delivers the terminal report. Transport errors and 5xx
// responses are retried a few times; losing a terminal report strands the
// job on the queue side.
func (c *Client) CompleteJob(ctx context.Context, jobID string, report CompletionReport) error {
	path := "/api/v1/jobs/" + jobID + "/complete"

	var lastErr error
	for attempt := 0; attempt < completeAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying job completion report",
				slog.String("job_id", jobID), slog.Int("attempt", attempt+1))
			c.sleep(completeRetryDelay * time.Duration(attempt))
		}

		resp, err := c.do(ctx, http.MethodPost, path, report, true)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		code := resp.StatusCode
		if code >= 200 && code < 300 {
			drain(resp)
			return nil
		}
		lastErr = c.statusError("complete job", resp)
		drain(resp)
		if code < 500 {
			break
		}
	}
	return fmt.Errorf("complete job %s: %w", jobID, lastErr)
}

// SendProgress forwards one line of tool output. Best-effort.
func (c *Client) SendProgress(ctx context.Context, jobID, text string) {
	body := map[string]any{"text": text, "at": time.Now().UTC()}
	c.fireAndForget(ctx, http.MethodPost, "/api/v1/jobs/"+jobID+"/progress", body, "send progress")
}

// SendStatusEvent reports a lifecycle transition. Best-effort.
func (c *Client) SendStatusEvent(ctx context.Context, jobID, eventType, message string, metadata map[string]string) {
	ev := StatusEvent{Type: eventType, Message: message, Metadata: metadata, At: time.Now().UTC()}
	c.fireAndForget(ctx, http.MethodPost, "/api/v1/jobs/"+jobID+"/events", ev, "send status event")
}

// UpdateJobMetadata patches queue-side metadata for the job. Best-effort.
func (c *Client) UpdateJobMetadata(ctx context.Context, jobID string, fields map[string]any) {
	c.fireAndForget(ctx, http.MethodPatch, "/api/v1/jobs/"+jobID+"/metadata", fields, "update job metadata")
}

func (c *Client) fireAndForget(ctx context.Context, method, path string, body any, op string) {
	resp, err := c.do(ctx, method, path, body, true)
	if err != nil {
		c.logger.Debug(op+" failed", slog.String("error", err.Error()))
		return
	}
	if resp.StatusCode >= 300 {
		c.logger.Debug(op+" rejected", slog.String("status", resp.Status))
	}
	drain(resp)
}

// do builds and sends one request. Mutating calls carry a fresh
// idempotency key so queue-side retries cannot double-apply.
func (c *Client) do(ctx context.Context, method, path string, body any, mutating bool) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if mutating {
		req.Header.Set("X-Idempotency-Key", uuid.NewString())
	}

	return c.http.Do(req)
}

func (c *Client) statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(snippet))
	if text == "" {
		return fmt.Errorf("%s: queue returned %s", op, resp.Status)
	}
	return fmt.Errorf("%s: queue returned %s: %s", op, resp.Status, text)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
