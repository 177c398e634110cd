package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// streamEvent is one decoded frame from the agent's /events feed.
type streamEvent struct {
	Seq     int64
	Type    string
	JobID   string
	At      time.Time
	Payload json.RawMessage
}

// envelope mirrors the JSON carried on each SSE data line.
type envelope struct {
	JobID   string          `json:"job_id"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// --- Message types ---

type eventMsg streamEvent

type healthMsg struct {
	Status        string `json:"status"`
	Agent         string `json:"agent"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	CurrentJobID  string `json:"current_job_id"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents connects to the SSE /events feed and pushes decoded
// frames into ch. Returns sseDisconnectedMsg when the connection drops.
// A lastSeq > 0 resumes the stream after the last frame already seen.
func subscribeToEvents(apiURL, token string, lastSeq int64, ch chan<- streamEvent) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if lastSeq > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastSeq, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events feed: %s", resp.Status))
		}

		readSSE(resp.Body, func(ev streamEvent) { ch <- ev })
		return sseDisconnectedMsg{}
	}
}

// readSSE decodes frames from an SSE byte stream and hands each complete
// one to emit. Keep-alive comments are skipped.
func readSSE(r io.Reader, emit func(streamEvent)) {
	scanner := bufio.NewScanner(r)
	// Progress frames carry whole tool events; the default scanner limit
	// is too small for them.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur streamEvent
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if cur.Type != "" || cur.Payload != nil {
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				emit(cur)
			}
			cur = streamEvent{}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.Seq = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			var env envelope
			if err := json.Unmarshal([]byte(line[6:]), &env); err == nil {
				cur.JobID = env.JobID
				cur.At = env.At
				cur.Payload = env.Payload
			}
		}
	}
}

// receiveNextEvent waits for the next decoded frame.
func receiveNextEvent(ch <-chan streamEvent) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL, token string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+"/healthz", nil)
	if err != nil {
		return errMsg(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
