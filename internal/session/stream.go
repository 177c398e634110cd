package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// readChunkSize is the stdout read granularity. Lines can exceed any
// fixed scanner limit (assistant events carry whole file contents), so
// reassembly is explicit rather than delegated to bufio.Scanner.
const readChunkSize = 32 * 1024

// lineAssembler splits a chunked byte stream into complete lines,
// holding the trailing incomplete fragment until the next chunk.
type lineAssembler struct {
	pending []byte
}

// feed consumes one chunk and returns the complete lines it closed,
// without their newline terminators.
func (a *lineAssembler) feed(chunk []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range chunk {
		if b != '\n' {
			continue
		}
		line := chunk[start:i]
		if len(a.pending) > 0 {
			line = append(a.pending, line...)
			a.pending = nil
		}
		lines = append(lines, line)
		start = i + 1
	}
	if start < len(chunk) {
		a.pending = append(a.pending, chunk[start:]...)
	}
	return lines
}

// flush returns the buffered trailing fragment, if any. Called once after
// stream close so a final unterminated line still gets a parse attempt.
func (a *lineAssembler) flush() []byte {
	out := a.pending
	a.pending = nil
	return out
}

// toolEvent is one newline-delimited JSON event from the tool's stdout.
// Unknown fields and unknown types are tolerated: the protocol grows
// without coordination.
type toolEvent struct {
	Type         string            `json:"type"`
	Subtype      string            `json:"subtype,omitempty"`
	Model        string            `json:"model,omitempty"`
	Message      *assistantMessage `json:"message,omitempty"`
	Result       string            `json:"result,omitempty"`
	DurationMS   int64             `json:"duration_ms,omitempty"`
	NumTurns     int               `json:"num_turns,omitempty"`
	TotalCostUSD float64           `json:"total_cost_usd,omitempty"`
	IsError      bool              `json:"is_error,omitempty"`
	Error        string            `json:"error,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
}

type assistantMessage struct {
	Content []contentItem `json:"content"`
}

type contentItem struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// collector consumes the tool's stdout stream and accumulates the
// narrative, the result event, and the raw transcript. It is read from
// the session goroutine while the reader goroutine appends, so all state
// is mutex-guarded.
type collector struct {
	mu sync.Mutex

	narrative   []string
	resultText  string
	sawResult   bool
	resultError string
	isError     bool
	model       string
	sessionID   string
	numTurns    int
	costUSD     float64
	toolUses    int
	raw         strings.Builder

	onProgress func(line string)
	logger     *slog.Logger
}

func newCollector(onProgress func(string), logger *slog.Logger) *collector {
	return &collector{onProgress: onProgress, logger: logger}
}

// consume reads r to EOF, reassembling lines across chunk boundaries and
// handling each complete line independently. A malformed line is logged
// and skipped, never fatal.
func (c *collector) consume(r io.Reader) {
	var assembler lineAssembler
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range assembler.feed(buf[:n]) {
				c.handleLine(line)
			}
		}
		if err != nil {
			break
		}
	}
	if tail := assembler.flush(); len(tail) > 0 {
		c.handleLine(tail)
	}
}

func (c *collector) handleLine(line []byte) {
	c.mu.Lock()
	c.raw.Write(line)
	c.raw.WriteByte('\n')
	c.mu.Unlock()

	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}

	var ev toolEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		// Non-protocol noise on stdout. Keep it out of the narrative.
		c.logger.Debug("ignoring non-protocol output line", "line", truncateLine(trimmed))
		return
	}

	c.apply(&ev)

	if c.onProgress != nil {
		c.onProgress(trimmed)
	}
}

func (c *collector) apply(ev *toolEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			c.model = ev.Model
			if ev.SessionID != "" {
				c.sessionID = ev.SessionID
			}
			c.logger.Debug("tool session initialized", "model", ev.Model)
		}
	case "assistant":
		if ev.Message == nil {
			return
		}
		for _, item := range ev.Message.Content {
			switch item.Type {
			case "text":
				if item.Text != "" {
					c.narrative = append(c.narrative, item.Text)
				}
			case "tool_use":
				c.toolUses++
				c.logger.Info("tool activity", "action", summarizeToolUse(item))
			}
		}
	case "result":
		c.sawResult = true
		if ev.Result != "" {
			c.resultText = ev.Result
		}
		c.isError = ev.IsError
		c.resultError = ev.Error
		c.numTurns = ev.NumTurns
		c.costUSD = ev.TotalCostUSD
		if ev.SessionID != "" {
			c.sessionID = ev.SessionID
		}
	default:
		// Unknown event types are ignored without error.
	}
}

// finalText resolves the session's output. Priority: the accumulated
// assistant narrative, then the result event's text, then the raw
// transcript. Some invocation modes never emit a result event, hence the
// fallback chain.
func (c *collector) finalText() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if narrative := strings.TrimSpace(strings.Join(c.narrative, "\n")); narrative != "" {
		return narrative
	}
	if c.sawResult && c.resultText != "" {
		return c.resultText
	}
	return c.raw.String()
}

// snapshot returns the raw transcript captured so far. Used for partial
// output when the session fails mid-stream.
func (c *collector) snapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.String()
}

func summarizeToolUse(item contentItem) string {
	name := item.Name
	if name == "" {
		name = "unnamed tool"
	}
	if len(item.Input) > 0 {
		var input map[string]any
		if err := json.Unmarshal(item.Input, &input); err == nil {
			for _, key := range []string{"file_path", "path", "command", "pattern"} {
				if v, ok := input[key].(string); ok && v != "" {
					return fmt.Sprintf("%s %s", name, truncateLine(v))
				}
			}
		}
	}
	return name
}

func truncateLine(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
