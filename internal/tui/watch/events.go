package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const maxEventRows = 10

func renderEventStream(eventLog []streamEvent, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= maxEventRows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e streamEvent, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"):
		typeStyle = theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"):
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(e.Type, ".claimed"), strings.HasSuffix(e.Type, ".progress"):
		typeStyle = theme.StatusRunning
	case strings.HasPrefix(e.Type, "agent."):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-14s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, eventDesc(e, theme))
}

// eventDesc condenses a frame to one line: job id plus whatever short
// fields the payload carries.
func eventDesc(e streamEvent, theme Theme) string {
	var parts []string

	if e.JobID != "" {
		parts = append(parts, theme.Highlight.Render("["+shortID(e.JobID)+"]"))
	}

	if e.Type == "job.progress" {
		if phase := phaseFromTool(e.Payload); phase != "" {
			parts = append(parts, phase)
		}
		return strings.Join(parts, " ")
	}

	data := make(map[string]any)
	_ = json.Unmarshal(e.Payload, &data)

	for _, key := range []string{"kind", "status", "category", "branch", "poll_interval"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}

	if len(parts) == 0 && len(e.Payload) > 0 && string(e.Payload) != "{}" {
		raw := string(e.Payload)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
