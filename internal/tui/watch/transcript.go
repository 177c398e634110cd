package watch

import (
	"encoding/json"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
)

// Transcript memory is bounded per job; the full text lives in the
// job's log artifact, the TUI only shows the tail.
const maxTranscriptLines = 200

// transcriptLines extracts displayable lines from one tool progress frame.
func transcriptLines(payload []byte) []string {
	var frame toolFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil
	}

	switch frame.Type {
	case "system":
		if frame.Subtype == "init" {
			return []string{"· session started"}
		}
	case "assistant":
		if frame.Message == nil {
			return nil
		}
		var lines []string
		for _, item := range frame.Message.Content {
			switch item.Type {
			case "text":
				if item.Text == "" {
					continue
				}
				lines = append(lines, strings.Split(strings.TrimRight(item.Text, "\n"), "\n")...)
			case "tool_use":
				if item.Name != "" {
					lines = append(lines, "▸ "+item.Name)
				}
			}
		}
		return lines
	case "result":
		if frame.IsError {
			msg := frame.Error
			if msg == "" {
				msg = frame.Result
			}
			return []string{"✗ " + firstLine(msg)}
		}
		return []string{"✔ " + firstLine(frame.Result)}
	}
	return nil
}

// appendTranscript adds lines to a job's tail, keeping the newest
// maxTranscriptLines.
func appendTranscript(transcripts map[string][]string, jobID string, lines []string) {
	if jobID == "" || len(lines) == 0 {
		return
	}
	tail := append(transcripts[jobID], lines...)
	if len(tail) > maxTranscriptLines {
		tail = tail[len(tail)-maxTranscriptLines:]
	}
	transcripts[jobID] = tail
}

func renderTranscript(vp viewport.Model, jobID string, theme Theme, width int) string {
	innerWidth := width - 4

	title := "TRANSCRIPT"
	if jobID != "" {
		title += " " + theme.Highlight.Render("["+shortID(jobID)+"]")
	}

	body := vp.View()
	if jobID == "" {
		body = theme.Dim.Render("  No job selected...")
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render(title),
		body,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}
