package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks agent health from /healthz polling.
type HealthState struct {
	Status        string
	Agent         string
	Version       string
	UptimeSeconds int64
	CurrentJobID  string
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	uptimeStr := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	agentStr := "-"
	if health.Agent != "" {
		agentStr = health.Agent
		if health.Version != "" {
			agentStr += "@" + health.Version
		}
	}

	jobStr := theme.Dim.Render("idle")
	if health.CurrentJobID != "" {
		jobStr = theme.StatusRunning.Render(shortID(health.CurrentJobID))
	}

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		ago := time.Since(spinner.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}

	// Title line with ticker and clock
	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" CRUCIBLE WATCH %s", tickerStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Agent: %s  Job: %s",
		statusIcon, statusText,
		uptimeStr,
		agentStr,
		jobStr,
	)

	activityLine := fmt.Sprintf(" Last event: %s %s",
		lastEventStr,
		spinner.Render(theme),
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// shortID truncates job ids for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
