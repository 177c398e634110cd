// Package watch implements the live dashboard behind `crucible watch`:
// agent health from /healthz polling, the jobs flowing through the
// agent, a transcript tail for the selected job, and the raw event
// stream, all fed by the status API's SSE feed.
package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Model is the top-level bubbletea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	// State
	health      HealthState
	jobs        map[string]*JobState
	transcripts map[string][]string
	eventLog    []streamEvent
	lastSeq     int64

	// Live indicators
	ticker  Ticker
	spinner Spinner

	// UI state
	theme       Theme
	viewport    viewport.Model
	selectedJob int

	// Communication
	hubEvents chan streamEvent

	// Error display
	lastError string
}

// New creates a watch model pointed at a crucible status API.
func New(apiURL, token string) *Model {
	return &Model{
		apiURL:      apiURL,
		token:       token,
		jobs:        make(map[string]*JobState),
		transcripts: make(map[string][]string),
		eventLog:    make([]streamEvent, 0),
		hubEvents:   make(chan streamEvent, 100),
		viewport:    viewport.New(80, 10),
		ticker:      NewTicker(),
		spinner:     NewSpinner(),
		theme:       NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selectedJob > 0 {
				m.selectedJob--
				m.syncTranscript()
			}
			return m, nil
		case "down", "j":
			if m.selectedJob < m.visibleJobs()-1 {
				m.selectedJob++
				m.syncTranscript()
			}
			return m, nil
		}
		// Remaining keys scroll the transcript viewport.
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = m.width - 6
		m.viewport.Height = m.height / 3
		if m.viewport.Height < 5 {
			m.viewport.Height = 5
		}
		m.syncTranscript()

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := streamEvent(msg)
		if e.Seq > m.lastSeq {
			m.lastSeq = e.Seq
		}

		// Event log, newest first
		m.eventLog = append([]streamEvent{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.spinner.OnEvent()
		updateJobState(m.jobs, e)
		if e.Type == "job.progress" {
			appendTranscript(m.transcripts, e.JobID, transcriptLines(e.Payload))
		}
		// Selection index 0 follows the newest job as rows shift.
		m.syncTranscript()

		m.health.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Agent = msg.Agent
		m.health.Version = msg.Version
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.CurrentJobID = msg.CurrentJobID
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// Reconnect after a short delay; the existing receiveNextEvent
		// command keeps waiting on the channel and picks up events from
		// the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.lastSeq, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		// Retry health in 5s
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to crucible..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width)
	jobs := renderJobs(m.jobs, m.selectedJob, m.theme, m.width)
	transcript := renderTranscript(m.viewport, m.selectedJobID(), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select Job • [PgUp/PgDn] Scroll Transcript")

	parts := []string{header, jobs, transcript, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// selectedJobID maps the selection index onto the newest-first job list.
func (m *Model) selectedJobID() string {
	ids := sortedJobIDs(m.jobs)
	if m.selectedJob < 0 || m.selectedJob >= len(ids) {
		return ""
	}
	return ids[m.selectedJob]
}

func (m *Model) visibleJobs() int {
	n := len(m.jobs)
	if n > maxJobRows {
		n = maxJobRows
	}
	return n
}

func (m *Model) syncTranscript() {
	id := m.selectedJobID()
	if id == "" {
		m.viewport.SetContent("")
		return
	}
	m.viewport.SetContent(strings.Join(m.transcripts[id], "\n"))
	m.viewport.GotoBottom()
}
