package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fleetwright/drover/internal/events"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health   HealthState
	batches  map[string]*BatchState
	eventLog []events.Event

	// Live indicators
	ticker  Ticker
	spinner Spinner
	bar     progress.Model

	// UI state
	theme         Theme
	selectedBatch int

	// Communication
	busEvents chan events.Event

	// Error display
	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(24), progress.WithoutPercentage())
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		batches:   make(map[string]*BatchState),
		eventLog:  make([]events.Event, 0),
		busEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		spinner:   NewSpinner(),
		bar:       bar,
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.busEvents),
		receiveNextEvent(m.busEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
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
			if m.selectedBatch > 0 {
				m.selectedBatch--
			}
		case "down", "j":
			if m.selectedBatch < len(m.batches)-1 {
				m.selectedBatch++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.spinner.OnEvent()
		updateBatchState(m.batches, e)

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.busEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The receiveNextEvent command is still waiting on the channel and
		// picks up events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.busEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width)
	batches := renderBatches(m.batches, m.selectedBatch, m.bar, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select Batch")

	parts := []string{header, batches, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
