package console

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
)

// panel identifies which console panel is focused.
type panel int

const (
	panelAgents panel = iota
	panelEvents
)

// Model is the root console TUI model.
type Model struct {
	serverURL string
	startedAt time.Time

	agents agentsModel
	events eventsModel

	activePanel panel
	width       int
	height      int
	streamUp    bool
	showHelp    bool
	quitting    bool
}

// NewModel creates a console model with an initial agent snapshot.
func NewModel(serverURL string, rows []AgentRow) Model {
	return Model{
		serverURL: serverURL,
		startedAt: time.Now(),
		agents:    newAgents(rows),
		events:    newEvents(),
	}
}

// EventMsg wraps a bus event from the operator stream.
type EventMsg struct {
	Event eventbus.Event
}

// AgentsUpdateMsg carries a fresh agent snapshot.
type AgentsUpdateMsg struct {
	Rows []AgentRow
}

// StreamStateMsg reports whether the event WebSocket is up.
type StreamStateMsg struct {
	Connected bool
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.events.SetSize(msg.Width-4, m.eventsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == panelAgents {
				m.activePanel = panelEvents
			} else {
				m.activePanel = panelAgents
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.showHelp = !m.showHelp
			return m, nil
		}

	case AgentsUpdateMsg:
		m.agents.update(msg.Rows)
		return m, nil

	case EventMsg:
		m.events.addEvent(msg.Event)
		return m, nil

	case StreamStateMsg:
		m.streamUp = msg.Connected
		return m, nil
	}

	var cmd tea.Cmd
	switch m.activePanel {
	case panelAgents:
		m.agents, cmd = m.agents.Update(msg)
	case panelEvents:
		m.events, cmd = m.events.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.showHelp {
		return m.helpView()
	}

	headerView := m.headerView()

	agentsStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorMuted).
		Width(m.width - 2)
	eventsStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorMuted).
		Width(m.width - 2)

	if m.activePanel == panelAgents {
		agentsStyle = agentsStyle.BorderForeground(colorPrimary)
	} else {
		eventsStyle = eventsStyle.BorderForeground(colorPrimary)
	}

	agentsView := agentsStyle.Render(
		subtitleStyle.Render(" Agents") + "\n" + m.agents.View(),
	)
	eventsView := eventsStyle.Render(
		subtitleStyle.Render(" Events") + "\n" + m.events.View(),
	)

	helpBar := helpStyle.Render("  q quit  Tab switch  j/k navigate  G bottom  ? help")

	return lipgloss.JoinVertical(lipgloss.Left,
		headerView,
		agentsView,
		eventsView,
		helpBar,
	)
}

func (m Model) headerView() string {
	left := titleStyle.Render("Fleetwatch Console")

	stream := "stream " + offlineDot
	if m.streamUp {
		stream = "stream " + onlineDot
	}
	right := fmt.Sprintf("%s  %s", m.serverURL, stream)

	online, total := m.agents.counts()
	info := fmt.Sprintf("  Agents online: %d/%d   Uptime: %s",
		online, total, formatUptime(time.Since(m.startedAt)))

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorPrimary).
		Width(m.width - 2).
		Padding(0, 1)

	pad := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 6
	if pad < 1 {
		pad = 1
	}
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(pad).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + dimmedStyle.Render(info))
}

func (m Model) helpView() string {
	title := titleStyle.Render("Keyboard Shortcuts") + "\n\n"

	binds := []struct {
		key  string
		desc string
	}{
		{"q / Ctrl+C", "Quit"},
		{"Tab", "Switch between Agents and Events panels"},
		{"j / Down", "Move down / scroll down"},
		{"k / Up", "Move up / scroll up"},
		{"G", "Jump to bottom"},
		{"g", "Jump to top"},
		{"?", "Toggle this help"},
	}

	keyStyle := lipgloss.NewStyle().
		Foreground(colorAccent).
		Bold(true).
		Width(14)
	descStyle := lipgloss.NewStyle().Foreground(colorText)

	s := title
	for _, b := range binds {
		s += "  " + keyStyle.Render(b.key) + descStyle.Render(b.desc) + "\n"
	}
	s += "\n" + helpStyle.Render("  Press ? to close")

	return lipgloss.NewStyle().Padding(1, 2).Render(s)
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) eventsHeight() int {
	// Reserve space for header, agents panel, help bar, borders.
	used := 6 + m.agents.height() + 4
	h := m.height - used
	if h < 5 {
		h = 5
	}
	return h
}

func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
