package console

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type agentsModel struct {
	items  []AgentRow
	cursor int
}

func newAgents(rows []AgentRow) agentsModel {
	return agentsModel{items: rows}
}

func (a *agentsModel) update(rows []AgentRow) {
	a.items = rows
	if a.cursor >= len(a.items) {
		a.cursor = max(0, len(a.items)-1)
	}
}

func (a agentsModel) Update(msg tea.Msg) (agentsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if a.cursor < len(a.items)-1 {
				a.cursor++
			}
		case "k", "up":
			if a.cursor > 0 {
				a.cursor--
			}
		case "G":
			a.cursor = max(0, len(a.items)-1)
		case "g":
			a.cursor = 0
		}
	}
	return a, nil
}

func (a agentsModel) View() string {
	if len(a.items) == 0 {
		return dimmedStyle.Render("  No agents registered")
	}

	headerStyle := lipgloss.NewStyle().Foreground(colorSubtle).Bold(true)
	header := fmt.Sprintf("    %-14s %-20s %6s %6s %6s  %s",
		headerStyle.Render("ID"),
		headerStyle.Render("HOSTNAME"),
		headerStyle.Render("CPU"),
		headerStyle.Render("MEM"),
		headerStyle.Render("DISK"),
		headerStyle.Render("LAST SEEN"),
	)

	rows := header + "\n"
	for i, ag := range a.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == a.cursor {
			cursor = selectedStyle.Render("> ")
			style = style.Bold(true)
		}

		id := ag.ID
		if len(id) > 12 {
			id = id[:12]
		}
		hostname := ag.Hostname
		if len(hostname) > 18 {
			hostname = hostname[:18]
		}

		row := fmt.Sprintf("%s %-14s %-20s %6s %6s %6s  %s",
			statusDot(ag.Connected),
			style.Render(id),
			style.Render(hostname),
			metricStyle(ag.CPUPercent).Render(fmt.Sprintf("%.0f%%", ag.CPUPercent)),
			metricStyle(ag.MemoryPercent).Render(fmt.Sprintf("%.0f%%", ag.MemoryPercent)),
			metricStyle(ag.DiskPercent).Render(fmt.Sprintf("%.0f%%", ag.DiskPercent)),
			dimmedStyle.Render(formatAge(ag.LastSeen)),
		)
		rows += cursor + row + "\n"
	}

	return rows
}

func (a agentsModel) height() int {
	return min(len(a.items)+2, 12)
}

func (a agentsModel) counts() (online, total int) {
	for _, ag := range a.items {
		if ag.Connected {
			online++
		}
	}
	return online, len(a.items)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}
