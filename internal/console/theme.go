// Package console is the terminal dashboard for operators. It polls
// the fleetwatch HTTP API for agent state and streams live events over
// the operator WebSocket.
package console

import "github.com/charmbracelet/lipgloss"

// Colors.
var (
	colorPrimary = lipgloss.Color("#0EA5E9") // sky
	colorAccent  = lipgloss.Color("#F59E0B") // amber

	colorSuccess = lipgloss.Color("#10B981") // emerald
	colorWarning = lipgloss.Color("#F59E0B") // amber
	colorError   = lipgloss.Color("#EF4444") // red
	colorMuted   = lipgloss.Color("#6B7280") // gray-500
	colorText    = lipgloss.Color("#E5E7EB") // gray-200
	colorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

// Shared styles.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	subtitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	dimmedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	selectedStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	onlineDot  = lipgloss.NewStyle().Foreground(colorSuccess).Render("●")
	offlineDot = lipgloss.NewStyle().Foreground(colorError).Render("●")
)

func statusDot(online bool) string {
	if online {
		return onlineDot
	}
	return offlineDot
}

// metricStyle colors a percentage by how close it is to saturation.
func metricStyle(pct float64) lipgloss.Style {
	switch {
	case pct >= 90:
		return lipgloss.NewStyle().Foreground(colorError)
	case pct >= 75:
		return lipgloss.NewStyle().Foreground(colorWarning)
	default:
		return lipgloss.NewStyle().Foreground(colorText)
	}
}

// eventStyle colors an event line by its bus type.
func eventStyle(eventType string) lipgloss.Style {
	switch eventType {
	case "agent.connected", "alert.recovered":
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case "agent.disconnected", "command.retry":
		return lipgloss.NewStyle().Foreground(colorWarning)
	case "alert.raised", "alert.escalation", "command.failed":
		return lipgloss.NewStyle().Foreground(colorError)
	default:
		return lipgloss.NewStyle().Foreground(colorSubtle)
	}
}
