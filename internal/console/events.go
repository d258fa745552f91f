package console

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
)

const maxEventLines = 1000

type eventsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newEvents() eventsModel {
	return eventsModel{
		viewport:   viewport.New(80, 10),
		autoScroll: true,
	}
}

func (e *eventsModel) SetSize(width, height int) {
	e.viewport.Width = width
	e.viewport.Height = height
}

func (e *eventsModel) addEvent(ev eventbus.Event) {
	e.lines = append(e.lines, formatEvent(ev))
	if len(e.lines) > maxEventLines {
		e.lines = e.lines[len(e.lines)-maxEventLines:]
	}
	e.viewport.SetContent(strings.Join(e.lines, "\n"))
	if e.autoScroll {
		e.viewport.GotoBottom()
	}
}

func formatEvent(ev eventbus.Event) string {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	line := fmt.Sprintf("  %s %s", ts.Format("15:04:05"),
		eventStyle(ev.Type).Render(fmt.Sprintf("%-18s", ev.Type)))
	if ev.AgentID != "" {
		line += "  " + ev.AgentID
	}

	// Pull a few well-known detail fields out of the payload.
	var detail map[string]any
	if len(ev.Data) > 0 && json.Unmarshal(ev.Data, &detail) == nil {
		var parts []string
		for _, k := range []string{"subject", "message", "action", "kind", "job_id", "error"} {
			if v, ok := detail[k]; ok && v != "" {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(parts) > 0 {
			line += "  " + dimmedStyle.Render(strings.Join(parts, " "))
		}
	}
	return line
}

func (e eventsModel) Update(msg tea.Msg) (eventsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			e.autoScroll = true
			e.viewport.GotoBottom()
			return e, nil
		case "g":
			e.autoScroll = false
			e.viewport.GotoTop()
			return e, nil
		case "j", "down", "k", "up":
			e.autoScroll = false
		}
	}

	var cmd tea.Cmd
	e.viewport, cmd = e.viewport.Update(msg)
	return e, cmd
}

func (e eventsModel) View() string {
	return e.viewport.View()
}
