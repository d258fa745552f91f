package console

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
)

// Run logs in, connects the event stream and displays the console
// until the user quits.
func Run(serverURL, username, password string) error {
	client := NewClient(serverURL)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.Login(ctx, username, password); err != nil {
		return err
	}
	rows, err := client.Agents(ctx)
	if err != nil {
		return err
	}

	m := NewModel(serverURL, rows)
	p := tea.NewProgram(m, tea.WithAltScreen())

	refresh := func() {
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		if rows, err := client.Agents(rctx); err == nil {
			p.Send(AgentsUpdateMsg{Rows: rows})
		}
	}

	// Stream events, reconnecting with a flat backoff. Agent lifecycle
	// events also trigger an immediate snapshot refresh.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	go func() {
		for {
			if streamCtx.Err() != nil {
				return
			}
			conn, err := client.DialEvents()
			if err != nil {
				p.Send(StreamStateMsg{Connected: false})
				select {
				case <-streamCtx.Done():
					return
				case <-time.After(3 * time.Second):
					continue
				}
			}
			p.Send(StreamStateMsg{Connected: true})

			for {
				var ev eventbus.Event
				if err := conn.ReadJSON(&ev); err != nil {
					break
				}
				p.Send(EventMsg{Event: ev})
				switch ev.Type {
				case eventbus.AgentConnected, eventbus.AgentDisconnected:
					go refresh()
				}
			}
			_ = conn.Close()
			p.Send(StreamStateMsg{Connected: false})
		}
	}()

	// Periodic agent snapshot refresh.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("console error: %w", err)
	}
	return nil
}
