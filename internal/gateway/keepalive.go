package gateway

import (
	"context"
	"log/slog"
	"time"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// keepalive pings the agent periodically and enforces a read deadline
// refreshed by pongs. A dead peer makes the read loop fail within
// pongWait, which tears the connection down.
func keepalive(ctx context.Context, logger *slog.Logger, ac *AgentConn, conn wsConn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ac.Ping(time.Now().Add(10 * time.Second)); err != nil {
				logger.Debug("ping failed", "agent_id", ac.AgentID(), "error", err)
				return
			}
		}
	}
}
