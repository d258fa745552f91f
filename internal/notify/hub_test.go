package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/eventbus"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

func setupHub(t *testing.T) (*httptest.Server, *eventbus.Bus, string) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	authSvc := auth.NewService(st, config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	if _, err := authSvc.Register(context.Background(), "op", "password123", "admin"); err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(context.Background(), "op", "password123")
	if err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	hub := NewHub(slog.Default(), authSvc, bus, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	return srv, bus, token
}

func TestEventsForwardedToOperator(t *testing.T) {
	srv, bus, token := setupHub(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the hub a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.PublishType(eventbus.AgentConnected, "srv-1", nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != eventbus.AgentConnected || ev.AgentID != "srv-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestRejectsMissingToken(t *testing.T) {
	srv, _, _ := setupHub(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
}
