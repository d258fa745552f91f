package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// AgentRow is the console's view of one agent as the API reports it.
type AgentRow struct {
	ID            string    `json:"id"`
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`
	Connected     bool      `json:"connected"`
	LastSeen      time.Time `json:"last_seen"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
}

// Client is a minimal fleetwatch API client for the console.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the given server base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("login: decode response: %w", err)
	}
	c.token = out.Token
	return nil
}

// Agents fetches the agent list with live connection state.
func (c *Client) Agents(ctx context.Context) ([]AgentRow, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/agents", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list agents: %s", resp.Status)
	}
	var rows []AgentRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("list agents: decode response: %w", err)
	}
	return rows, nil
}

// DialEvents opens the operator event stream.
func (c *Client) DialEvents() (*websocket.Conn, error) {
	wsURL := c.baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/events?token="+c.token, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	return conn, nil
}
