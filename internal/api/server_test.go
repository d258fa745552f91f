package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/gateway"
	"github.com/fleetwatch/fleetwatch/internal/recovery"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// fakeCommander returns canned results or a configured error.
type fakeCommander struct {
	err      error
	info     *protocol.ServerInfo
	services []protocol.Service
	restarts []string
}

func (f *fakeCommander) GetServerInfo(ctx context.Context, agentID string) (*protocol.ServerInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func (f *fakeCommander) GetServices(ctx context.Context, agentID string) ([]protocol.Service, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.services, nil
}

func (f *fakeCommander) GetService(ctx context.Context, agentID, name string) (*protocol.Service, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.services {
		if f.services[i].Name == name {
			return &f.services[i], nil
		}
	}
	return nil, gateway.ErrDecode
}

func (f *fakeCommander) GetServiceLog(ctx context.Context, agentID, name string, lines int) (*protocol.ServiceLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.ServiceLog{Name: name, Lines: []string{"line one"}}, nil
}

func (f *fakeCommander) RestartService(ctx context.Context, agentID, name string) (*protocol.RestartResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.restarts = append(f.restarts, agentID+"/"+name)
	return &protocol.RestartResult{Name: name, OK: true}, nil
}

func (f *fakeCommander) GetProcesses(ctx context.Context, agentID string) ([]protocol.Process, error) {
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func (f *fakeCommander) GetProcess(ctx context.Context, agentID, name string) (*protocol.Process, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.Process{Name: name, PID: 100}, nil
}

func (f *fakeCommander) UpdateAgentConfig(ctx context.Context, agentID string, cfg protocol.AgentConfig) (*protocol.ConfigAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.ConfigAck{OK: true}, nil
}

func (f *fakeCommander) BrowseFilesystem(ctx context.Context, agentID, path string) (*protocol.BrowseResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.BrowseResult{Path: path}, nil
}

type fakePresence struct{ online map[string]bool }

func (f *fakePresence) Online(agentID string) bool { return f.online[agentID] }

type fakeRecovery struct{}

func (fakeRecovery) StatusOf(agentID, kind, name string) recovery.Status {
	return recovery.StatusHealthy
}

type fakeBackups struct {
	triggered []string
	err       error
}

func (f *fakeBackups) TriggerNow(ctx context.Context, jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, jobID)
	return nil
}

type apiFixture struct {
	srv        *httptest.Server
	store      store.Store
	cmds       *fakeCommander
	presence   *fakePresence
	backups    *fakeBackups
	adminToken string
	userToken  string
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth: config.AuthConfig{
			JWTSecret:        "test-secret-at-least-32-chars-long",
			AgentTokenSecret: "agent-hmac-secret",
		},
	}
	cfg.ApplyDefaults()

	authSvc := auth.NewService(st, cfg.Auth)
	ctx := context.Background()
	if _, err := authSvc.Register(ctx, "admin", "password123", "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := authSvc.Register(ctx, "viewer", "password123", "user"); err != nil {
		t.Fatal(err)
	}
	adminToken, err := authSvc.Login(ctx, "admin", "password123")
	if err != nil {
		t.Fatal(err)
	}
	userToken, err := authSvc.Login(ctx, "viewer", "password123")
	if err != nil {
		t.Fatal(err)
	}

	cmds := &fakeCommander{
		info:     &protocol.ServerInfo{Hostname: "web-1", OS: "linux"},
		services: []protocol.Service{{Name: "nginx", ActiveState: protocol.ServiceActive}},
	}
	presence := &fakePresence{online: map[string]bool{}}
	backups := &fakeBackups{}

	server := NewServer(Deps{
		Store:         st,
		AuthProvider:  authSvc,
		LoginProvider: authSvc,
		AgentAuth:     authSvc,
		Commands:      cmds,
		Presence:      presence,
		Recovery:      fakeRecovery{},
		Backups:       backups,
	}, cfg, slog.Default())

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{
		srv:        srv,
		store:      st,
		cmds:       cmds,
		presence:   presence,
		backups:    backups,
		adminToken: adminToken,
		userToken:  userToken,
	}
}

func (fix *apiFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, fix.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "GET", "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	resp = fix.do(t, "GET", "/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
}

func TestLoginFlow(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "password123",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["token"] == "" {
		t.Fatal("expected a token")
	}

	resp = fix.do(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "wrong-password",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "GET", "/api/agents", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}
	resp = fix.do(t, "GET", "/api/agents", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", resp.StatusCode)
	}
}

func TestGetMe(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "GET", "/api/me", fix.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	me := decode[map[string]string](t, resp)
	if me["username"] != "admin" || me["role"] != "admin" {
		t.Errorf("unexpected identity: %v", me)
	}
}

func TestListAgentsWithPresence(t *testing.T) {
	fix := setupAPI(t)
	ctx := context.Background()

	for _, id := range []string{"srv-1", "srv-2"} {
		if err := fix.store.UpsertAgent(ctx, &store.Agent{ID: id, Hostname: id}); err != nil {
			t.Fatal(err)
		}
	}
	fix.presence.online["srv-1"] = true

	resp := fix.do(t, "GET", "/api/agents", fix.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	agents := decode[[]struct {
		ID        string `json:"id"`
		Connected bool   `json:"connected"`
	}](t, resp)
	if len(agents) != 2 {
		t.Fatalf("got %d agents", len(agents))
	}
	connected := map[string]bool{}
	for _, a := range agents {
		connected[a.ID] = a.Connected
	}
	if !connected["srv-1"] || connected["srv-2"] {
		t.Errorf("unexpected presence: %v", connected)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "GET", "/api/agents/nope", fix.adminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLiveCommandRoundTrip(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "GET", "/api/agents/srv-1/info", fix.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	info := decode[protocol.ServerInfo](t, resp)
	if info.Hostname != "web-1" {
		t.Errorf("hostname = %q", info.Hostname)
	}

	resp = fix.do(t, "POST", "/api/agents/srv-1/services/nginx/restart", fix.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d", resp.StatusCode)
	}
	if len(fix.cmds.restarts) != 1 || fix.cmds.restarts[0] != "srv-1/nginx" {
		t.Errorf("restarts = %v", fix.cmds.restarts)
	}
}

func TestCommandErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{gateway.ErrAgentOffline, http.StatusServiceUnavailable},
		{gateway.ErrTimeout, http.StatusGatewayTimeout},
		{gateway.ErrMaxRetries, http.StatusGatewayTimeout},
		{gateway.ErrDecode, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			fix := setupAPI(t)
			fix.cmds.err = tc.err
			resp := fix.do(t, "GET", "/api/agents/srv-1/info", fix.adminToken, nil)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestServiceLogLineValidation(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "GET", "/api/agents/srv-1/services/nginx/log?lines=99999", fix.adminToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp = fix.do(t, "GET", "/api/agents/srv-1/services/nginx/log?lines=50", fix.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWatchlistCRUD(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "POST", "/api/agents/srv-1/watchlist", fix.adminToken, map[string]any{
		"kind": "service", "name": "nginx", "auto_restart": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	entry := decode[store.WatchlistEntry](t, resp)
	if entry.ID == "" || !entry.AutoRestart {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	resp = fix.do(t, "GET", "/api/agents/srv-1/watchlist", fix.adminToken, nil)
	list := decode[[]struct {
		store.WatchlistEntry
		Status recovery.Status `json:"status"`
	}](t, resp)
	if len(list) != 1 || list[0].Status != recovery.StatusHealthy {
		t.Fatalf("unexpected list: %+v", list)
	}

	resp = fix.do(t, "DELETE", "/api/watchlist/"+entry.ID, fix.adminToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestWatchlistValidation(t *testing.T) {
	fix := setupAPI(t)

	cases := []map[string]any{
		{"kind": "daemon", "name": "x"},
		{"kind": "service", "name": ""},
		{"kind": "process", "name": "worker", "auto_restart": true},
	}
	for i, body := range cases {
		resp := fix.do(t, "POST", "/api/agents/srv-1/watchlist", fix.adminToken, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d", i, resp.StatusCode)
		}
	}
}

func TestAlertRuleCRUD(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "POST", "/api/alerts/rules", fix.adminToken, map[string]any{
		"metric": "cpu", "operator": ">=", "threshold": 90,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	rule := decode[store.AlertRule](t, resp)
	if !rule.Enabled || rule.Metric != "cpu" {
		t.Fatalf("unexpected rule: %+v", rule)
	}

	resp = fix.do(t, "POST", "/api/alerts/rules", fix.adminToken, map[string]any{
		"metric": "load", "operator": ">=", "threshold": 5,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad metric status = %d", resp.StatusCode)
	}

	resp = fix.do(t, "DELETE", "/api/alerts/rules/"+rule.ID, fix.adminToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestBackupJobCreateAndRun(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "POST", "/api/backups", fix.adminToken, map[string]any{
		"agent_id": "srv-1", "name": "etc", "paths": []string{"/etc"},
		"destination": "/var/backups", "interval": "24h",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	job := decode[store.BackupJob](t, resp)
	if job.Interval != 24*time.Hour {
		t.Errorf("interval = %v", job.Interval)
	}

	resp = fix.do(t, "POST", "/api/backups/"+job.ID+"/run", fix.adminToken, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run status = %d", resp.StatusCode)
	}
	if len(fix.backups.triggered) != 1 || fix.backups.triggered[0] != job.ID {
		t.Errorf("triggered = %v", fix.backups.triggered)
	}
}

func TestAdminOnlyRoutes(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "GET", "/api/users", fix.userToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin users status = %d", resp.StatusCode)
	}
	resp = fix.do(t, "POST", "/api/agents/srv-1/token", fix.userToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin token status = %d", resp.StatusCode)
	}

	resp = fix.do(t, "GET", "/api/users", fix.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin users status = %d", resp.StatusCode)
	}
	users := decode[[]map[string]any](t, resp)
	if len(users) != 2 {
		t.Errorf("got %d users", len(users))
	}
}

func TestGenerateAgentToken(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "POST", "/api/agents/srv-9/token", fix.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["token"] == "" || body["agent_id"] != "srv-9" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestCreateUserValidation(t *testing.T) {
	fix := setupAPI(t)

	resp := fix.do(t, "POST", "/api/users", fix.adminToken, map[string]string{
		"username": "newop", "password": "short", "role": "user",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("weak password status = %d", resp.StatusCode)
	}

	resp = fix.do(t, "POST", "/api/users", fix.adminToken, map[string]string{
		"username": "newop", "password": "password123", "role": "user",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp = fix.do(t, "POST", "/api/users", fix.adminToken, map[string]string{
		"username": "newop", "password": "password123", "role": "user",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	fix := setupAPI(t)

	var last int
	for i := 0; i < 30; i++ {
		resp := fix.do(t, "POST", "/api/auth/login", "", map[string]string{
			"username": "admin", "password": fmt.Sprintf("wrong-%d", i),
		})
		last = resp.StatusCode
		if last == http.StatusTooManyRequests {
			break
		}
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated logins, last status = %d", last)
	}
}

func TestCommandLogEndpoint(t *testing.T) {
	fix := setupAPI(t)
	ctx := context.Background()

	if err := fix.store.AppendCommandLog(ctx, &store.CommandLog{
		ID: "log-1", AgentID: "srv-1", Action: protocol.ActionGetServerInfo,
		MessageID: 7, Status: store.CommandOK, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	resp := fix.do(t, "GET", "/api/agents/srv-1/commands", fix.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	logs := decode[[]store.CommandLog](t, resp)
	if len(logs) != 1 || logs[0].MessageID != 7 {
		t.Errorf("unexpected logs: %+v", logs)
	}
}
