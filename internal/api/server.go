// Package api provides the HTTP API for operators and the WebSocket
// entry points for agents and event streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/gateway"
	"github.com/fleetwatch/fleetwatch/internal/recovery"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// AgentCommander is the live command surface the API forwards to.
// Satisfied by *gateway.Commands.
type AgentCommander interface {
	GetServerInfo(ctx context.Context, agentID string) (*protocol.ServerInfo, error)
	GetServices(ctx context.Context, agentID string) ([]protocol.Service, error)
	GetService(ctx context.Context, agentID, name string) (*protocol.Service, error)
	GetServiceLog(ctx context.Context, agentID, name string, lines int) (*protocol.ServiceLog, error)
	RestartService(ctx context.Context, agentID, name string) (*protocol.RestartResult, error)
	GetProcesses(ctx context.Context, agentID string) ([]protocol.Process, error)
	GetProcess(ctx context.Context, agentID, name string) (*protocol.Process, error)
	UpdateAgentConfig(ctx context.Context, agentID string, cfg protocol.AgentConfig) (*protocol.ConfigAck, error)
	BrowseFilesystem(ctx context.Context, agentID, path string) (*protocol.BrowseResult, error)
}

// Presence reports which agents currently hold a connection.
// Satisfied by *gateway.Registry.
type Presence interface {
	Online(agentID string) bool
}

// RecoveryStatus exposes the auto-restart state of watched entities.
// Satisfied by *recovery.Controller.
type RecoveryStatus interface {
	StatusOf(agentID, kind, name string) recovery.Status
}

// BackupRunner fires backup jobs on demand. Satisfied by
// *backup.Scheduler.
type BackupRunner interface {
	TriggerNow(ctx context.Context, jobID string) error
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	agentAuth     auth.AgentAuthProvider
	cmds          AgentCommander
	presence      Presence
	recovery      RecoveryStatus
	backups       BackupRunner
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// Deps bundles the collaborators the server forwards to.
type Deps struct {
	Store         store.Store
	AuthProvider  auth.Provider
	LoginProvider auth.LoginProvider // nil for external providers
	AgentAuth     auth.AgentAuthProvider
	Commands      AgentCommander
	Presence      Presence
	Recovery      RecoveryStatus
	Backups       BackupRunner
	AgentWS       http.HandlerFunc // gateway dispatcher
	EventsWS      http.HandlerFunc // operator notify hub
}

// NewServer creates the API server and mounts all routes.
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         deps.Store,
		authProvider:  deps.AuthProvider,
		loginProvider: deps.LoginProvider,
		agentAuth:     deps.AgentAuth,
		cmds:          deps.Commands,
		presence:      deps.Presence,
		recovery:      deps.Recovery,
		backups:       deps.Backups,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if deps.LoginProvider != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket routes (auth handled inside)
	if deps.AgentWS != nil {
		mux.Get("/ws/agent", deps.AgentWS)
	}
	if deps.EventsWS != nil {
		mux.Get("/ws/events", deps.EventsWS)
	}

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)

		r.Get("/api/agents", srv.handleListAgents)
		r.Get("/api/agents/{agentID}", srv.handleGetAgent)

		// Live commands forwarded to the agent.
		r.Get("/api/agents/{agentID}/info", srv.handleAgentInfo)
		r.Get("/api/agents/{agentID}/services", srv.handleAgentServices)
		r.Get("/api/agents/{agentID}/services/{name}", srv.handleAgentService)
		r.Get("/api/agents/{agentID}/services/{name}/log", srv.handleAgentServiceLog)
		r.Post("/api/agents/{agentID}/services/{name}/restart", srv.handleAgentRestartService)
		r.Get("/api/agents/{agentID}/processes", srv.handleAgentProcesses)
		r.Get("/api/agents/{agentID}/processes/{name}", srv.handleAgentProcess)
		r.Get("/api/agents/{agentID}/files", srv.handleAgentBrowse)

		r.Get("/api/agents/{agentID}/watchlist", srv.handleListWatchlist)
		r.Post("/api/agents/{agentID}/watchlist", srv.handleUpsertWatchlist)
		r.Delete("/api/watchlist/{entryID}", srv.handleDeleteWatchlist)

		r.Get("/api/alerts", srv.handleListAlertEvents)
		r.Get("/api/alerts/rules", srv.handleListAlertRules)
		r.Post("/api/alerts/rules", srv.handleCreateAlertRule)
		r.Delete("/api/alerts/rules/{ruleID}", srv.handleDeleteAlertRule)

		r.Get("/api/backups", srv.handleListBackupJobs)
		r.Post("/api/backups", srv.handleCreateBackupJob)
		r.Post("/api/backups/{jobID}/run", srv.handleRunBackupJob)

		r.Get("/api/agents/{agentID}/commands", srv.handleCommandLog)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Post("/api/agents/{agentID}/config", srv.handleAgentConfigPush)
			r.Post("/api/agents/{agentID}/token", srv.handleGenerateAgentToken)
			r.Get("/api/users", srv.handleListUsers)
			if deps.LoginProvider != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Info("login failed", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Agent handlers ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []store.Agent{}
	}

	// Enrich with live connection state; the stored online flag lags
	// behind during reconnects.
	type agentResponse struct {
		store.Agent
		Connected bool `json:"connected"`
	}
	result := make([]agentResponse, len(agents))
	for i, a := range agents {
		result[i] = agentResponse{Agent: a, Connected: s.presence.Online(a.ID)}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// --- Live command handlers ---

func (s *Server) handleAgentInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.cmds.GetServerInfo(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAgentServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.cmds.GetServices(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	if services == nil {
		services = []protocol.Service{}
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleAgentService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.cmds.GetService(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "name"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleAgentServiceLog(w http.ResponseWriter, r *http.Request) {
	lines := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10000 {
			writeError(w, http.StatusBadRequest, "lines must be 0-10000")
			return
		}
		lines = n
	}

	log, err := s.cmds.GetServiceLog(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "name"), lines)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleAgentRestartService(w http.ResponseWriter, r *http.Request) {
	res, err := s.cmds.RestartService(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "name"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := s.cmds.GetProcesses(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	if procs == nil {
		procs = []protocol.Process{}
	}
	writeJSON(w, http.StatusOK, procs)
}

func (s *Server) handleAgentProcess(w http.ResponseWriter, r *http.Request) {
	proc, err := s.cmds.GetProcess(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "name"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proc)
}

func (s *Server) handleAgentBrowse(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	res, err := s.cmds.BrowseFilesystem(r.Context(), chi.URLParam(r, "agentID"), path)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentConfigPush(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var cfg protocol.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ack, err := s.cmds.UpdateAgentConfig(r.Context(), chi.URLParam(r, "agentID"), cfg)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleGenerateAgentToken(w http.ResponseWriter, r *http.Request) {
	if s.agentAuth == nil || s.agentAuth.AgentTokenSecret() == "" {
		writeError(w, http.StatusConflict, "time-limited agent tokens are not configured")
		return
	}
	agentID := chi.URLParam(r, "agentID")
	token := s.agentAuth.GenerateAgentToken(agentID)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":   agentID,
		"token":      token,
		"expires_in": s.agentAuth.AgentTokenLifetime().Seconds(),
	})
}

// --- Watchlist handlers ---

func (s *Server) handleListWatchlist(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	entries, err := s.store.ListWatchlist(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list watchlist")
		return
	}

	type watchResponse struct {
		store.WatchlistEntry
		Status recovery.Status `json:"status"`
	}
	result := make([]watchResponse, len(entries))
	for i, e := range entries {
		result[i] = watchResponse{
			WatchlistEntry: e,
			Status:         s.recovery.StatusOf(agentID, e.Kind, e.Name),
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpsertWatchlist(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Kind        string `json:"kind"`
		Name        string `json:"name"`
		AutoRestart bool   `json:"auto_restart"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind != store.WatchService && req.Kind != store.WatchProcess {
		writeError(w, http.StatusBadRequest, "kind must be service or process")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.AutoRestart && req.Kind != store.WatchService {
		writeError(w, http.StatusBadRequest, "auto_restart only applies to services")
		return
	}

	entry := &store.WatchlistEntry{
		ID:          uuid.New().String(),
		AgentID:     chi.URLParam(r, "agentID"),
		Kind:        req.Kind,
		Name:        req.Name,
		AutoRestart: req.AutoRestart,
		CreatedAt:   time.Now(),
	}
	if err := s.store.UpsertWatchlistEntry(r.Context(), entry); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save watchlist entry")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDeleteWatchlist(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWatchlistEntry(r.Context(), chi.URLParam(r, "entryID")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete watchlist entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Alert handlers ---

func (s *Server) handleListAlertEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}
	events, err := s.store.ListAlertEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if events == nil {
		events = []store.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListAlertRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListAlertRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if rules == nil {
		rules = []store.AlertRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		AgentID   string  `json:"agent_id"`
		Metric    string  `json:"metric"`
		Operator  string  `json:"operator"`
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Metric {
	case "cpu", "memory", "disk":
	default:
		writeError(w, http.StatusBadRequest, "metric must be cpu, memory or disk")
		return
	}
	if req.Operator != ">=" && req.Operator != "<=" {
		writeError(w, http.StatusBadRequest, "operator must be >= or <=")
		return
	}

	rule := &store.AlertRule{
		ID:        uuid.New().String(),
		AgentID:   req.AgentID,
		Metric:    req.Metric,
		Operator:  req.Operator,
		Threshold: req.Threshold,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateAlertRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAlertRule(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Backup handlers ---

func (s *Server) handleListBackupJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListBackupJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list backup jobs")
		return
	}
	if jobs == nil {
		jobs = []store.BackupJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCreateBackupJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		AgentID     string          `json:"agent_id"`
		Name        string          `json:"name"`
		Paths       []string        `json:"paths"`
		Destination string          `json:"destination"`
		Interval    config.Duration `json:"interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Name == "" || len(req.Paths) == 0 || req.Destination == "" {
		writeError(w, http.StatusBadRequest, "agent_id, name, paths and destination are required")
		return
	}

	job := &store.BackupJob{
		ID:          uuid.New().String(),
		AgentID:     req.AgentID,
		Name:        req.Name,
		Paths:       req.Paths,
		Destination: req.Destination,
		Interval:    req.Interval.Duration,
		Status:      store.BackupIdle,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateBackupJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create backup job")
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleRunBackupJob(w http.ResponseWriter, r *http.Request) {
	if err := s.backups.TriggerNow(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		if errors.Is(err, gateway.ErrAgentOffline) {
			writeCommandError(w, err)
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// --- Command log ---

func (s *Server) handleCommandLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}
	logs, err := s.store.ListCommandLog(r.Context(), chi.URLParam(r, "agentID"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list command log")
		return
	}
	if logs == nil {
		logs = []store.CommandLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// --- User handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	type userResponse struct {
		ID        string    `json:"id"`
		Username  string    `json:"username"`
		Role      string    `json:"role"`
		CreatedAt time.Time `json:"created_at"`
	}
	result := make([]userResponse, len(users))
	for i, u := range users {
		result[i] = userResponse{ID: u.ID, Username: u.Username, Role: u.Role, CreatedAt: u.CreatedAt}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if req.Role != "" && req.Role != "admin" && req.Role != "user" {
		writeError(w, http.StatusBadRequest, "role must be admin or user")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id": user.ID, "username": user.Username, "role": user.Role,
	})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

// writeCommandError maps gateway errors to HTTP statuses.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrAgentOffline):
		writeError(w, http.StatusServiceUnavailable, "agent offline")
	case errors.Is(err, gateway.ErrTimeout), errors.Is(err, gateway.ErrMaxRetries):
		writeError(w, http.StatusGatewayTimeout, "agent did not respond")
	case errors.Is(err, gateway.ErrDecode):
		writeError(w, http.StatusBadGateway, "agent returned a malformed response")
	case errors.Is(err, gateway.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown request")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
