// Package server is the main orchestrator that ties all fleetwatch
// components together.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/alerts"
	"github.com/fleetwatch/fleetwatch/internal/api"
	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/backup"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/eventbus"
	"github.com/fleetwatch/fleetwatch/internal/gateway"
	"github.com/fleetwatch/fleetwatch/internal/notify"
	"github.com/fleetwatch/fleetwatch/internal/recovery"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// Server is the main fleetwatch server process.
type Server struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	bus          *eventbus.Bus
	registry     *gateway.Registry
	correlator   *gateway.Correlator
	dispatcher   *gateway.Dispatcher
	commands     *gateway.Commands
	recovery     *recovery.Controller
	alerts       *alerts.Engine
	backups      *backup.Scheduler
	notify       *notify.Hub
	api          *api.Server
	logger       *slog.Logger
}

// New creates a server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Agent tokens come from config, so agents keep authenticating with
	// the builtin scheme even when operators use an external provider.
	agentAuth, ok := authProvider.(auth.AgentAuthProvider)
	if !ok {
		agentAuth = auth.NewService(db, cfg.Auth)
	}

	bus := eventbus.New()
	registry := gateway.NewRegistry(logger, bus)
	correlator := gateway.NewCorrelator(logger, bus, registry.Send, gateway.CorrelationOptions{
		Timeout:       cfg.Gateway.CommandTimeout.Duration,
		RetryInterval: cfg.Gateway.RetryInterval.Duration,
		MaxRetries:    cfg.Gateway.MaxRetries,
		SweepInterval: cfg.Gateway.SweepInterval.Duration,
	})
	dispatcher := gateway.NewDispatcher(logger, registry, correlator, agentAuth, db, gateway.DispatcherOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxFrameBytes:  cfg.Gateway.MaxFrameBytes,
	})
	commands := gateway.NewCommands(logger, registry, correlator, db, cfg.Gateway.CommandTimeout.Duration)

	recoveryCtrl := recovery.NewController(logger, db, commands, bus, recovery.Options{
		MaxAttempts:    cfg.Recovery.MaxAttempts,
		Cooldown:       cfg.Recovery.Cooldown.Duration,
		RestartTimeout: cfg.Recovery.RestartTimeout.Duration,
	})
	alertEngine := alerts.NewEngine(logger, db, bus)
	backupSched := backup.NewScheduler(logger, db, commands, bus, cfg.Backup.CheckInterval.Duration)

	// Agent-pushed events fan out to their domain handlers.
	dispatcher.OnEvent(protocol.EventMetrics, alertEngine.HandleMetrics)
	dispatcher.OnEvent(protocol.EventWatchlist, recoveryCtrl.HandleWatchlistMetrics)
	dispatcher.OnEvent(protocol.EventBackupCompleted, backupSched.HandleBackupCompleted)

	notifyHub := notify.NewHub(logger, authProvider, bus, cfg.Server.AllowedOrigins)

	apiSrv := api.NewServer(api.Deps{
		Store:         db,
		AuthProvider:  authProvider,
		LoginProvider: loginProvider,
		AgentAuth:     agentAuth,
		Commands:      commands,
		Presence:      registry,
		Recovery:      recoveryCtrl,
		Backups:       backupSched,
		AgentWS:       dispatcher.HandleAgentWS,
		EventsWS:      notifyHub.HandleWS,
	}, cfg, logger)

	s := &Server{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		bus:          bus,
		registry:     registry,
		correlator:   correlator,
		dispatcher:   dispatcher,
		commands:     commands,
		recovery:     recoveryCtrl,
		alerts:       alertEngine,
		backups:      backupSched,
		notify:       notifyHub,
		api:          apiSrv,
		logger:       logger.With("component", "server"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	if len(cfg.Auth.AgentTokens) == 0 && cfg.Auth.AgentTokenSecret == "" {
		logger.Warn("no agent tokens configured — no agent will be able to connect")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return s, nil
}

// Run starts the server HTTP listener and background loops and blocks
// until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.api.Handler(),
	}

	go s.correlator.Run(ctx)
	go s.backups.Run(ctx)
	s.api.StartBackgroundTasks(ctx)
	if s.cfg.Storage.AlertRetention.Duration > 0 {
		s.alerts.StartRetentionSweeper(ctx, s.cfg.Storage.AlertRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.bus.Close()
		s.logger.Info("closing store")
		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		s.bus.Close()
		_ = s.store.Close()
		return err
	}
}
