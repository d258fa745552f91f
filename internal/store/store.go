// Package store defines the persistence interface for the fleetwatch
// server and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/config"
)

// Store is the persistence interface for the server.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	SetAgentOnline(ctx context.Context, id string, online bool) error
	UpdateAgentMetrics(ctx context.Context, id string, cpu, memory, disk float64) error

	// Watchlist
	UpsertWatchlistEntry(ctx context.Context, entry *WatchlistEntry) error
	ListWatchlist(ctx context.Context, agentID string) ([]WatchlistEntry, error)
	DeleteWatchlistEntry(ctx context.Context, id string) error

	// Alert rules
	CreateAlertRule(ctx context.Context, rule *AlertRule) error
	ListAlertRules(ctx context.Context) ([]AlertRule, error)
	DeleteAlertRule(ctx context.Context, id string) error

	// Alert events
	AppendAlertEvent(ctx context.Context, event *AlertEvent) error
	ListAlertEvents(ctx context.Context, limit int) ([]AlertEvent, error)
	PurgeOldAlertEvents(ctx context.Context, before time.Time) (int64, error)

	// Backup jobs
	CreateBackupJob(ctx context.Context, job *BackupJob) error
	GetBackupJob(ctx context.Context, id string) (*BackupJob, error)
	ListBackupJobs(ctx context.Context) ([]BackupJob, error)
	UpdateBackupJobStatus(ctx context.Context, id, status, lastError string, lastRun time.Time) error

	// Command audit log
	AppendCommandLog(ctx context.Context, entry *CommandLog) error
	ListCommandLog(ctx context.Context, agentID string, limit int) ([]CommandLog, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// New creates a store from storage configuration.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// User is an operator account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Agent is a monitored server running a fleetwatch agent.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`
	Version       string    `json:"version"` // agent version
	Online        bool      `json:"online"`
	LastSeen      time.Time `json:"last_seen"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	CreatedAt     time.Time `json:"created_at"`
}

// Watchlist entry kinds.
const (
	WatchService = "service"
	WatchProcess = "process"
)

// WatchlistEntry is one operator-configured watched service or process.
type WatchlistEntry struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Kind        string    `json:"kind"` // "service" or "process"
	Name        string    `json:"name"`
	AutoRestart bool      `json:"auto_restart"` // services only
	CreatedAt   time.Time `json:"created_at"`
}

// AlertRule is a threshold comparison applied to agent metrics.
type AlertRule struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"` // empty = applies to all agents
	Metric    string    `json:"metric"`   // "cpu", "memory", "disk"
	Operator  string    `json:"operator"` // ">=" or "<="
	Threshold float64   `json:"threshold"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert event kinds.
const (
	AlertThreshold      = "threshold"
	AlertServiceOffline = "service-offline"
	AlertProcessOffline = "process-offline"
	AlertEscalated      = "escalation"
	AlertRecoveredKind  = "recovered"
)

// AlertEvent is a persisted alert occurrence.
type AlertEvent struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"` // rule metric, service name, …
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Backup job statuses.
const (
	BackupIdle    = "idle"
	BackupRunning = "running"
	BackupOK      = "ok"
	BackupFailed  = "failed"
)

// BackupJob is a recurring backup triggered on an agent.
type BackupJob struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agent_id"`
	Name        string        `json:"name"`
	Paths       []string      `json:"paths"`
	Destination string        `json:"destination"`
	Interval    time.Duration `json:"interval"` // stored in seconds
	Status      string        `json:"status"`
	LastRun     time.Time     `json:"last_run"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Due reports whether the job should be triggered at the given instant.
func (j *BackupJob) Due(now time.Time) bool {
	if j.Interval <= 0 || j.Status == BackupRunning {
		return false
	}
	return now.Sub(j.LastRun) >= j.Interval
}

// Command log statuses.
const (
	CommandOK     = "ok"
	CommandFailed = "failed"
)

// CommandLog is one audit row for a command issued to an agent.
type CommandLog struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	MessageID int64     `json:"message_id"`
	Status    string    `json:"status"` // "ok" or "failed"
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
