// Package protocol defines the wire protocol exchanged between the
// fleetwatch server and its remote agents over WebSocket.
//
// Every message is a JSON frame with a "type" field (request, response
// or event). Requests and their responses share the same numeric id;
// events carry a fresh id with no response expected.
package protocol

import (
	"encoding/json"
	"time"
)

// Frame types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Frame is the top-level wire format for all messages.
type Frame struct {
	Type      string          `json:"type"`
	ID        int64           `json:"id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts"` // unix milliseconds
}

// NewFrame builds a frame stamped with the current time.
func NewFrame(frameType string, id int64, action string, payload json.RawMessage) Frame {
	return Frame{
		Type:      frameType,
		ID:        id,
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Actions the server issues to agents.
const (
	ActionAuthenticate      = "authenticate"
	ActionGetServerInfo     = "get-server-info"
	ActionGetServices       = "get-services"
	ActionGetService        = "get-service"
	ActionGetServiceLog     = "get-service-log"
	ActionRestartService    = "restart-service"
	ActionGetProcesses      = "get-processes"
	ActionGetProcess        = "get-process"
	ActionUpdateAgentConfig = "update-agent-config"
	ActionTriggerBackup     = "trigger-backup"
	ActionBrowseFilesystem  = "browse-filesystem"
)

// Events agents push to the server.
const (
	EventMetrics         = "metrics"
	EventWatchlist       = "watchlist-metrics"
	EventBackupCompleted = "backup-completed"
)

// --- Handshake ---

// AuthRequest is the first frame an agent sends after connecting.
type AuthRequest struct {
	AgentID  string `json:"agent_id"`
	Token    string `json:"token"`
	Hostname string `json:"hostname,omitempty"`
	Version  string `json:"version,omitempty"`
	OS       string `json:"os,omitempty"`
}

// AuthResponse acknowledges (or rejects) the handshake.
type AuthResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// --- Command payloads ---

// ServerInfo describes the host an agent runs on.
type ServerInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Kernel       string `json:"kernel,omitempty"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  int64  `json:"total_memory"`
	TotalDisk    int64  `json:"total_disk"`
	AgentVersion string `json:"agent_version"`
	UptimeSec    int64  `json:"uptime_sec"`
}

// Service describes a managed service on the host.
type Service struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ActiveState string `json:"active_state"` // "active", "inactive", "failed"
	SubState    string `json:"sub_state,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// ServiceActive is the expected healthy state for a watched service.
const ServiceActive = "active"

// ServiceLogRequest asks for the tail of a service's log.
type ServiceLogRequest struct {
	Name  string `json:"name"`
	Lines int    `json:"lines,omitempty"` // default 100 agent-side
}

// ServiceLog carries log lines back.
type ServiceLog struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// ServiceRequest names a single service.
type ServiceRequest struct {
	Name string `json:"name"`
}

// RestartResult reports the outcome of a restart-service command.
type RestartResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Process describes a running process.
type Process struct {
	PID     int     `json:"pid"`
	Name    string  `json:"name"`
	User    string  `json:"user,omitempty"`
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Command string  `json:"command,omitempty"`
}

// ProcessRequest names a single process.
type ProcessRequest struct {
	Name string `json:"name"`
}

// AgentConfig carries settings pushed down to an agent.
type AgentConfig struct {
	MetricsInterval   string `json:"metrics_interval,omitempty"`   // duration string, e.g. "10s"
	WatchlistInterval string `json:"watchlist_interval,omitempty"` // duration string
	LogLevel          string `json:"log_level,omitempty"`
}

// ConfigAck acknowledges an update-agent-config command.
type ConfigAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BackupRequest triggers a backup job on the agent. Fire-and-forget:
// the outcome arrives later as a backup-completed event.
type BackupRequest struct {
	JobID       string   `json:"job_id"`
	Paths       []string `json:"paths"`
	Destination string   `json:"destination"`
}

// BrowseRequest asks for a directory listing.
type BrowseRequest struct {
	Path string `json:"path"`
}

// FileEntry is one entry in a directory listing.
type FileEntry struct {
	Name    string `json:"name"`
	Dir     bool   `json:"dir"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode,omitempty"`
	ModTime int64  `json:"mod_time"` // unix milliseconds
}

// BrowseResult is the response to a browse-filesystem request.
type BrowseResult struct {
	Path    string      `json:"path"`
	Entries []FileEntry `json:"entries"`
}

// --- Event payloads ---

// Metrics is the periodic resource snapshot an agent reports.
type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Load1         float64 `json:"load1,omitempty"`
	NetRxBytes    int64   `json:"net_rx_bytes,omitempty"`
	NetTxBytes    int64   `json:"net_tx_bytes,omitempty"`
}

// WatchedService is the observed state of one watchlist service.
type WatchedService struct {
	Name        string `json:"name"`
	ActiveState string `json:"active_state"`
}

// WatchedProcess is the observed state of one watchlist process.
type WatchedProcess struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

// WatchlistMetrics is the periodic health report for watched entities.
type WatchlistMetrics struct {
	Services  []WatchedService `json:"services"`
	Processes []WatchedProcess `json:"processes"`
}

// BackupCompleted reports the terminal outcome of a triggered backup.
type BackupCompleted struct {
	JobID    string `json:"job_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	Duration string `json:"duration,omitempty"`
}
