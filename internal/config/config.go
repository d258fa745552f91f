// Package config handles server configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT or agent-token secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway,omitempty"`
	Recovery  RecoveryConfig  `json:"recovery,omitempty"`
	Backup    BackupConfig    `json:"backup,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
}

// AuthConfig defines operator and agent authentication settings.
type AuthConfig struct {
	Provider           string            `json:"provider,omitempty"` // "builtin" (default) or "oidc"
	OIDCIssuer         string            `json:"oidc_issuer,omitempty"`
	JWTSecret          string            `json:"jwt_secret"`
	JWTExpiry          Duration          `json:"jwt_expiry,omitempty"`
	AgentTokens        []AgentTokenEntry `json:"agent_tokens"`
	AgentTokenSecret   string            `json:"agent_token_secret,omitempty"`   // HMAC secret for time-limited tokens
	AgentTokenLifetime Duration          `json:"agent_token_lifetime,omitempty"` // default 1h
	InitialAdmin       *InitialAdmin     `json:"initial_admin,omitempty"`
}

// AgentTokenEntry maps an agent ID to its static auth token.
type AgentTokenEntry struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
	Name    string `json:"name,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`    // e.g. "fleetwatch.db" or ":memory:"
	AlertRetention Duration `json:"alert_retention,omitempty"`
}

// GatewayConfig tunes the agent command protocol.
type GatewayConfig struct {
	CommandTimeout Duration `json:"command_timeout,omitempty"` // per-request deadline; default 30s
	RetryInterval  Duration `json:"retry_interval,omitempty"`  // default 5s
	MaxRetries     int      `json:"max_retries,omitempty"`     // default 3
	SweepInterval  Duration `json:"sweep_interval,omitempty"`  // default 1s
	MaxFrameBytes  int64    `json:"max_frame_bytes,omitempty"` // default 1MB
}

// RecoveryConfig tunes the watchlist auto-restart controller.
type RecoveryConfig struct {
	MaxAttempts    int      `json:"max_attempts,omitempty"`    // default 3
	Cooldown       Duration `json:"cooldown,omitempty"`        // default 20s
	RestartTimeout Duration `json:"restart_timeout,omitempty"` // default 30s
}

// BackupConfig tunes the backup scheduler.
type BackupConfig struct {
	CheckInterval Duration `json:"check_interval,omitempty"` // default 1m
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration wraps time.Duration with JSON support for both "20s" strings
// and bare numbers (interpreted as seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads, validates and defaults a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a known weak secret — generate a new one")
	}
	if c.Auth.Provider == "oidc" && c.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth.oidc_issuer is required for the oidc provider")
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway.max_retries must not be negative")
	}
	return nil
}

// ApplyDefaults fills in zero-valued settings. Exported so tests and the
// wizard can produce a complete config without round-tripping a file.
func (c *Config) ApplyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.AgentTokenLifetime.Duration == 0 {
		c.Auth.AgentTokenLifetime.Duration = time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "fleetwatch.db"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Gateway.CommandTimeout.Duration == 0 {
		c.Gateway.CommandTimeout.Duration = 30 * time.Second
	}
	if c.Gateway.RetryInterval.Duration == 0 {
		c.Gateway.RetryInterval.Duration = 5 * time.Second
	}
	if c.Gateway.MaxRetries == 0 {
		c.Gateway.MaxRetries = 3
	}
	if c.Gateway.SweepInterval.Duration == 0 {
		c.Gateway.SweepInterval.Duration = time.Second
	}
	if c.Gateway.MaxFrameBytes == 0 {
		c.Gateway.MaxFrameBytes = 1024 * 1024
	}
	if c.Recovery.MaxAttempts == 0 {
		c.Recovery.MaxAttempts = 3
	}
	if c.Recovery.Cooldown.Duration == 0 {
		c.Recovery.Cooldown.Duration = 20 * time.Second
	}
	if c.Recovery.RestartTimeout.Duration == 0 {
		c.Recovery.RestartTimeout.Duration = 30 * time.Second
	}
	if c.Backup.CheckInterval.Duration == 0 {
		c.Backup.CheckInterval.Duration = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

// Save writes the config as indented JSON with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
