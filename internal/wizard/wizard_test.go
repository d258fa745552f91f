package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/pkg/cli"
)

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",                // listen address
		"myadmin",              // admin username
		"secretpass",           // admin password
		"1",                    // storage: sqlite (first option)
		"./data/fleetwatch.db", // sqlite path
		"web-1",                // agent ID
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "fleetwatch.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("auth.initial_admin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "myadmin" {
		t.Errorf("admin username = %q, want %q", cfg.Auth.InitialAdmin.Username, "myadmin")
	}
	if cfg.Auth.InitialAdmin.Password != "secretpass" {
		t.Errorf("admin password = %q, want %q", cfg.Auth.InitialAdmin.Password, "secretpass")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "./data/fleetwatch.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "./data/fleetwatch.db")
	}
	if cfg.Auth.AgentTokenSecret == "" {
		t.Error("auth.agent_token_secret is empty")
	}
	if len(cfg.Auth.AgentTokens) != 1 {
		t.Fatalf("agent_tokens count = %d, want 1", len(cfg.Auth.AgentTokens))
	}
	at := cfg.Auth.AgentTokens[0]
	if at.AgentID != "web-1" {
		t.Errorf("agent_id = %q, want %q", at.AgentID, "web-1")
	}
	if at.Token == "" {
		t.Error("agent token is empty")
	}
}

func TestWizard_Postgres(t *testing.T) {
	input := strings.Join([]string{
		":8080",   // listen address (default)
		"admin",   // admin username (default)
		"pass123", // admin password
		"2",       // storage: postgres
		"postgres://fw:pass@db:5432/fleetwatch", // DSN
		"prod-agent",                            // agent ID
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "fleetwatch.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Storage.DSN != "postgres://fw:pass@db:5432/fleetwatch" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "postgres://fw:pass@db:5432/fleetwatch")
	}
}

func TestWizardDefaults(t *testing.T) {
	t.Setenv("FLEETWATCH_ADDR", ":7070")
	t.Setenv("FLEETWATCH_ADMIN_PASSWORD", "env-password")
	t.Setenv("FLEETWATCH_AGENT_ID", "env-agent")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	outputPath := filepath.Join(t.TempDir(), "fleetwatch.json")
	if err := New(p).RunDefaults(outputPath); err != nil {
		t.Fatalf("wizard.RunDefaults() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":7070")
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Password != "env-password" {
		t.Errorf("initial admin = %+v", cfg.Auth.InitialAdmin)
	}
	if len(cfg.Auth.AgentTokens) != 1 || cfg.Auth.AgentTokens[0].AgentID != "env-agent" {
		t.Errorf("agent tokens = %+v", cfg.Auth.AgentTokens)
	}
}
