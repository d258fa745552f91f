package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			online BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			memory_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			disk_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS watchlist (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			auto_restart BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(agent_id, kind, name)
		)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			metric TEXT NOT NULL,
			operator TEXT NOT NULL DEFAULT '>=',
			threshold DOUBLE PRECISION NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_created ON alert_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS backup_jobs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			paths TEXT NOT NULL DEFAULT '[]',
			destination TEXT NOT NULL DEFAULT '',
			interval_sec BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'idle',
			last_run TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS command_log (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			action TEXT NOT NULL,
			message_id BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ok',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_log_agent ON command_log(agent_id, created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Agents ---

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, hostname, os, version, online, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			os = excluded.os,
			version = excluded.version,
			online = excluded.online,
			last_seen = excluded.last_seen`,
		a.ID, a.Name, a.Hostname, a.OS, a.Version, a.Online, a.LastSeen)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, hostname, os, version, online, last_seen,
		       cpu_percent, memory_percent, disk_percent, created_at
		FROM agents WHERE id = $1`, id)
	var a Agent
	err := row.Scan(&a.ID, &a.Name, &a.Hostname, &a.OS, &a.Version, &a.Online,
		&a.LastSeen, &a.CPUPercent, &a.MemoryPercent, &a.DiskPercent, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, hostname, os, version, online, last_seen,
		       cpu_percent, memory_percent, disk_percent, created_at
		FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Hostname, &a.OS, &a.Version, &a.Online,
			&a.LastSeen, &a.CPUPercent, &a.MemoryPercent, &a.DiskPercent, &a.CreatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) SetAgentOnline(ctx context.Context, id string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET online = $1, last_seen = NOW() WHERE id = $2`, online, id)
	return err
}

func (s *PostgresStore) UpdateAgentMetrics(ctx context.Context, id string, cpu, memory, disk float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET cpu_percent = $1, memory_percent = $2, disk_percent = $3, last_seen = NOW()
		WHERE id = $4`, cpu, memory, disk, id)
	return err
}

// --- Watchlist ---

func (s *PostgresStore) UpsertWatchlistEntry(ctx context.Context, e *WatchlistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlist (id, agent_id, kind, name, auto_restart)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(agent_id, kind, name) DO UPDATE SET auto_restart = excluded.auto_restart`,
		e.ID, e.AgentID, e.Kind, e.Name, e.AutoRestart)
	return err
}

func (s *PostgresStore) ListWatchlist(ctx context.Context, agentID string) ([]WatchlistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, kind, name, auto_restart, created_at
		FROM watchlist WHERE agent_id = $1 ORDER BY kind, name`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []WatchlistEntry
	for rows.Next() {
		var e WatchlistEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Kind, &e.Name, &e.AutoRestart, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) DeleteWatchlistEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM watchlist WHERE id = $1`, id)
	return err
}

// --- Alert rules ---

func (s *PostgresStore) CreateAlertRule(ctx context.Context, r *AlertRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, agent_id, metric, operator, threshold, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.AgentID, r.Metric, r.Operator, r.Threshold, r.Enabled)
	return err
}

func (s *PostgresStore) ListAlertRules(ctx context.Context) ([]AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, metric, operator, threshold, enabled, created_at
		FROM alert_rules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []AlertRule
	for rows.Next() {
		var r AlertRule
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Metric, &r.Operator, &r.Threshold, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) DeleteAlertRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	return err
}

// --- Alert events ---

func (s *PostgresStore) AppendAlertEvent(ctx context.Context, e *AlertEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_events (id, agent_id, kind, subject, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.AgentID, e.Kind, e.Subject, e.Message, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListAlertEvents(ctx context.Context, limit int) ([]AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, kind, subject, message, created_at
		FROM alert_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AlertEvent
	for rows.Next() {
		var e AlertEvent
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Kind, &e.Subject, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) PurgeOldAlertEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Backup jobs ---

func (s *PostgresStore) CreateBackupJob(ctx context.Context, j *BackupJob) error {
	paths, _ := json.Marshal(j.Paths)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_jobs (id, agent_id, name, paths, destination, interval_sec, status, last_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID, j.AgentID, j.Name, string(paths), j.Destination,
		int64(j.Interval.Seconds()), j.Status, j.LastRun)
	return err
}

func (s *PostgresStore) GetBackupJob(ctx context.Context, id string) (*BackupJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, name, paths, destination, interval_sec, status, last_run, last_error, created_at
		FROM backup_jobs WHERE id = $1`, id)
	j, err := scanBackupJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *PostgresStore) ListBackupJobs(ctx context.Context) ([]BackupJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, name, paths, destination, interval_sec, status, last_run, last_error, created_at
		FROM backup_jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []BackupJob
	for rows.Next() {
		j, err := scanBackupJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateBackupJobStatus(ctx context.Context, id, status, lastError string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_jobs SET status = $1, last_error = $2, last_run = $3 WHERE id = $4`,
		status, lastError, lastRun, id)
	return err
}

// --- Command audit log ---

func (s *PostgresStore) AppendCommandLog(ctx context.Context, e *CommandLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log (id, agent_id, action, message_id, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AgentID, e.Action, e.MessageID, e.Status, e.Error, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListCommandLog(ctx context.Context, agentID string, limit int) ([]CommandLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, action, message_id, status, error, created_at
		FROM command_log WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []CommandLog
	for rows.Next() {
		var e CommandLog
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Action, &e.MessageID, &e.Status, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
