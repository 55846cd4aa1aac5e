package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage is the SQLite-backed persistence layer for the proxy pool, account
// sessions, manual intervention tasks, outcome logs and schema snapshots.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// NewStorage opens (or creates) the database at dbPath and migrates it.
func NewStorage(dbPath string) (*Storage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// single writer keeps sqlite from returning SQLITE_BUSY under the sweeps
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// migrate creates necessary tables
func (s *Storage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS proxies (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL DEFAULT 'http',
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		ip_type TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		isp TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'available',
		bound_account_ids TEXT NOT NULL DEFAULT '[]',
		max_bindings INTEGER NOT NULL DEFAULT 1,
		success_count INTEGER NOT NULL DEFAULT 0,
		fail_count INTEGER NOT NULL DEFAULT 0,
		total_used INTEGER NOT NULL DEFAULT 0,
		consecutive_fails INTEGER NOT NULL DEFAULT 0,
		last_used_at DATETIME,
		last_check_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		name TEXT NOT NULL,
		artifact_ref TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unchecked',
		platform_identity TEXT NOT NULL DEFAULT '',
		bound_proxy_id TEXT NOT NULL DEFAULT '',
		affinity_country TEXT NOT NULL DEFAULT '',
		affinity_region TEXT NOT NULL DEFAULT '',
		affinity_provider TEXT NOT NULL DEFAULT '',
		recaptured INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_verified_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS manual_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		proxy_id TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS outcome_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		proxy_id TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schema_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform TEXT NOT NULL,
		keys TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_proxies_status ON proxies(status);
	CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);
	CREATE INDEX IF NOT EXISTS idx_accounts_platform ON accounts(platform);
	CREATE INDEX IF NOT EXISTS idx_manual_tasks_status ON manual_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_outcome_logs_created ON outcome_logs(created_at);
	CREATE INDEX IF NOT EXISTS idx_outcome_logs_account ON outcome_logs(account_id);
	CREATE INDEX IF NOT EXISTS idx_schema_snapshots_platform ON schema_snapshots(platform);
	`
	_, err := s.db.Exec(query)
	return err
}

// SetClock replaces the time source used for log and task timestamps.
func (s *Storage) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection
func (s *Storage) DB() *sql.DB {
	return s.db
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
