package database

import (
	"database/sql"
)

// DB wraps the SQL database with helper methods shared by the stores.
type DB struct {
	*sql.DB
}

// New creates a new database connection. Immediate transactions plus a
// busy timeout make concurrent claim transactions queue up instead of
// failing with SQLITE_BUSY.
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// InitSchema initializes the database schema.
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		model TEXT NOT NULL,
		payload TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		assigned_worker TEXT,
		stream INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at) WHERE started_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS workers (
		session_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL UNIQUE,
		capabilities TEXT NOT NULL DEFAULT '[]',
		max_concurrency INTEGER NOT NULL DEFAULT 1,
		current_load INTEGER NOT NULL DEFAULT 0,
		avg_response_time REAL NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 100,
		last_heartbeat DATETIME NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		location TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_workers_active ON workers(active, last_heartbeat);

	CREATE TABLE IF NOT EXISTS response_chunks (
		job_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		payload TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (job_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS rate_windows (
		user_id TEXT NOT NULL,
		window_kind TEXT NOT NULL,
		window_start DATETIME NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, window_kind, window_start)
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		api_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'free',
		created_at DATETIME NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

// NullString converts an empty string to SQL NULL.
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
