// Package store persists all dispatch state in a single SQLite database:
// incidents, responders, assignments, the durable outbox, the inbound replay
// guard, the message audit log, and the peer table. Multi-row transitions
// (offering an assignment, resolving an ack) run in transactions so a crash
// never leaves counters and statuses disagreeing.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS incidents (
    id TEXT PRIMARY KEY,
    reporter_device_id TEXT NOT NULL,
    category TEXT NOT NULL,
    note TEXT,
    lat REAL NOT NULL,
    lng REAL NOT NULL,
    accuracy_m REAL,
    fix_at_ms INTEGER,
    quality TEXT,
    status TEXT NOT NULL,
    assigned_responder TEXT,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS responders (
    device_id TEXT PRIMARY KEY,
    name TEXT,
    status TEXT NOT NULL,
    lat REAL,
    lng REAL,
    accuracy_m REAL,
    fix_at_ms INTEGER,
    quality TEXT,
    battery_pct INTEGER,
    on_duty INTEGER DEFAULT 0,
    active_assignments INTEGER DEFAULT 0,
    last_assigned_at_ms INTEGER DEFAULT 0,
    last_seen_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    incident_id TEXT NOT NULL,
    responder_id TEXT NOT NULL,
    status TEXT NOT NULL,
    offered_at_ms INTEGER NOT NULL,
    ack_deadline_at_ms INTEGER NOT NULL,
    resolved_at_ms INTEGER,
    FOREIGN KEY (incident_id) REFERENCES incidents(id)
);

CREATE TABLE IF NOT EXISTS outbox (
    message_id TEXT PRIMARY KEY,
    incident_id TEXT,
    type TEXT NOT NULL,
    target_device TEXT,
    envelope BLOB NOT NULL,
    attempts INTEGER DEFAULT 0,
    next_attempt_ms INTEGER NOT NULL,
    expires_at_ms INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
    message_id TEXT PRIMARY KEY,
    processed_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS message_log (
    message_id TEXT NOT NULL,
    type TEXT NOT NULL,
    sender_device TEXT NOT NULL,
    verified INTEGER NOT NULL,
    duplicate INTEGER NOT NULL,
    received_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS peers (
    device_id TEXT PRIMARY KEY,
    address TEXT NOT NULL,
    transport TEXT NOT NULL,
    role TEXT,
    last_seen_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
CREATE INDEX IF NOT EXISTS idx_incidents_updated ON incidents(updated_at_ms);
CREATE INDEX IF NOT EXISTS idx_assignments_incident ON assignments(incident_id);
CREATE INDEX IF NOT EXISTS idx_assignments_status ON assignments(status);
CREATE INDEX IF NOT EXISTS idx_outbox_next_attempt ON outbox(next_attempt_ms);
CREATE INDEX IF NOT EXISTS idx_message_log_sender ON message_log(sender_device);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
