package database

import "fmt"

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    directory TEXT DEFAULT '',
    db_port INTEGER NOT NULL DEFAULT 5432,
    api_port INTEGER NOT NULL DEFAULT 0,
    studio_port INTEGER NOT NULL DEFAULT 0,
    db_user TEXT DEFAULT '',
    db_name TEXT DEFAULT '',
    encrypted_password TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'stopped',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS security_scans (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    results_json TEXT DEFAULT '{}',
    error_message TEXT DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME,
    completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS security_snapshots (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    data_json TEXT NOT NULL,
    tables_count INTEGER NOT NULL DEFAULT 0,
    policies_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    type TEXT NOT NULL,
    action TEXT NOT NULL,
    project_id TEXT DEFAULT '',
    user_id TEXT DEFAULT '',
    details_json TEXT DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'success',
    error_message TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS settings (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    general_json TEXT DEFAULT '{}',
    appearance_json TEXT DEFAULT '{}',
    security_json TEXT DEFAULT '{}',
    notifications_json TEXT DEFAULT '{}',
    security_scanning_json TEXT DEFAULT '{}',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

INSERT OR IGNORE INTO settings (id) VALUES (1);

CREATE TABLE IF NOT EXISTS scheduler_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'admin',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS backups (
    id TEXT PRIMARY KEY,
    project_id TEXT REFERENCES projects(id) ON DELETE CASCADE,
    file_path TEXT NOT NULL,
    size_bytes INTEGER DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    key_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_security_scans_project ON security_scans(project_id);
CREATE INDEX IF NOT EXISTS idx_security_scans_status ON security_scans(status);
CREATE INDEX IF NOT EXISTS idx_security_snapshots_project ON security_snapshots(project_id);
CREATE INDEX IF NOT EXISTS idx_activity_log_timestamp ON activity_log(timestamp);
`

// columnMigrations are forward migrations applied after the base schema.
// Each is skipped when the column already exists.
var columnMigrations = []struct {
	Table  string
	Column string
	SQL    string
}{
	{"security_scans", "task_id", "ALTER TABLE security_scans ADD COLUMN task_id TEXT DEFAULT ''"},
	{"security_snapshots", "name", "ALTER TABLE security_snapshots ADD COLUMN name TEXT DEFAULT ''"},
	{"projects", "auto_start", "ALTER TABLE projects ADD COLUMN auto_start INTEGER"},
	{"projects", "services", "ALTER TABLE projects ADD COLUMN services TEXT DEFAULT '[]'"},
}

func (db *DB) migrate() error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	for _, m := range columnMigrations {
		exists, err := db.columnExists(m.Table, m.Column)
		if err != nil {
			return fmt.Errorf("inspect %s.%s: %w", m.Table, m.Column, err)
		}
		if exists {
			continue
		}
		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.Table, m.Column, err)
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) (bool, error) {
	var names []string
	if err := db.Select(&names, `SELECT name FROM pragma_table_info(?)`, table); err != nil {
		return false, err
	}
	for _, name := range names {
		if name == column {
			return true, nil
		}
	}
	return false, nil
}
