package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/jamesruggles/rlsguard/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid scan status transition")
)

// --- Projects ---

const projectColumns = `id, name, directory, db_port, api_port, studio_port, db_user, db_name,
	encrypted_password, status, auto_start, services, created_at, updated_at`

// UpsertProject writes a project row. Projects are owned by the provisioning
// subsystem; the auditor itself only reads them.
func (db *DB) UpsertProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProjectStopped
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := db.NamedExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		 VALUES (:id, :name, :directory, :db_port, :api_port, :studio_port, :db_user, :db_name,
		         :encrypted_password, :status, :auto_start, :services, :created_at, :updated_at)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     directory = excluded.directory,
		     db_port = excluded.db_port,
		     api_port = excluded.api_port,
		     studio_port = excluded.studio_port,
		     db_user = excluded.db_user,
		     db_name = excluded.db_name,
		     encrypted_password = excluded.encrypted_password,
		     status = excluded.status,
		     auto_start = excluded.auto_start,
		     services = excluded.services,
		     updated_at = excluded.updated_at`, p)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

func (db *DB) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	err := db.GetContext(ctx, p, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (db *DB) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := db.SelectContext(ctx, &projects, `SELECT `+projectColumns+` FROM projects ORDER BY name, id`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (db *DB) ListProjectsByStatus(ctx context.Context, status ProjectStatus) ([]Project, error) {
	var projects []Project
	err := db.SelectContext(ctx, &projects,
		`SELECT `+projectColumns+` FROM projects WHERE status = ? ORDER BY name, id`, status)
	if err != nil {
		return nil, fmt.Errorf("list projects by status: %w", err)
	}
	return projects, nil
}

// ListAutoStartProjects treats a NULL auto_start (rows older than the column) as enabled.
func (db *DB) ListAutoStartProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := db.SelectContext(ctx, &projects,
		`SELECT `+projectColumns+` FROM projects WHERE auto_start IS NULL OR auto_start = 1 ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list auto-start projects: %w", err)
	}
	return projects, nil
}

// --- Security scans ---

const scanColumns = `id, project_id, type, status, results_json, error_message, duration_ms,
	task_id, started_at, completed_at`

func (db *DB) CreateScan(ctx context.Context, s *Scan) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = model.StatusPending
	}
	if s.StartedAt == nil {
		now := time.Now().UTC()
		s.StartedAt = &now
	}
	if len(s.Results) == 0 {
		s.Results = types.JSONText("{}")
	}
	_, err := db.NamedExecContext(ctx,
		`INSERT INTO security_scans (`+scanColumns+`)
		 VALUES (:id, :project_id, :type, :status, :results_json, :error_message, :duration_ms,
		         :task_id, :started_at, :completed_at)`, s)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

func (db *DB) GetScan(ctx context.Context, id string) (*Scan, error) {
	s := &Scan{}
	err := db.GetContext(ctx, s, `SELECT `+scanColumns+` FROM security_scans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return s, nil
}

// UpdateScan merges u over the stored row and rewrites it. A row that has
// reached a terminal status is never rewritten.
func (db *DB) UpdateScan(ctx context.Context, id string, u ScanUpdate) (*Scan, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	s := &Scan{}
	err = tx.GetContext(ctx, s, `SELECT `+scanColumns+` FROM security_scans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update scan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load scan: %w", err)
	}

	if u.Status != nil {
		if !s.Status.CanTransition(*u.Status) {
			return nil, fmt.Errorf("scan %s %s -> %s: %w", id, s.Status, *u.Status, ErrInvalidTransition)
		}
		s.Status = *u.Status
	} else if s.Status.Terminal() {
		return nil, fmt.Errorf("scan %s is %s: %w", id, s.Status, ErrInvalidTransition)
	}
	if u.Results != nil {
		raw, err := json.Marshal(u.Results)
		if err != nil {
			return nil, fmt.Errorf("encode scan results: %w", err)
		}
		s.Results = types.JSONText(raw)
	}
	if u.ErrorMessage != nil {
		s.ErrorMessage = *u.ErrorMessage
	}
	if u.DurationMs != nil {
		s.DurationMs = *u.DurationMs
	}
	if u.CompletedAt != nil {
		s.CompletedAt = u.CompletedAt
	} else if s.Status.Terminal() && s.CompletedAt == nil {
		now := time.Now().UTC()
		s.CompletedAt = &now
	}

	_, err = tx.NamedExecContext(ctx,
		`UPDATE security_scans SET project_id = :project_id, type = :type, status = :status,
		     results_json = :results_json, error_message = :error_message, duration_ms = :duration_ms,
		     task_id = :task_id, started_at = :started_at, completed_at = :completed_at
		 WHERE id = :id`, s)
	if err != nil {
		return nil, fmt.Errorf("update scan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit scan update: %w", err)
	}
	return s, nil
}

func (db *DB) ListScansByProject(ctx context.Context, projectID string, limit int) ([]Scan, error) {
	var scans []Scan
	err := db.SelectContext(ctx, &scans,
		`SELECT `+scanColumns+` FROM security_scans WHERE project_id = ?
		 ORDER BY started_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return scans, nil
}

func (db *DB) ListRecentScans(ctx context.Context, limit int) ([]Scan, error) {
	var scans []Scan
	err := db.SelectContext(ctx, &scans,
		`SELECT `+scanColumns+` FROM security_scans ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent scans: %w", err)
	}
	return scans, nil
}

// --- Security snapshots ---

const snapshotColumns = `id, project_id, name, data_json, tables_count, policies_count, created_at`

func (db *DB) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := db.NamedExecContext(ctx,
		`INSERT INTO security_snapshots (`+snapshotColumns+`)
		 VALUES (:id, :project_id, :name, :data_json, :tables_count, :policies_count, :created_at)`, s)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (db *DB) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	s := &Snapshot{}
	err := db.GetContext(ctx, s, `SELECT `+snapshotColumns+` FROM security_snapshots WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return s, nil
}

// ListSnapshots omits the data payload.
func (db *DB) ListSnapshots(ctx context.Context, projectID string) ([]Snapshot, error) {
	var snaps []Snapshot
	err := db.SelectContext(ctx, &snaps,
		`SELECT id, project_id, name, '{}' AS data_json, tables_count, policies_count, created_at
		 FROM security_snapshots WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snaps, nil
}

// --- Activity log ---

// LogActivity appends an entry and prunes the log to the most recent
// ActivityRetention rows.
func (db *DB) LogActivity(ctx context.Context, e *ActivityEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = "success"
	}
	if len(e.Details) == 0 {
		e.Details = types.JSONText("{}")
	}
	res, err := db.NamedExecContext(ctx,
		`INSERT INTO activity_log (timestamp, type, action, project_id, user_id, details_json, status, error_message)
		 VALUES (:timestamp, :type, :action, :project_id, :user_id, :details_json, :status, :error_message)`, e)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	e.ID, _ = res.LastInsertId()

	keep := db.ActivityRetention
	if keep <= 0 {
		keep = DefaultActivityRetention
	}
	_, err = db.ExecContext(ctx,
		`DELETE FROM activity_log WHERE id NOT IN (
		     SELECT id FROM activity_log ORDER BY id DESC LIMIT ?
		 )`, keep)
	if err != nil {
		return fmt.Errorf("prune activity: %w", err)
	}
	return nil
}

func (db *DB) ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	var entries []ActivityEntry
	err := db.SelectContext(ctx, &entries,
		`SELECT id, timestamp, type, action, project_id, user_id, details_json, status, error_message
		 FROM activity_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return entries, nil
}

func (db *DB) CountActivity(ctx context.Context) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM activity_log`); err != nil {
		return 0, fmt.Errorf("count activity: %w", err)
	}
	return n, nil
}

// --- Scheduler state ---

func (db *DB) GetSchedulerState(ctx context.Context, key string) (string, error) {
	var value string
	err := db.GetContext(ctx, &value, `SELECT value FROM scheduler_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get scheduler state: %w", err)
	}
	return value, nil
}

func (db *DB) SetSchedulerState(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO scheduler_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, value)
	if err != nil {
		return fmt.Errorf("set scheduler state: %w", err)
	}
	return nil
}
