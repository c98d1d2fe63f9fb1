package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/rlsguard/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// setRawSettingsColumn writes a sub-config document the way an older release
// would have, without the keys added since.
func setRawSettingsColumn(ctx context.Context, db *DB, column, raw string) error {
	_, err := db.ExecContext(ctx, `UPDATE settings SET `+column+` = ? WHERE id = 1`, raw)
	return err
}

func seedProject(t *testing.T, db *DB, id string, status ProjectStatus) *Project {
	t.Helper()
	p := &Project{ID: id, Name: id, DBPort: 54322, Status: status, Services: StringList{"db", "auth"}}
	require.NoError(t, db.UpsertProject(context.Background(), p))
	return p
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()

	exists, err := db.columnExists("security_scans", "task_id")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMigrationsUpgradeOlderSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE projects (
		id TEXT PRIMARY KEY, name TEXT NOT NULL, directory TEXT DEFAULT '',
		db_port INTEGER NOT NULL DEFAULT 5432, api_port INTEGER NOT NULL DEFAULT 0,
		studio_port INTEGER NOT NULL DEFAULT 0, db_user TEXT DEFAULT '', db_name TEXT DEFAULT '',
		encrypted_password TEXT DEFAULT '', status TEXT NOT NULL DEFAULT 'stopped',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP, updated_at DATETIME DEFAULT CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO projects (id, name, status) VALUES ('legacy', 'legacy', 'running')`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()

	for _, col := range []string{"auto_start", "services"} {
		exists, err := db.columnExists("projects", col)
		require.NoError(t, err)
		assert.True(t, exists, col)
	}

	autoStart, err := db.ListAutoStartProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, autoStart, 1)
	assert.Equal(t, "legacy", autoStart[0].ID)
	assert.Nil(t, autoStart[0].AutoStart)
}

func TestListAutoStartProjects(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	yes, no := true, false
	require.NoError(t, db.UpsertProject(ctx, &Project{ID: "a", Name: "a", AutoStart: &yes}))
	require.NoError(t, db.UpsertProject(ctx, &Project{ID: "b", Name: "b", AutoStart: &no}))
	require.NoError(t, db.UpsertProject(ctx, &Project{ID: "c", Name: "c"}))

	projects, err := db.ListAutoStartProjects(ctx)
	require.NoError(t, err)
	var ids []string
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestProjectRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProject(t, db, "acme", ProjectRunning)

	p, err := db.GetProject(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, ProjectRunning, p.Status)
	assert.Equal(t, StringList{"db", "auth"}, p.Services)
	assert.Equal(t, 54322, p.DBPort)

	missing, err := db.GetProject(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	running, err := db.ListProjectsByStatus(ctx, ProjectRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestScanLifecycleIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProject(t, db, "acme", ProjectRunning)

	scan := &Scan{ProjectID: "acme", Type: model.ScanAudit, TaskID: "task-1"}
	require.NoError(t, db.CreateScan(ctx, scan))
	assert.Equal(t, model.StatusPending, scan.Status)

	running := model.StatusRunning
	_, err := db.UpdateScan(ctx, scan.ID, ScanUpdate{Status: &running})
	require.NoError(t, err)

	completed := model.StatusCompleted
	dur := int64(42)
	updated, err := db.UpdateScan(ctx, scan.ID, ScanUpdate{
		Status:     &completed,
		Results:    map[string]any{"summary": model.Summary{Total: 1, Critical: 1}},
		DurationMs: &dur,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	stored, err := db.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", stored.TaskID)
	assert.Equal(t, int64(42), stored.DurationMs)
	var results struct {
		Summary model.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(stored.Results, &results))
	assert.Equal(t, 1, results.Summary.Critical)

	failed := model.StatusFailed
	_, err = db.UpdateScan(ctx, scan.ID, ScanUpdate{Status: &failed})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	msg := "late"
	_, err = db.UpdateScan(ctx, scan.ID, ScanUpdate{ErrorMessage: &msg})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = db.UpdateScan(ctx, "missing", ScanUpdate{Status: &running})
	assert.ErrorIs(t, err, ErrNotFound)

	scans, err := db.ListScansByProject(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Len(t, scans, 1)
}

func TestGetSettingsBackfillsMissingKeys(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), *s)

	require.NoError(t, setRawSettingsColumn(ctx, db, "security_scanning_json", `{"enabled": true}`))
	require.NoError(t, setRawSettingsColumn(ctx, db, "notifications_json", `{"apiKey": "re_123", "recipientEmail": "ops@example.com"}`))

	s, err = db.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, s.SecurityScanning.Enabled)
	assert.Equal(t, "02:00", s.SecurityScanning.ScanTime)
	assert.Equal(t, []model.ScanType{model.ScanAudit, model.ScanStorage}, s.SecurityScanning.ScanTypes)
	assert.Equal(t, model.SeverityHigh, s.SecurityScanning.MinSeverityToNotify)
	assert.Equal(t, "re_123", s.Notifications.APIKey)
	assert.Equal(t, "resend", s.Notifications.Provider)
	assert.True(t, s.Notifications.NotifyOnDailySummary)

}

func TestSaveSettingsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	want := DefaultSettings()
	want.SecurityScanning.Enabled = true
	want.SecurityScanning.ScanTime = "04:30"
	want.SecurityScanning.ScanTypes = []model.ScanType{model.ScanCoverage}
	want.SecurityScanning.MinSeverityToNotify = model.SeverityLow
	require.NoError(t, db.SaveSettings(ctx, &want))

	got, err := db.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestLogActivityPrunesToRetention(t *testing.T) {
	db := newTestDB(t)
	db.ActivityRetention = 5
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, db.LogActivity(ctx, &ActivityEntry{Type: "security_scan", Action: "manual_scan"}))
	}

	n, err := db.CountActivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	entries, err := db.ListActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, int64(8), entries[0].ID)
	assert.Equal(t, int64(4), entries[4].ID)
	assert.Equal(t, "success", entries[0].Status)
}

func TestSnapshotsAndSchedulerState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedProject(t, db, "acme", ProjectRunning)

	snap := &Snapshot{ProjectID: "acme", Name: "baseline", Data: []byte(`{"tables":[],"policies":[]}`)}
	require.NoError(t, db.CreateSnapshot(ctx, snap))

	got, err := db.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "baseline", got.Name)
	assert.JSONEq(t, `{"tables":[],"policies":[]}`, string(got.Data))

	list, err := db.ListSnapshots(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	v, err := db.GetSchedulerState(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, v)
	require.NoError(t, db.SetSchedulerState(ctx, "k", "2026-10-18"))
	require.NoError(t, db.SetSchedulerState(ctx, "k", "2026-10-19"))
	v, err = db.GetSchedulerState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-19", v)
}

func TestSharedReturnsSingleHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := Shared(path)
	require.NoError(t, err)
	b, err := Shared(filepath.Join(t.TempDir(), "ignored.db"))
	require.NoError(t, err)
	assert.Same(t, a, b)
	require.NoError(t, CloseShared())
}
