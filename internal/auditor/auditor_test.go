package auditor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/rlsguard/internal/config"
	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/model"
	"github.com/jamesruggles/rlsguard/internal/notify"
	"github.com/jamesruggles/rlsguard/internal/scanner"
	"github.com/jamesruggles/rlsguard/internal/snapshot"
)

type projectCatalog struct {
	tables   []scanner.Table
	policies []scanner.Policy
}

func (c *projectCatalog) Tables(context.Context, []string) ([]scanner.Table, error) {
	return c.tables, nil
}
func (c *projectCatalog) Policies(context.Context, []string) ([]scanner.Policy, error) {
	return c.policies, nil
}
func (c *projectCatalog) Storage(context.Context) (*scanner.StorageState, error) { return nil, nil }
func (c *projectCatalog) Close(context.Context) error                          { return nil }

// mapDialer serves a catalog per project; projects without one fail to connect.
type mapDialer map[string]*projectCatalog

func (d mapDialer) Dial(_ context.Context, p *database.Project) (scanner.Catalog, error) {
	if cat, ok := d[p.ID]; ok {
		return cat, nil
	}
	return nil, errors.New("connection refused")
}

type fixture struct {
	db      *database.DB
	auditor *Auditor
	emails  *atomic.Int32
}

func newFixture(t *testing.T, dialer mapDialer) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "auditor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	emails := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		emails.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	settings := database.DefaultSettings()
	settings.Notifications.EmailEnabled = true
	settings.Notifications.APIKey = "re_test"
	settings.Notifications.FromAddress = "alerts@example.com"
	settings.Notifications.RecipientEmail = "ops@example.com"
	settings.SecurityScanning.ScanTypes = []model.ScanType{model.ScanAudit, model.ScanCoverage}
	require.NoError(t, db.SaveSettings(context.Background(), &settings))

	engine := scanner.NewEngine(db, dialer, nil)
	exec := scanner.NewExecutor(db, engine, nil)
	a := New(db, exec, snapshot.NewService(db, engine), notify.New(config.NotificationsConfig{APIURL: srv.URL}))
	return &fixture{db: db, auditor: a, emails: emails}
}

func (f *fixture) project(t *testing.T, id string, status database.ProjectStatus) {
	t.Helper()
	require.NoError(t, f.db.UpsertProject(context.Background(), &database.Project{ID: id, Name: id, Status: status}))
}

func TestManualAuditScanLogsAndNotifies(t *testing.T) {
	f := newFixture(t, mapDialer{
		"acme": {tables: []scanner.Table{{Schema: "public", Name: "profiles"}}},
	})
	f.project(t, "acme", database.ProjectRunning)
	ctx := context.Background()

	out, err := f.auditor.RunAuditScan(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Scan.Status)
	assert.Equal(t, model.Summary{Total: 1, Critical: 1}, out.Result.Totals())
	assert.Equal(t, int32(1), f.emails.Load())

	entries, err := f.db.ListActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "security_scan", entries[0].Type)
	assert.Equal(t, "manual_scan", entries[0].Action)
	assert.Equal(t, "acme", entries[0].ProjectID)
}

func TestManualScanWithoutIssuesDoesNotNotify(t *testing.T) {
	f := newFixture(t, mapDialer{
		"acme": {tables: []scanner.Table{{Schema: "public", Name: "profiles", RLSEnabled: true}}},
	})
	f.project(t, "acme", database.ProjectRunning)

	out, err := f.auditor.RunCoverageScan(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Result.Totals().Total)
	assert.Equal(t, int32(0), f.emails.Load())
}

func TestManualScanFailureIsRecorded(t *testing.T) {
	f := newFixture(t, mapDialer{})
	f.project(t, "down", database.ProjectRunning)
	ctx := context.Background()

	out, err := f.auditor.RunStorageScan(ctx, "down")
	var execErr *scanner.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, model.StatusFailed, out.Scan.Status)

	entries, err := f.db.ListActivity(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "failed", entries[0].Status)

	_, err = f.auditor.RunAuditScan(ctx, "ghost")
	assert.ErrorIs(t, err, scanner.ErrProjectNotFound)
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t, mapDialer{
		"acme":  {tables: []scanner.Table{{Schema: "public", Name: "profiles"}}},
		"clean": {
			tables:   []scanner.Table{{Schema: "public", Name: "orders", RLSEnabled: true}},
			policies: []scanner.Policy{{Schema: "public", Table: "orders", Name: "owner_select", CommandCode: "r", Permissive: true}},
		},
		"idle":  {tables: []scanner.Table{{Schema: "public", Name: "x"}}},
	})
	f.project(t, "acme", database.ProjectRunning)
	f.project(t, "broken", database.ProjectRunning)
	f.project(t, "clean", database.ProjectRunning)
	f.project(t, "idle", database.ProjectStopped)
	ctx := context.Background()

	report, err := f.auditor.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.ProjectsScanned)
	assert.Equal(t, 2, report.FailedScans)
	assert.Equal(t, 1, report.TotalIssues)
	require.Len(t, report.Projects, 1)
	assert.Equal(t, "acme", report.Projects[0].ProjectID)
	assert.True(t, report.Notified)
	assert.Equal(t, int32(1), f.emails.Load())

	scans, err := f.db.ListRecentScans(ctx, 20)
	require.NoError(t, err)
	assert.Len(t, scans, 6)
	for _, s := range scans {
		assert.True(t, s.Status.Terminal())
		assert.Equal(t, "batch-"+report.BatchID, s.TaskID)
	}

	entries, err := f.db.ListActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "scheduled_scan", entries[0].Action)
	var details map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Details, &details))
	assert.EqualValues(t, 3, details["projectsScanned"])
	assert.EqualValues(t, 1, details["totalIssues"])
}

func TestCreateSnapshotLogsActivity(t *testing.T) {
	f := newFixture(t, mapDialer{
		"acme": {tables: []scanner.Table{{Schema: "public", Name: "orders", RLSEnabled: true}}},
	})
	f.project(t, "acme", database.ProjectRunning)
	ctx := context.Background()

	snap, err := f.auditor.CreateSnapshot(ctx, "acme", "nightly")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TablesCount)

	diff, err := f.auditor.DiffSnapshots(ctx, "acme", snap.Data)
	require.NoError(t, err)
	assert.Empty(t, diff.Changes)

	entries, err := f.db.ListActivity(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "snapshot_created", entries[0].Action)
}
