package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/rlsguard/internal/auditor"
	"github.com/jamesruggles/rlsguard/internal/config"
	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/model"
	"github.com/jamesruggles/rlsguard/internal/notify"
	"github.com/jamesruggles/rlsguard/internal/report"
	"github.com/jamesruggles/rlsguard/internal/scanner"
	"github.com/jamesruggles/rlsguard/internal/scheduler"
	"github.com/jamesruggles/rlsguard/internal/snapshot"
)

type stubCatalog struct {
	tables   []scanner.Table
	policies []scanner.Policy
}

func (c *stubCatalog) Tables(context.Context, []string) ([]scanner.Table, error) {
	return c.tables, nil
}
func (c *stubCatalog) Policies(context.Context, []string) ([]scanner.Policy, error) {
	return c.policies, nil
}
func (c *stubCatalog) Storage(context.Context) (*scanner.StorageState, error) { return nil, nil }
func (c *stubCatalog) Close(context.Context) error                          { return nil }

type stubDialer map[string]*stubCatalog

func (d stubDialer) Dial(_ context.Context, p *database.Project) (scanner.Catalog, error) {
	if cat, ok := d[p.ID]; ok {
		return cat, nil
	}
	return nil, errors.New("connection refused")
}

type fixture struct {
	db  *database.DB
	hub *Hub
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.UpsertProject(ctx, &database.Project{ID: "acme", Name: "Acme", Status: database.ProjectRunning}))
	require.NoError(t, db.UpsertProject(ctx, &database.Project{ID: "down", Name: "Down", Status: database.ProjectRunning}))

	settings := database.DefaultSettings()
	settings.Notifications.APIKey = "re_secret"
	require.NoError(t, db.SaveSettings(ctx, &settings))

	dialer := stubDialer{"acme": {
		tables: []scanner.Table{
			{Schema: "public", Name: "profiles"},
			{Schema: "public", Name: "orders", RLSEnabled: true},
		},
		policies: []scanner.Policy{
			{Schema: "public", Table: "orders", Name: "owner_select", CommandCode: "r", Permissive: true},
		},
	}}

	hub := NewHub()
	engine := scanner.NewEngine(db, dialer, nil)
	exec := scanner.NewExecutor(db, engine, hub)
	a := auditor.New(db, exec, snapshot.NewService(db, engine), notify.New(config.NotificationsConfig{}))

	cfg := &config.Config{}
	s := New(cfg, Deps{
		DB:        db,
		Auditor:   a,
		Reports:   report.NewGenerator(db, t.TempDir()),
		Scheduler: scheduler.New(db, a, config.SchedulerConfig{}),
		Hub:       hub,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{db: db, hub: hub, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type scanBody struct {
	Scan   database.Scan   `json:"scan"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func TestRunScanReturnsCompletedScan(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/projects/acme/scans/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	body := decode[scanBody](t, resp)
	assert.Equal(t, model.StatusCompleted, body.Scan.Status)
	assert.Empty(t, body.Error)

	var res scanner.AuditResult
	require.NoError(t, json.Unmarshal(body.Result, &res))
	assert.Equal(t, 1, res.Summary.Critical)

	got := decode[database.Scan](t, f.do(t, http.MethodGet, "/api/scans/"+body.Scan.ID, nil))
	assert.Equal(t, body.Scan.ID, got.ID)

	recent := decode[[]database.Scan](t, f.do(t, http.MethodGet, "/api/scans/recent?limit=5", nil))
	assert.Len(t, recent, 1)
}

func TestRunScanFailureAnswersWithFailedRow(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/projects/down/scans/coverage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[scanBody](t, resp)
	assert.Equal(t, model.StatusFailed, body.Scan.Status)
	assert.Contains(t, body.Error, "connection refused")
}

func TestErrorStatusCodes(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		method, path string
		body         string
		want         int
	}{
		{http.MethodPost, "/api/projects/acme/scans/fuzz", "", http.StatusBadRequest},
		{http.MethodPost, "/api/projects/ghost/scans/audit", "", http.StatusNotFound},
		{http.MethodGet, "/api/scans/nope", "", http.StatusNotFound},
		{http.MethodGet, "/api/scans/nope/report", "", http.StatusNotFound},
		{http.MethodGet, "/api/snapshots/nope", "", http.StatusNotFound},
		{http.MethodPost, "/api/projects/acme/snapshots/diff", "not json", http.StatusBadRequest},
		{http.MethodGet, "/api/snapshots/a/diff/b", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			resp := f.do(t, tc.method, tc.path, []byte(tc.body))
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, resp)["error"])
		})
	}
}

func TestSnapshotRoutes(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/projects/acme/snapshots", []byte(`{"name":"baseline"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snap := decode[database.Snapshot](t, resp)
	assert.Equal(t, "baseline", snap.Name)
	assert.Equal(t, 1, snap.PoliciesCount)

	list := decode[[]database.Snapshot](t, f.do(t, http.MethodGet, "/api/projects/acme/snapshots", nil))
	require.Len(t, list, 1)

	resp = f.do(t, http.MethodPost, "/api/projects/acme/snapshots/diff", snap.Data)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	diff := decode[snapshot.DiffResult](t, resp)
	assert.Empty(t, diff.Changes)

	resp = f.do(t, http.MethodPost, "/api/projects/acme/snapshots/diff", []byte(`{"tables":[],"policies":[]}`))
	diff = decode[snapshot.DiffResult](t, resp)
	assert.Equal(t, 1, diff.Summary.Added)
}

func TestReportFormats(t *testing.T) {
	f := newFixture(t)
	body := decode[scanBody](t, f.do(t, http.MethodPost, "/api/projects/acme/scans/audit", nil))

	resp := f.do(t, http.MethodGet, "/api/scans/"+body.Scan.ID+"/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")

	resp = f.do(t, http.MethodGet, "/api/scans/"+body.Scan.ID+"/report?format=pdf", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))

	resp = f.do(t, http.MethodGet, "/api/scans/"+body.Scan.ID+"/report?format=docx", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/scans/"+body.Scan.ID+"/report", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, strings.HasSuffix(decode[map[string]string](t, resp)["path"], ".md"))
}

func TestSettingsRedactAPIKey(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	settings := decode[database.Settings](t, resp)
	assert.NotEqual(t, "re_secret", settings.Notifications.APIKey)
	assert.NotEmpty(t, settings.Notifications.APIKey)
}

func TestActivitySchedulerAndHealth(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/projects/acme/scans/audit", nil)

	entries := decode[[]database.ActivityEntry](t, f.do(t, http.MethodGet, "/api/activity", nil))
	require.Len(t, entries, 1)
	assert.Equal(t, "manual_scan", entries[0].Action)

	st := decode[scheduler.Status](t, f.do(t, http.MethodGet, "/api/scheduler", nil))
	assert.False(t, st.Armed)

	resp := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketReceivesScanEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"project_id":"acme"}`)))
	require.Eventually(t, func() bool { return f.hub.subscribers("acme") == 1 }, 5*time.Second, 10*time.Millisecond)

	f.do(t, http.MethodPost, "/api/projects/acme/scans/audit", nil)

	var statuses []model.ScanStatus
	for i := 0; i < 3; i++ {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var ev scanner.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, "acme", ev.ProjectID)
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []model.ScanStatus{model.StatusPending, model.StatusRunning, model.StatusCompleted}, statuses)
}
