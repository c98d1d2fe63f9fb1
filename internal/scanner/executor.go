package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/model"
)

// Event is a scan status change pushed to WebSocket subscribers.
type Event struct {
	ScanID    string           `json:"scan_id"`
	ProjectID string           `json:"project_id"`
	Type      model.ScanType   `json:"type"`
	Status    model.ScanStatus `json:"status"`
	Summary   *model.Summary   `json:"summary,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Broadcaster sends scan events to connected WebSocket clients.
type Broadcaster interface {
	Broadcast(projectID string, ev Event)
}

// Runner executes one scan against a project.
type Runner interface {
	Run(ctx context.Context, projectID string, t model.ScanType) (Result, error)
}

// Outcome is the persisted scan row and, on success, its result.
type Outcome struct {
	Scan   *database.Scan
	Result Result
}

// Executor persists the scan lifecycle around a Runner.
type Executor struct {
	db          *database.DB
	runner      Runner
	broadcaster Broadcaster
	now         func() time.Time
}

func NewExecutor(db *database.DB, runner Runner, broadcaster Broadcaster) *Executor {
	return &Executor{db: db, runner: runner, broadcaster: broadcaster, now: time.Now}
}

// Execute creates a scan row, runs the scan and records exactly one terminal
// update. A scan failure is returned as *ExecutionError alongside the failed
// row. A store error after the row exists returns the row marked failed; only
// unknown projects and unrecordable store errors come back without a row.
func (e *Executor) Execute(ctx context.Context, projectID string, t model.ScanType, taskID string) (*Outcome, error) {
	scan, err := e.begin(ctx, projectID, t, taskID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, scan)
}

func (e *Executor) begin(ctx context.Context, projectID string, t model.ScanType, taskID string) (*database.Scan, error) {
	if _, ok := model.ParseScanType(string(t)); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScanType, t)
	}
	project, err := e.db.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if project == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	scan := &database.Scan{ProjectID: projectID, Type: t, TaskID: taskID}
	if err := e.db.CreateScan(ctx, scan); err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}
	e.emit(scan, nil, "")
	return scan, nil
}

func (e *Executor) run(ctx context.Context, scan *database.Scan) (out *Outcome, err error) {
	running := model.StatusRunning
	row, err := e.db.UpdateScan(ctx, scan.ID, database.ScanUpdate{Status: &running})
	if err != nil {
		return e.abandon(ctx, scan, fmt.Errorf("mark scan running: %w", err))
	}
	scan = row
	e.emit(scan, nil, "")

	started := e.now()
	res, runErr := e.safeRun(ctx, scan)
	dur := e.now().Sub(started).Milliseconds()

	update := database.ScanUpdate{DurationMs: &dur}
	if runErr != nil {
		failed := model.StatusFailed
		msg := runErr.Error()
		update.Status, update.ErrorMessage = &failed, &msg
	} else {
		completed := model.StatusCompleted
		update.Status, update.Results = &completed, res
	}

	// The terminal write must land even if the caller's context is gone.
	final, err := e.db.UpdateScan(context.WithoutCancel(ctx), scan.ID, update)
	if err != nil {
		slog.Error("record scan result failed", "scan_id", scan.ID, "error", err)
		return nil, fmt.Errorf("record scan result: %w", err)
	}

	if runErr != nil {
		slog.Warn("scan failed", "scan_id", final.ID, "project_id", final.ProjectID, "type", final.Type, "error", runErr)
		e.emit(final, nil, runErr.Error())
		var execErr *ExecutionError
		if !errors.As(runErr, &execErr) {
			runErr = &ExecutionError{ProjectID: final.ProjectID, Op: string(final.Type) + " scan", Err: runErr}
		}
		return &Outcome{Scan: final}, runErr
	}

	summary := res.Totals()
	slog.Info("scan completed", "scan_id", final.ID, "project_id", final.ProjectID,
		"type", final.Type, "issues", summary.Total, "duration_ms", dur)
	e.emit(final, &summary, "")
	return &Outcome{Scan: final, Result: res}, nil
}

// abandon fails a row that never reached running so it is not left pending.
func (e *Executor) abandon(ctx context.Context, scan *database.Scan, cause error) (*Outcome, error) {
	failed := model.StatusFailed
	msg := cause.Error()
	final, err := e.db.UpdateScan(context.WithoutCancel(ctx), scan.ID,
		database.ScanUpdate{Status: &failed, ErrorMessage: &msg})
	if err != nil {
		slog.Error("record scan failure failed", "scan_id", scan.ID, "error", err)
		return nil, cause
	}
	slog.Warn("scan abandoned", "scan_id", final.ID, "project_id", final.ProjectID, "error", cause)
	e.emit(final, nil, msg)
	return &Outcome{Scan: final}, cause
}

func (e *Executor) safeRun(ctx context.Context, scan *database.Scan) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scan panicked", "scan_id", scan.ID, "panic", r)
			err = fmt.Errorf("scan panicked: %v", r)
		}
	}()
	return e.runner.Run(ctx, scan.ProjectID, scan.Type)
}

func (e *Executor) emit(scan *database.Scan, summary *model.Summary, errMsg string) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Broadcast(scan.ProjectID, Event{
		ScanID:    scan.ID,
		ProjectID: scan.ProjectID,
		Type:      scan.Type,
		Status:    scan.Status,
		Summary:   summary,
		Error:     errMsg,
		Timestamp: e.now(),
	})
}
