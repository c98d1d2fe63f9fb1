// Package auditor is the entry point collaborators use: manual scans,
// snapshots and the scheduled batch. It ties scanner, snapshot, store and
// notifier together and keeps failures of one scan from reaching the next.
package auditor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/model"
	"github.com/jamesruggles/rlsguard/internal/notify"
	"github.com/jamesruggles/rlsguard/internal/scanner"
	"github.com/jamesruggles/rlsguard/internal/snapshot"
)

const (
	activityType     = "security_scan"
	actionManualScan = "manual_scan"
	actionScheduled  = "scheduled_scan"
	actionSnapshot   = "snapshot_created"
	activitySuccess  = "success"
	activityFailure  = "failed"
	batchTaskPrefix  = "batch-"
)

type Auditor struct {
	db        *database.DB
	exec      *scanner.Executor
	snapshots *snapshot.Service
	notifier  *notify.Notifier
}

func New(db *database.DB, exec *scanner.Executor, snapshots *snapshot.Service, notifier *notify.Notifier) *Auditor {
	return &Auditor{db: db, exec: exec, snapshots: snapshots, notifier: notifier}
}

func (a *Auditor) RunAuditScan(ctx context.Context, projectID string) (*scanner.Outcome, error) {
	return a.RunScan(ctx, projectID, model.ScanAudit)
}

func (a *Auditor) RunCoverageScan(ctx context.Context, projectID string) (*scanner.Outcome, error) {
	return a.RunScan(ctx, projectID, model.ScanCoverage)
}

func (a *Auditor) RunStorageScan(ctx context.Context, projectID string) (*scanner.Outcome, error) {
	return a.RunScan(ctx, projectID, model.ScanStorage)
}

// RunScan executes one manual scan, logs it and, when it found issues, sends
// the single-project digest. A failed scan returns its row with the error.
func (a *Auditor) RunScan(ctx context.Context, projectID string, t model.ScanType) (*scanner.Outcome, error) {
	out, err := a.exec.Execute(ctx, projectID, t, "")
	if out == nil {
		return nil, err
	}

	details := map[string]any{"scan_id": out.Scan.ID, "scan_type": t}
	entry := &database.ActivityEntry{Type: activityType, Action: actionManualScan, ProjectID: projectID, Status: activitySuccess}
	if err != nil {
		entry.Status, entry.ErrorMessage = activityFailure, err.Error()
	} else {
		details["summary"] = out.Result.Totals()
	}
	a.logActivity(ctx, entry, details)

	if err == nil && out.Result.Totals().Total > 0 {
		a.notifyScan(ctx, projectID, t, out.Result)
	}
	return out, err
}

func (a *Auditor) notifyScan(ctx context.Context, projectID string, t model.ScanType, res scanner.Result) {
	settings, err := a.db.GetSettings(ctx)
	if err != nil {
		slog.Warn("load settings for notification", "error", err)
		return
	}
	project, err := a.db.GetProject(ctx, projectID)
	if err != nil || project == nil {
		slog.Warn("load project for notification", "project_id", projectID, "error", err)
		return
	}
	a.notifier.NotifyScanIssues(ctx, settings, project, t, res.IssueList(), res.Totals())
}

func (a *Auditor) CreateSnapshot(ctx context.Context, projectID, name string) (*database.Snapshot, error) {
	snap, err := a.snapshots.Create(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	a.logActivity(ctx, &database.ActivityEntry{
		Type: activityType, Action: actionSnapshot, ProjectID: projectID, Status: activitySuccess,
	}, map[string]any{"snapshot_id": snap.ID, "tables": snap.TablesCount, "policies": snap.PoliciesCount})
	return snap, nil
}

func (a *Auditor) DiffSnapshots(ctx context.Context, projectID string, previous []byte) (*snapshot.DiffResult, error) {
	return a.snapshots.DiffAgainst(ctx, projectID, previous)
}

func (a *Auditor) DiffStoredSnapshots(ctx context.Context, fromID, toID string) (*snapshot.DiffResult, error) {
	return a.snapshots.DiffStored(ctx, fromID, toID)
}

// BatchReport summarises one scheduled run.
type BatchReport struct {
	BatchID         string                 `json:"batch_id"`
	ProjectsScanned int                    `json:"projectsScanned"`
	ScanTypes       []model.ScanType       `json:"scanTypes"`
	TotalIssues     int                    `json:"totalIssues"`
	FailedScans     int                    `json:"failedScans"`
	Notified        bool                   `json:"notified"`
	Projects        []notify.ProjectIssues `json:"-"`
}

// RunBatch scans every running project with each configured scan type,
// sequentially. A failing project or type is recorded and skipped.
func (a *Auditor) RunBatch(ctx context.Context) (*BatchReport, error) {
	settings, err := a.db.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	projects, err := a.db.ListProjectsByStatus(ctx, database.ProjectRunning)
	if err != nil {
		return nil, fmt.Errorf("list running projects: %w", err)
	}

	report := &BatchReport{
		BatchID:   uuid.NewString(),
		ScanTypes: settings.SecurityScanning.ScanTypes,
	}
	taskID := batchTaskPrefix + report.BatchID
	slog.Info("scheduled scan batch starting", "batch_id", report.BatchID,
		"projects", len(projects), "scan_types", report.ScanTypes)

	for _, p := range projects {
		entry := notify.ProjectIssues{ProjectID: p.ID, ProjectName: p.Name}
		for _, t := range report.ScanTypes {
			out, err := a.exec.Execute(ctx, p.ID, t, taskID)
			if err != nil {
				report.FailedScans++
				var execErr *scanner.ExecutionError
				if !errors.As(err, &execErr) {
					slog.Error("scheduled scan could not start", "project_id", p.ID, "type", t, "error", err)
				}
				continue
			}
			entry.Summary.Merge(out.Result.Totals())
			entry.Issues = append(entry.Issues, out.Result.IssueList()...)
		}
		report.ProjectsScanned++
		report.TotalIssues += entry.Summary.Total
		if entry.Summary.Total > 0 {
			report.Projects = append(report.Projects, entry)
		}
	}

	a.logActivity(ctx, &database.ActivityEntry{Type: activityType, Action: actionScheduled, Status: activitySuccess},
		map[string]any{
			"batch_id":        report.BatchID,
			"projectsScanned": report.ProjectsScanned,
			"scanTypes":       report.ScanTypes,
			"totalIssues":     report.TotalIssues,
			"failedScans":     report.FailedScans,
		})

	if len(report.Projects) > 0 {
		report.Notified = a.notifier.NotifyDailySummary(ctx, settings, report.Projects)
	}
	slog.Info("scheduled scan batch finished", "batch_id", report.BatchID,
		"projects", report.ProjectsScanned, "issues", report.TotalIssues, "failed", report.FailedScans)
	return report, nil
}

func (a *Auditor) logActivity(ctx context.Context, e *database.ActivityEntry, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		slog.Warn("encode activity details", "error", err)
		raw = []byte("{}")
	}
	e.Details = raw
	if err := a.db.LogActivity(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("log activity failed", "action", e.Action, "error", err)
	}
}
