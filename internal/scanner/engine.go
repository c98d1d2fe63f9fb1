package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/model"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrUnknownScanType = errors.New("unknown scan type")
)

// ExecutionError wraps a connection, driver or query failure against a
// target database. It is recorded on the scan row rather than aborting a batch.
type ExecutionError struct {
	ProjectID string
	Op        string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s for project %s: %v", e.Op, e.ProjectID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Engine runs detectors against a project's database over a fresh connection
// per call.
type Engine struct {
	db      *database.DB
	dialer  Dialer
	schemas []string
}

// NewEngine audits the given schemas; an empty list defaults to public.
func NewEngine(db *database.DB, dialer Dialer, schemas []string) *Engine {
	if len(schemas) == 0 {
		schemas = []string{"public"}
	}
	return &Engine{db: db, dialer: dialer, schemas: schemas}
}

func (e *Engine) Run(ctx context.Context, projectID string, t model.ScanType) (Result, error) {
	if _, ok := model.ParseScanType(string(t)); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScanType, t)
	}

	var res Result
	err := e.WithCatalog(ctx, projectID, string(t)+" scan", func(cat Catalog) error {
		var err error
		switch t {
		case model.ScanAudit:
			res, err = runAudit(ctx, cat, e.schemas)
		case model.ScanCoverage:
			res, err = runCoverage(ctx, cat, e.schemas)
		case model.ScanStorage:
			res, err = runStorage(ctx, cat)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// WithCatalog resolves the project, opens a catalog connection, runs fn and
// closes the connection. Failures after lookup come back as *ExecutionError.
func (e *Engine) WithCatalog(ctx context.Context, projectID, op string, fn func(Catalog) error) error {
	project, err := e.db.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", projectID, err)
	}
	if project == nil {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	cat, err := e.dialer.Dial(ctx, project)
	if err != nil {
		return &ExecutionError{ProjectID: projectID, Op: op, Err: err}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cat.Close(closeCtx); err != nil {
			slog.Warn("close catalog connection", "project_id", projectID, "error", err)
		}
	}()

	if err := fn(cat); err != nil {
		return &ExecutionError{ProjectID: projectID, Op: op, Err: err}
	}
	return nil
}

// DecodeResult rebuilds the typed payload stored on a completed scan row.
func DecodeResult(t model.ScanType, raw []byte) (Result, error) {
	var res Result
	switch t {
	case model.ScanAudit:
		res = &AuditResult{}
	case model.ScanCoverage:
		res = &CoverageResult{}
	case model.ScanStorage:
		res = &StorageResult{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScanType, t)
	}
	if len(raw) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", t, err)
	}
	return res, nil
}
