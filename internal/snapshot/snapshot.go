// Package snapshot captures a project's tables and policies and diffs two
// captures against each other.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/scanner"
)

type TableEntry struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
	HasRLS bool   `json:"hasRLS"`
}

type PolicyEntry struct {
	Schema     string   `json:"schema"`
	Table      string   `json:"table"`
	Name       string   `json:"name"`
	Command    string   `json:"command"`
	Permissive bool     `json:"permissive"`
	Roles      []string `json:"roles"`
	Using      *string  `json:"using"`
	WithCheck  *string  `json:"withCheck"`
}

// Data is the serialized body of a snapshot row.
type Data struct {
	Tables   []TableEntry  `json:"tables"`
	Policies []PolicyEntry `json:"policies"`
}

// ParseError reports diff input that is not a snapshot document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse snapshot: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes a serialized snapshot. The document must be a JSON object.
func Parse(raw []byte) (Data, error) {
	var d Data
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return d, &ParseError{Err: fmt.Errorf("expected a JSON object")}
	}
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return d, &ParseError{Err: err}
	}
	return d, nil
}

// FromCatalog converts catalog rows into snapshot entries.
func FromCatalog(tables []scanner.Table, policies []scanner.Policy) Data {
	d := Data{Tables: make([]TableEntry, 0, len(tables)), Policies: make([]PolicyEntry, 0, len(policies))}
	for _, t := range tables {
		d.Tables = append(d.Tables, TableEntry{Schema: t.Schema, Name: t.Name, HasRLS: t.RLSEnabled})
	}
	for _, p := range policies {
		roles := p.Roles
		if roles == nil {
			roles = []string{}
		}
		d.Policies = append(d.Policies, PolicyEntry{
			Schema:     p.Schema,
			Table:      p.Table,
			Name:       p.Name,
			Command:    p.Command(),
			Permissive: p.Permissive,
			Roles:      roles,
			Using:      p.Using,
			WithCheck:  p.WithCheck,
		})
	}
	return d
}

type Service struct {
	db     *database.DB
	engine *scanner.Engine
}

func NewService(db *database.DB, engine *scanner.Engine) *Service {
	return &Service{db: db, engine: engine}
}

// Capture reads every non-system schema of the project without persisting.
func (s *Service) Capture(ctx context.Context, projectID string) (Data, error) {
	var d Data
	err := s.engine.WithCatalog(ctx, projectID, "snapshot", func(cat scanner.Catalog) error {
		tables, err := cat.Tables(ctx, nil)
		if err != nil {
			return err
		}
		policies, err := cat.Policies(ctx, nil)
		if err != nil {
			return err
		}
		d = FromCatalog(tables, policies)
		return nil
	})
	return d, err
}

func (s *Service) Create(ctx context.Context, projectID, name string) (*database.Snapshot, error) {
	d, err := s.Capture(ctx, projectID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	snap := &database.Snapshot{
		ProjectID:     projectID,
		Name:          name,
		Data:          raw,
		TablesCount:   len(d.Tables),
		PoliciesCount: len(d.Policies),
	}
	if err := s.db.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	slog.Info("snapshot created", "snapshot_id", snap.ID, "project_id", projectID,
		"tables", snap.TablesCount, "policies", snap.PoliciesCount)
	return snap, nil
}

// DiffAgainst compares a stored or client-held snapshot (previous) with a
// fresh capture of the project (current).
func (s *Service) DiffAgainst(ctx context.Context, projectID string, previous []byte) (*DiffResult, error) {
	prev, err := Parse(previous)
	if err != nil {
		return nil, err
	}
	cur, err := s.Capture(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return Diff(prev, cur), nil
}

// DiffStored compares two persisted snapshots, from as previous and to as current.
func (s *Service) DiffStored(ctx context.Context, fromID, toID string) (*DiffResult, error) {
	load := func(id string) (Data, error) {
		snap, err := s.db.GetSnapshot(ctx, id)
		if err != nil {
			return Data{}, err
		}
		if snap == nil {
			return Data{}, fmt.Errorf("snapshot %s: %w", id, database.ErrNotFound)
		}
		return Parse(snap.Data)
	}
	from, err := load(fromID)
	if err != nil {
		return nil, err
	}
	to, err := load(toID)
	if err != nil {
		return nil, err
	}
	return Diff(from, to), nil
}
