package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/model"
	"github.com/jamesruggles/rlsguard/internal/report"
	"github.com/jamesruggles/rlsguard/internal/scanner"
	"github.com/jamesruggles/rlsguard/internal/snapshot"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxSnapshotBody  = 10 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	var parseErr *snapshot.ParseError
	switch {
	case errors.Is(err, scanner.ErrProjectNotFound),
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, report.ErrScanNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scanner.ErrUnknownScanType), errors.As(err, &parseErr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.db.ListProjects(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if projects == nil {
		projects = []database.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleListProjectScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.db.ListScansByProject(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if scans == nil {
		scans = []database.Scan{}
	}
	writeJSON(w, http.StatusOK, scans)
}

type scanResponse struct {
	Scan   *database.Scan `json:"scan"`
	Result scanner.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// handleRunScan runs a scan synchronously. A scan that fails against the
// target database still answers 200 with the failed row.
func (s *Server) handleRunScan(w http.ResponseWriter, r *http.Request) {
	t, ok := model.ParseScanType(chi.URLParam(r, "type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "scan type must be one of audit, coverage, storage")
		return
	}

	out, err := s.auditor.RunScan(r.Context(), chi.URLParam(r, "id"), t)
	var execErr *scanner.ExecutionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, scanResponse{Scan: out.Scan, Result: out.Result})
	case errors.As(err, &execErr) && out != nil && out.Scan != nil:
		writeJSON(w, http.StatusOK, scanResponse{Scan: out.Scan, Error: execErr.Error()})
	default:
		writeErr(w, err)
	}
}

func (s *Server) handleRecentScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.db.ListRecentScans(r.Context(), queryLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if scans == nil {
		scans = []database.Scan{}
	}
	writeJSON(w, http.StatusOK, scans)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scan, err := s.db.GetScan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if scan == nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (s *Server) handleScanReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch format := r.URL.Query().Get("format"); format {
	case "", "markdown":
		md, err := s.reportGen.GenerateMarkdown(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, md)
	case "pdf":
		var buf bytes.Buffer
		if err := s.reportGen.GeneratePDF(r.Context(), id, &buf); err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", "attachment; filename=scan-"+id+".pdf")
		w.Write(buf.Bytes())
	default:
		writeError(w, http.StatusBadRequest, "format must be 'markdown' or 'pdf'")
	}
}

func (s *Server) handleSaveScanReport(w http.ResponseWriter, r *http.Request) {
	path, err := s.reportGen.SaveMarkdown(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.db.ListSnapshots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if snaps == nil {
		snaps = []database.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	snap, err := s.auditor.CreateSnapshot(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Name))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// handleDiffSnapshot diffs the live catalog against a snapshot document
// posted as the request body.
func (s *Server) handleDiffSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "snapshot too large")
		return
	}
	diff, err := s.auditor.DiffSnapshots(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.db.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDiffStored(w http.ResponseWriter, r *http.Request) {
	diff, err := s.auditor.DiffStoredSnapshots(r.Context(), chi.URLParam(r, "from"), chi.URLParam(r, "to"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.db.GetSettings(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	redacted := *settings
	if redacted.Notifications.APIKey != "" {
		redacted.Notifications.APIKey = "********"
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := s.db.ListActivity(r.Context(), queryLimit(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []database.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	st, err := s.scheduler.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
