package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jamesruggles/rlsguard/internal/auditor"
	"github.com/jamesruggles/rlsguard/internal/config"
	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/report"
	"github.com/jamesruggles/rlsguard/internal/scheduler"
)

// Deps are the components the API fronts; main builds them.
type Deps struct {
	DB        *database.DB
	Auditor   *auditor.Auditor
	Reports   *report.Generator
	Scheduler *scheduler.Scheduler
	Hub       *Hub
}

type Server struct {
	cfg       *config.Config
	db        *database.DB
	hub       *Hub
	auditor   *auditor.Auditor
	reportGen *report.Generator
	scheduler *scheduler.Scheduler
	router    chi.Router
	http      *http.Server
}

func New(cfg *config.Config, d Deps) *Server {
	hub := d.Hub
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		cfg:       cfg,
		db:        d.DB,
		hub:       hub,
		auditor:   d.Auditor,
		reportGen: d.Reports,
		scheduler: d.Scheduler,
		router:    chi.NewRouter(),
	}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return recoveryMiddleware(securityHeaders(loggingMiddleware(s.router)))
}

func (s *Server) ListenAndServe() error {
	slog.Info("starting server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	r := s.router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/projects", s.handleListProjects)
		r.Get("/projects/{id}/scans", s.handleListProjectScans)
		r.Post("/projects/{id}/scans/{type}", s.handleRunScan)
		r.Get("/projects/{id}/snapshots", s.handleListSnapshots)
		r.Post("/projects/{id}/snapshots", s.handleCreateSnapshot)
		r.Post("/projects/{id}/snapshots/diff", s.handleDiffSnapshot)

		r.Get("/scans/recent", s.handleRecentScans)
		r.Get("/scans/{id}", s.handleGetScan)
		r.Get("/scans/{id}/report", s.handleScanReport)
		r.Post("/scans/{id}/report", s.handleSaveScanReport)

		r.Get("/snapshots/{id}", s.handleGetSnapshot)
		r.Get("/snapshots/{from}/diff/{to}", s.handleDiffStored)

		r.Get("/settings", s.handleGetSettings)
		r.Get("/activity", s.handleActivity)
		r.Get("/scheduler", s.handleSchedulerStatus)
	})

	r.Get("/ws", s.handleWebSocket)
}
