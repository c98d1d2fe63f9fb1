package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jamesruggles/rlsguard/internal/auditor"
	"github.com/jamesruggles/rlsguard/internal/config"
	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/notify"
	"github.com/jamesruggles/rlsguard/internal/report"
	"github.com/jamesruggles/rlsguard/internal/scanner"
	"github.com/jamesruggles/rlsguard/internal/scheduler"
	"github.com/jamesruggles/rlsguard/internal/secrets"
	"github.com/jamesruggles/rlsguard/internal/server"
	"github.com/jamesruggles/rlsguard/internal/snapshot"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	db, err := database.Shared(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.CloseShared()
	db.ActivityRetention = cfg.Database.ActivityRetention

	dialer := &scanner.PostgresDialer{
		Host:             cfg.Targets.Host,
		User:             cfg.Targets.User,
		Database:         cfg.Targets.Database,
		SSLMode:          cfg.Targets.SSLMode,
		StatementTimeout: cfg.Targets.StatementTimeout,
		ConnectTimeout:   cfg.Targets.ConnectTimeout,
	}
	box, err := secrets.NewBox(cfg.EncryptionKey())
	switch {
	case err == nil:
		dialer.Secrets = box
	case errors.Is(err, secrets.ErrNoKey):
		slog.Warn("no encryption key configured; projects with stored passwords cannot be scanned", "env", cfg.Secrets.KeyEnv)
	default:
		slog.Error("failed to initialise secrets", "error", err)
		os.Exit(1)
	}

	hub := server.NewHub()
	engine := scanner.NewEngine(db, dialer, cfg.Targets.Schemas)
	exec := scanner.NewExecutor(db, engine, hub)
	aud := auditor.New(db, exec, snapshot.NewService(db, engine), notify.New(cfg.Notifications))
	sched := scheduler.New(db, aud, cfg.Scheduler)

	srv := server.New(cfg, server.Deps{
		DB:        db,
		Auditor:   aud,
		Reports:   report.NewGenerator(db, cfg.Reports.Dir),
		Scheduler: sched,
		Hub:       hub,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}
}
