// Package scheduler fires the daily scan batch once per calendar day at the
// configured scan time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jamesruggles/rlsguard/internal/auditor"
	"github.com/jamesruggles/rlsguard/internal/config"
	"github.com/jamesruggles/rlsguard/internal/database"
)

// LastDateKey is the scheduler_state key holding the last fired date.
const LastDateKey = "security_scan_last_date"

const dateLayout = "2006-01-02"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Store is the slice of the database the scheduler reads and writes.
type Store interface {
	GetSettings(ctx context.Context) (*database.Settings, error)
	GetSchedulerState(ctx context.Context, key string) (string, error)
	SetSchedulerState(ctx context.Context, key, value string) error
}

type BatchRunner interface {
	RunBatch(ctx context.Context) (*auditor.BatchReport, error)
}

type Scheduler struct {
	store    Store
	batch    BatchRunner
	clock    Clock
	warmup   time.Duration
	interval time.Duration
	window   time.Duration

	mu       sync.Mutex
	armed    bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastDate string
	loaded   bool
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func New(store Store, batch BatchRunner, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		batch:    batch,
		clock:    systemClock{},
		warmup:   cfg.Warmup,
		interval: cfg.Interval,
		window:   cfg.Window,
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.window <= 0 || s.window > time.Minute {
		s.window = time.Minute
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start arms the tick loop. Calling it while armed does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.armed = true
	go s.loop(ctx, s.done)
	slog.Info("scheduler armed", "warmup", s.warmup, "interval", s.interval)
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.armed = false
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	warmup := time.NewTimer(s.warmup)
	defer warmup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-warmup.C:
	}
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates the daily gate once and runs the batch if it opens. It
// reports whether the batch ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		slog.Error("scheduler: load settings", "error", err)
		return false
	}
	cfg := settings.SecurityScanning
	if !cfg.Enabled {
		return false
	}
	hour, minute, err := ParseScanTime(cfg.ScanTime)
	if err != nil {
		slog.Warn("scheduler: invalid scan time", "scan_time", cfg.ScanTime, "error", err)
		return false
	}

	now := s.now(settings)
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if d := now.Sub(target); d < -s.window || d > s.window {
		return false
	}

	today := now.Format(dateLayout)
	if !s.claim(ctx, today) {
		return false
	}

	slog.Info("scheduler: daily gate opened", "date", today, "scan_time", cfg.ScanTime)
	if _, err := s.batch.RunBatch(ctx); err != nil {
		slog.Error("scheduler: batch failed", "date", today, "error", err)
	}
	return true
}

// claim marks today as fired before any batch work starts. It returns false
// if today was already claimed, in memory or by an earlier process.
func (s *Scheduler) claim(ctx context.Context, today string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		last, err := s.store.GetSchedulerState(ctx, LastDateKey)
		if err != nil {
			slog.Error("scheduler: load last run date", "error", err)
			return false
		}
		s.lastDate, s.loaded = last, true
	}
	if s.lastDate == today {
		return false
	}
	s.lastDate = today
	if err := s.store.SetSchedulerState(ctx, LastDateKey, today); err != nil {
		slog.Error("scheduler: persist last run date", "date", today, "error", err)
	}
	return true
}

func (s *Scheduler) now(settings *database.Settings) time.Time {
	now := s.clock.Now()
	tz := settings.General.Timezone
	if tz == "" || strings.EqualFold(tz, "Local") {
		return now
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("scheduler: unknown timezone, using local time", "timezone", tz)
		return now
	}
	return now.In(loc)
}

// ParseScanTime parses "HH:MM" in 24-hour form.
func ParseScanTime(v string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("scan time %q is not HH:MM", v)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("scan time %q has an invalid hour", v)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("scan time %q has an invalid minute", v)
	}
	return hour, minute, nil
}

type Status struct {
	Armed       bool       `json:"armed"`
	Enabled     bool       `json:"enabled"`
	ScanTime    string     `json:"scanTime"`
	LastRunDate string     `json:"lastRunDate,omitempty"`
	NextRun     *time.Time `json:"nextRun,omitempty"`
}

func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return Status{}, err
	}
	last, err := s.store.GetSchedulerState(ctx, LastDateKey)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	st := Status{Armed: s.armed}
	if s.loaded && s.lastDate != "" {
		last = s.lastDate
	}
	s.mu.Unlock()

	cfg := settings.SecurityScanning
	st.Enabled, st.ScanTime, st.LastRunDate = cfg.Enabled, cfg.ScanTime, last
	if !cfg.Enabled {
		return st, nil
	}
	hour, minute, err := ParseScanTime(cfg.ScanTime)
	if err != nil {
		return st, nil
	}
	now := s.now(settings)
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if last == now.Format(dateLayout) || now.Sub(next) > s.window {
		next = next.AddDate(0, 0, 1)
	}
	st.NextRun = &next
	return st, nil
}
