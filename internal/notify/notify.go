// Package notify renders scan digests and sends them through a transactional
// email API. Every failure is logged and reduced to false.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jamesruggles/rlsguard/internal/config"
	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/model"
)

type Notifier struct {
	apiURL       string
	dashboardURL string
	client       *http.Client
	limiter      *rate.Limiter
	now          func() time.Time
}

func New(cfg config.NotificationsConfig) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	return &Notifier{
		apiURL:       cfg.APIURL,
		dashboardURL: cfg.DashboardURL,
		client:       &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(limit, 1),
		now:          time.Now,
	}
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Dispatch posts one email. It returns false when email is disabled or
// unconfigured, and on any transport or provider error.
func (n *Notifier) Dispatch(ctx context.Context, s database.NotificationSettings, to, subject, html string) bool {
	switch {
	case !s.EmailEnabled:
		slog.Debug("email disabled, skipping dispatch", "subject", subject)
		return false
	case strings.TrimSpace(s.APIKey) == "":
		slog.Warn("email API key not configured", "subject", subject)
		return false
	case strings.TrimSpace(to) == "" || strings.TrimSpace(s.FromAddress) == "":
		slog.Warn("email sender or recipient not configured", "subject", subject)
		return false
	}

	if err := n.send(ctx, s.APIKey, emailRequest{From: s.FromAddress, To: []string{to}, Subject: subject, HTML: html}); err != nil {
		slog.Warn("email dispatch failed", "subject", subject, "error", err)
		return false
	}
	slog.Info("email sent", "subject", subject, "to", to)
	return true
}

func (n *Notifier) send(ctx context.Context, apiKey string, msg emailRequest) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post email: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// Qualifies reports whether a project's counts reach the notification threshold.
func Qualifies(summary model.Summary, min model.Severity) bool {
	return summary.MeetsThreshold(min)
}

// NotifyScanIssues sends the single-project digest after a manual scan.
func (n *Notifier) NotifyScanIssues(ctx context.Context, s *database.Settings, project *database.Project, scanType model.ScanType, issues []model.Issue, summary model.Summary) bool {
	if !s.Notifications.NotifyOnScanIssues || summary.Total == 0 {
		return false
	}
	if !Qualifies(summary, s.SecurityScanning.MinSeverityToNotify) {
		return false
	}
	name := project.Name
	if name == "" {
		name = project.ID
	}
	html, err := n.RenderProjectDigest(name, scanType, issues, summary)
	if err != nil {
		slog.Error("render project digest", "project_id", project.ID, "error", err)
		return false
	}
	subject := fmt.Sprintf("[rlsguard] %d security issue(s) in %s", summary.Total, name)
	return n.Dispatch(ctx, s.Notifications, s.Notifications.RecipientEmail, subject, html)
}

// NotifyDailySummary sends one email covering every qualifying project.
func (n *Notifier) NotifyDailySummary(ctx context.Context, s *database.Settings, entries []ProjectIssues) bool {
	if !s.Notifications.NotifyOnDailySummary {
		return false
	}
	var qualifying []ProjectIssues
	total := 0
	for _, e := range entries {
		if Qualifies(e.Summary, s.SecurityScanning.MinSeverityToNotify) {
			qualifying = append(qualifying, e)
			total += e.Summary.Total
		}
	}
	if len(qualifying) == 0 {
		return false
	}
	html, err := n.RenderDailySummary(qualifying)
	if err != nil {
		slog.Error("render daily summary", "error", err)
		return false
	}
	subject := fmt.Sprintf("[rlsguard] Daily scan: %d issue(s) across %d project(s)", total, len(qualifying))
	return n.Dispatch(ctx, s.Notifications, s.Notifications.RecipientEmail, subject, html)
}
