package model

import "strings"

type ScanType string

const (
	ScanAudit    ScanType = "audit"
	ScanCoverage ScanType = "coverage"
	ScanStorage  ScanType = "storage"
)

// ScanTypes lists every supported scan type in canonical order.
var ScanTypes = []ScanType{ScanAudit, ScanCoverage, ScanStorage}

func ParseScanType(s string) (ScanType, bool) {
	t := ScanType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ScanTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

func (s ScanStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a scan row may move from s to next.
// Status only moves forward: pending -> running -> completed|failed.
func (s ScanStatus) CanTransition(next ScanStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next.Terminal()
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityOrder is ordered from most to least severe.
var SeverityOrder = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank returns 4 for critical down to 1 for low, 0 for anything unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Valid()
}

type Issue struct {
	Severity       Severity `json:"severity"`
	Schema         string   `json:"schema"`
	Table          string   `json:"table"`
	Issue          string   `json:"issue"`
	Recommendation string   `json:"recommendation"`
	Policy         string   `json:"policy,omitempty"`
	Bucket         string   `json:"bucket,omitempty"`
}

type Summary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// SummarizeIssues derives the per-severity counts from issues, so Total
// always equals the sum of the four buckets.
func SummarizeIssues(issues []Issue) Summary {
	var s Summary
	for _, is := range issues {
		s.add(is.Severity, 1)
	}
	return s
}

func (s *Summary) add(sev Severity, n int) {
	switch sev {
	case SeverityCritical:
		s.Critical += n
	case SeverityHigh:
		s.High += n
	case SeverityMedium:
		s.Medium += n
	case SeverityLow:
		s.Low += n
	default:
		return
	}
	s.Total += n
}

// Merge adds other's counts to s.
func (s *Summary) Merge(other Summary) {
	s.add(SeverityCritical, other.Critical)
	s.add(SeverityHigh, other.High)
	s.add(SeverityMedium, other.Medium)
	s.add(SeverityLow, other.Low)
}

func (s Summary) Count(sev Severity) int {
	switch sev {
	case SeverityCritical:
		return s.Critical
	case SeverityHigh:
		return s.High
	case SeverityMedium:
		return s.Medium
	case SeverityLow:
		return s.Low
	default:
		return 0
	}
}

// MeetsThreshold reports whether any count at or above min is nonzero.
// An unrecognised threshold is treated as low.
func (s Summary) MeetsThreshold(min Severity) bool {
	if !min.Valid() {
		min = SeverityLow
	}
	for _, sev := range SeverityOrder {
		if s.Count(sev) > 0 {
			return true
		}
		if sev == min {
			break
		}
	}
	return false
}
