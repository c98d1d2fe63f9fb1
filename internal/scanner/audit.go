package scanner

import (
	"context"
	"fmt"

	"github.com/jamesruggles/rlsguard/internal/model"
)

// Result is the payload persisted with a completed scan.
type Result interface {
	IssueList() []model.Issue
	Totals() model.Summary
}

type AuditResult struct {
	Issues  []model.Issue `json:"issues"`
	Summary model.Summary `json:"summary"`
}

func (r *AuditResult) IssueList() []model.Issue { return r.Issues }
func (r *AuditResult) Totals() model.Summary    { return r.Summary }

func runAudit(ctx context.Context, cat Catalog, schemas []string) (*AuditResult, error) {
	tables, err := cat.Tables(ctx, schemas)
	if err != nil {
		return nil, err
	}
	policies, err := cat.Policies(ctx, schemas)
	if err != nil {
		return nil, err
	}
	return Audit(tables, policies), nil
}

// Audit runs the three detectors in order: tables without RLS, tables with
// RLS but no policies, then always-true policies.
func Audit(tables []Table, policies []Policy) *AuditResult {
	policyCount := make(map[[2]string]int, len(policies))
	for _, p := range policies {
		policyCount[[2]string{p.Schema, p.Table}]++
	}

	issues := []model.Issue{}

	for _, t := range tables {
		if isSystemTable(t.Name) || t.RLSEnabled {
			continue
		}
		issues = append(issues, model.Issue{
			Severity:       model.SeverityCritical,
			Schema:         t.Schema,
			Table:          t.Name,
			Issue:          "RLS is not enabled on this table",
			Recommendation: fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY;", QualifiedName(t.Schema, t.Name)),
		})
	}

	for _, t := range tables {
		if isSystemTable(t.Name) || !t.RLSEnabled || policyCount[[2]string{t.Schema, t.Name}] > 0 {
			continue
		}
		issues = append(issues, model.Issue{
			Severity: model.SeverityHigh,
			Schema:   t.Schema,
			Table:    t.Name,
			Issue:    "RLS is enabled but no policies exist (all access denied)",
			Recommendation: fmt.Sprintf(
				"Add a policy, e.g. CREATE POLICY \"owner_select\" ON %s FOR SELECT USING (auth.uid() = user_id);",
				QualifiedName(t.Schema, t.Name)),
		})
	}

	for _, p := range policies {
		var clause string
		switch {
		case isLiteralTrue(p.Using):
			clause = "USING"
		case isLiteralTrue(p.WithCheck):
			clause = "WITH CHECK"
		default:
			continue
		}
		issues = append(issues, model.Issue{
			Severity: model.SeverityMedium,
			Schema:   p.Schema,
			Table:    p.Table,
			Policy:   p.Name,
			Issue:    fmt.Sprintf("Policy %q has a %s (true) condition (overly permissive)", p.Name, clause),
			Recommendation: fmt.Sprintf("Restrict policy %s on %s to the rows each role should reach.",
				QuoteIdent(p.Name), QualifiedName(p.Schema, p.Table)),
		})
	}

	return &AuditResult{Issues: issues, Summary: model.SummarizeIssues(issues)}
}
