package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/jamesruggles/rlsguard/internal/model"
)

// maxIssueRows caps the issue table; the rest are summarised in a footer row.
const maxIssueRows = 10

// ProjectIssues is one project's contribution to a digest.
type ProjectIssues struct {
	ProjectID   string
	ProjectName string
	Summary     model.Summary
	Issues      []model.Issue
}

type issueRow struct {
	Project string
	model.Issue
}

type projectRow struct {
	Name    string
	Summary model.Summary
}

type digestView struct {
	Title        string
	Intro        string
	Summary      model.Summary
	Projects     []projectRow
	Issues       []issueRow
	More         int
	DashboardURL string
	GeneratedAt  string
}

var severityColors = map[model.Severity]string{
	model.SeverityCritical: "#b91c1c",
	model.SeverityHigh:     "#c2410c",
	model.SeverityMedium:   "#a16207",
	model.SeverityLow:      "#1d4ed8",
}

var digestTmpl = template.Must(template.New("digest").Funcs(template.FuncMap{
	"color": func(s model.Severity) string { return severityColors[s] },
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: -apple-system, Segoe UI, Helvetica, Arial, sans-serif; color: #111827; max-width: 680px; margin: 0 auto;">
<h2 style="margin-bottom: 4px;">{{.Title}}</h2>
<p style="color: #4b5563;">{{.Intro}}</p>
<table role="presentation" style="width: 100%; border-collapse: collapse; margin: 16px 0;">
<tr>
<td style="padding: 12px; text-align: center; background: #fef2f2;"><div style="font-size: 24px; color: {{color "critical"}};">{{.Summary.Critical}}</div>Critical</td>
<td style="padding: 12px; text-align: center; background: #fff7ed;"><div style="font-size: 24px; color: {{color "high"}};">{{.Summary.High}}</div>High</td>
<td style="padding: 12px; text-align: center; background: #fefce8;"><div style="font-size: 24px; color: {{color "medium"}};">{{.Summary.Medium}}</div>Medium</td>
<td style="padding: 12px; text-align: center; background: #eff6ff;"><div style="font-size: 24px; color: {{color "low"}};">{{.Summary.Low}}</div>Low</td>
</tr>
</table>
{{- if .Projects}}
<h3>Projects</h3>
<table style="width: 100%; border-collapse: collapse;">
<tr style="text-align: left; border-bottom: 1px solid #e5e7eb;"><th>Project</th><th>Critical</th><th>High</th><th>Medium</th><th>Low</th></tr>
{{- range .Projects}}
<tr style="border-bottom: 1px solid #f3f4f6;"><td>{{.Name}}</td><td>{{.Summary.Critical}}</td><td>{{.Summary.High}}</td><td>{{.Summary.Medium}}</td><td>{{.Summary.Low}}</td></tr>
{{- end}}
</table>
{{- end}}
<h3>Issues</h3>
<table style="width: 100%; border-collapse: collapse;">
<tr style="text-align: left; border-bottom: 1px solid #e5e7eb;"><th>Severity</th>{{if .Projects}}<th>Project</th>{{end}}<th>Object</th><th>Issue</th></tr>
{{- $multi := .Projects}}
{{- range .Issues}}
<tr style="border-bottom: 1px solid #f3f4f6;">
<td style="color: {{color .Severity}}; text-transform: uppercase; font-size: 12px;">{{.Severity}}</td>
{{- if $multi}}<td>{{.Project}}</td>{{end}}
<td><code>{{.Schema}}.{{.Table}}</code>{{if .Bucket}} ({{.Bucket}}){{end}}</td>
<td>{{.Issue.Issue}}</td>
</tr>
{{- end}}
{{- if .More}}
<tr><td colspan="{{if .Projects}}4{{else}}3{{end}}" style="color: #6b7280; padding-top: 8px;">and {{.More}} more</td></tr>
{{- end}}
</table>
{{- if .DashboardURL}}
<p style="margin-top: 24px;"><a href="{{.DashboardURL}}" style="background: #111827; color: #ffffff; padding: 10px 16px; text-decoration: none; border-radius: 4px;">Open dashboard</a></p>
{{- end}}
<p style="color: #9ca3af; font-size: 12px;">Generated {{.GeneratedAt}}</p>
</body>
</html>
`))

func (n *Notifier) render(v digestView) (string, error) {
	v.DashboardURL = n.dashboardURL
	v.GeneratedAt = n.now().UTC().Format(time.RFC1123)
	var buf bytes.Buffer
	if err := digestTmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return buf.String(), nil
}

func truncate(rows []issueRow) ([]issueRow, int) {
	if len(rows) <= maxIssueRows {
		return rows, 0
	}
	return rows[:maxIssueRows], len(rows) - maxIssueRows
}

// RenderProjectDigest renders the email for a single manual scan.
func (n *Notifier) RenderProjectDigest(projectName string, scanType model.ScanType, issues []model.Issue, summary model.Summary) (string, error) {
	rows := make([]issueRow, 0, len(issues))
	for _, is := range issues {
		rows = append(rows, issueRow{Project: projectName, Issue: is})
	}
	rows, more := truncate(rows)
	return n.render(digestView{
		Title:   fmt.Sprintf("Security scan: %s", projectName),
		Intro:   fmt.Sprintf("The %s scan found %d issue(s).", scanType, summary.Total),
		Summary: summary,
		Issues:  rows,
		More:    more,
	})
}

// RenderDailySummary renders the cross-project email sent after a scheduled batch.
func (n *Notifier) RenderDailySummary(entries []ProjectIssues) (string, error) {
	var total model.Summary
	var rows []issueRow
	projects := make([]projectRow, 0, len(entries))
	for _, e := range entries {
		name := e.ProjectName
		if name == "" {
			name = e.ProjectID
		}
		total.Merge(e.Summary)
		projects = append(projects, projectRow{Name: name, Summary: e.Summary})
		for _, is := range e.Issues {
			rows = append(rows, issueRow{Project: name, Issue: is})
		}
	}
	rows, more := truncate(rows)
	return n.render(digestView{
		Title:    "Daily security summary",
		Intro:    fmt.Sprintf("%d project(s) reported %d issue(s) in today's scheduled scan.", len(entries), total.Total),
		Summary:  total,
		Projects: projects,
		Issues:   rows,
		More:     more,
	})
}
