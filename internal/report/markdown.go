package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jamesruggles/rlsguard/internal/database"
	"github.com/jamesruggles/rlsguard/internal/model"
	"github.com/jamesruggles/rlsguard/internal/scanner"
)

var ErrScanNotFound = errors.New("scan not found")

type Generator struct {
	db         *database.DB
	reportsDir string
	now        func() time.Time
}

func NewGenerator(db *database.DB, reportsDir string) *Generator {
	return &Generator{db: db, reportsDir: reportsDir, now: time.Now}
}

// Document is everything a report renders: the scan row, its project and the
// decoded payload (nil unless the scan completed).
type Document struct {
	Project     *database.Project
	Scan        *database.Scan
	Result      scanner.Result
	GeneratedAt time.Time
}

func (g *Generator) Load(ctx context.Context, scanID string) (*Document, error) {
	scan, err := g.db.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, scanID)
	}
	project, err := g.db.GetProject(ctx, scan.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		project = &database.Project{ID: scan.ProjectID, Name: scan.ProjectID}
	}

	doc := &Document{Project: project, Scan: scan, GeneratedAt: g.now()}
	if scan.Status == model.StatusCompleted {
		doc.Result, err = scanner.DecodeResult(scan.Type, scan.Results)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (g *Generator) GenerateMarkdown(ctx context.Context, scanID string) (string, error) {
	doc, err := g.Load(ctx, scanID)
	if err != nil {
		return "", err
	}
	return Markdown(doc), nil
}

// SaveMarkdown writes the report under the reports directory and returns its path.
func (g *Generator) SaveMarkdown(ctx context.Context, scanID string) (string, error) {
	doc, err := g.Load(ctx, scanID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(g.reportsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating reports dir: %w", err)
	}
	filename := fmt.Sprintf("%s-%s-%s.md", fileSlug(doc.Project.Name), doc.Scan.Type, doc.GeneratedAt.Format("20060102-150405"))
	path := filepath.Join(g.reportsDir, filename)
	if err := os.WriteFile(path, []byte(Markdown(doc)), 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// fileSlug reduces a project name to [a-z0-9-] so it stays inside the reports dir.
func fileSlug(name string) string {
	slug := strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		return "project"
	}
	return slug
}

func Markdown(doc *Document) string {
	var b strings.Builder
	scan := doc.Scan

	fmt.Fprintf(&b, "# RLS Security Report: %s\n\n", doc.Project.Name)
	fmt.Fprintf(&b, "**Generated:** %s  \n", doc.GeneratedAt.Format("January 2, 2006 15:04:05 MST"))
	fmt.Fprintf(&b, "**Scan:** %s (`%s`)  \n", scan.Type, scan.ID)
	fmt.Fprintf(&b, "**Status:** %s  \n", scan.Status)
	if scan.StartedAt != nil {
		fmt.Fprintf(&b, "**Started:** %s  \n", scan.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "**Duration:** %d ms  \n\n", scan.DurationMs)

	if scan.Status == model.StatusFailed {
		b.WriteString("## Error\n\n```\n")
		b.WriteString(scan.ErrorMessage)
		b.WriteString("\n```\n")
		return b.String()
	}
	if doc.Result == nil {
		b.WriteString("The scan has not completed yet.\n")
		return b.String()
	}

	summary := doc.Result.Totals()
	b.WriteString("## Summary\n\n")
	b.WriteString("| Severity | Count |\n|---|---|\n")
	for _, sev := range model.SeverityOrder {
		fmt.Fprintf(&b, "| %s | %d |\n", sev, summary.Count(sev))
	}
	fmt.Fprintf(&b, "| **total** | **%d** |\n\n", summary.Total)

	switch res := doc.Result.(type) {
	case *scanner.CoverageResult:
		writeCoverage(&b, res)
	case *scanner.StorageResult:
		writeStorage(&b, res)
	}

	issues := doc.Result.IssueList()
	if len(issues) == 0 {
		if _, ok := doc.Result.(*scanner.CoverageResult); !ok {
			b.WriteString("## Findings\n\nNo issues found.\n")
		}
		return b.String()
	}

	b.WriteString("## Findings\n\n")
	for _, sev := range model.SeverityOrder {
		var group []model.Issue
		for _, is := range issues {
			if is.Severity == sev {
				group = append(group, is)
			}
		}
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "### %s (%d)\n\n", strings.ToUpper(string(sev)), len(group))
		b.WriteString("| Object | Issue | Recommendation |\n|---|---|---|\n")
		for _, is := range group {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", cell(objectName(is)), cell(is.Issue), cell(is.Recommendation))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeCoverage(b *strings.Builder, res *scanner.CoverageResult) {
	b.WriteString("## Coverage\n\n")
	fmt.Fprintf(b, "%d of %d table(s) have RLS enabled (**%d%%**).\n\n", res.TablesWithRLS, res.TotalTables, res.CoveragePercent)
	if len(res.Tables) == 0 {
		return
	}
	b.WriteString("| Table | RLS | Policies |\n|---|---|---|\n")
	for _, t := range res.Tables {
		rls := "no"
		if t.HasRLS {
			rls = "yes"
		}
		var ps []string
		for _, p := range t.Policies {
			ps = append(ps, fmt.Sprintf("%s (%s)", p.Name, p.Command))
		}
		fmt.Fprintf(b, "| %s | %s | %s |\n", cell(t.Schema+"."+t.Name), rls, cell(strings.Join(ps, ", ")))
	}
	b.WriteString("\n")
}

func writeStorage(b *strings.Builder, res *scanner.StorageResult) {
	b.WriteString("## Storage\n\n")
	if !res.Available {
		b.WriteString("This project has no storage schema.\n\n")
		return
	}
	fmt.Fprintf(b, "RLS on storage.objects: **%t**, %d polic(ies).\n\n", res.ObjectsRLSEnabled, len(res.Policies))
	if len(res.Buckets) == 0 {
		return
	}
	b.WriteString("| Bucket | Public | Issues |\n|---|---|---|\n")
	for _, bk := range res.Buckets {
		fmt.Fprintf(b, "| %s | %t | %s |\n", cell(bk.Name), bk.Public, cell(strings.Join(bk.Issues, "; ")))
	}
	b.WriteString("\n")
}

func objectName(is model.Issue) string {
	name := is.Schema + "." + is.Table
	switch {
	case is.Policy != "":
		name += " / " + is.Policy
	case is.Bucket != "":
		name += " [" + is.Bucket + "]"
	}
	return name
}

// cell makes text safe inside a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
