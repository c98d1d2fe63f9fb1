package scanner

import (
	"context"
	"math"

	"github.com/jamesruggles/rlsguard/internal/model"
)

type CoveragePolicy struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

type CoverageTable struct {
	Schema   string           `json:"schema"`
	Name     string           `json:"name"`
	HasRLS   bool             `json:"hasRLS"`
	Policies []CoveragePolicy `json:"policies"`
}

// CoverageResult carries stats rather than findings; Issues is always empty.
type CoverageResult struct {
	Tables          []CoverageTable `json:"tables"`
	TotalTables     int             `json:"totalTables"`
	TablesWithRLS   int             `json:"tablesWithRLS"`
	CoveragePercent int             `json:"coveragePercent"`
	Issues          []model.Issue   `json:"issues"`
	Summary         model.Summary   `json:"summary"`
}

func (r *CoverageResult) IssueList() []model.Issue { return r.Issues }
func (r *CoverageResult) Totals() model.Summary    { return r.Summary }

func runCoverage(ctx context.Context, cat Catalog, schemas []string) (*CoverageResult, error) {
	tables, err := cat.Tables(ctx, schemas)
	if err != nil {
		return nil, err
	}
	policies, err := cat.Policies(ctx, schemas)
	if err != nil {
		return nil, err
	}
	return Coverage(tables, policies), nil
}

func Coverage(tables []Table, policies []Policy) *CoverageResult {
	byTable := make(map[[2]string][]CoveragePolicy)
	for _, p := range policies {
		key := [2]string{p.Schema, p.Table}
		byTable[key] = append(byTable[key], CoveragePolicy{Name: p.Name, Command: p.Command()})
	}

	res := &CoverageResult{Tables: make([]CoverageTable, 0, len(tables)), Issues: []model.Issue{}}
	for _, t := range tables {
		ps := byTable[[2]string{t.Schema, t.Name}]
		if ps == nil {
			ps = []CoveragePolicy{}
		}
		res.Tables = append(res.Tables, CoverageTable{Schema: t.Schema, Name: t.Name, HasRLS: t.RLSEnabled, Policies: ps})
		if t.RLSEnabled {
			res.TablesWithRLS++
		}
	}
	res.TotalTables = len(tables)
	res.CoveragePercent = coveragePercent(res.TablesWithRLS, res.TotalTables)
	return res
}

func coveragePercent(withRLS, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(withRLS) / float64(total) * 100))
}
