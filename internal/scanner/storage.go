package scanner

import (
	"context"

	"github.com/jamesruggles/rlsguard/internal/model"
)

type BucketReport struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Public bool     `json:"public"`
	Issues []string `json:"issues"`
}

type StoragePolicy struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

type StorageResult struct {
	Available         bool            `json:"available"`
	Buckets           []BucketReport  `json:"buckets"`
	ObjectsRLSEnabled bool            `json:"objectsRLSEnabled"`
	Policies          []StoragePolicy `json:"policies"`
	Issues            []model.Issue   `json:"issues"`
	Summary           model.Summary   `json:"summary"`
}

func (r *StorageResult) IssueList() []model.Issue { return r.Issues }
func (r *StorageResult) Totals() model.Summary    { return r.Summary }

func runStorage(ctx context.Context, cat Catalog) (*StorageResult, error) {
	state, err := cat.Storage(ctx)
	if err != nil {
		return nil, err
	}
	return Storage(state), nil
}

// Storage evaluates each bucket. A nil state means the project has no storage
// schema and yields an empty result.
func Storage(state *StorageState) *StorageResult {
	res := &StorageResult{Buckets: []BucketReport{}, Policies: []StoragePolicy{}, Issues: []model.Issue{}}
	if state == nil {
		return res
	}
	res.Available = true
	res.ObjectsRLSEnabled = state.ObjectsRLSEnabled
	for _, p := range state.Policies {
		res.Policies = append(res.Policies, StoragePolicy{Name: p.Name, Command: p.Command()})
	}

	for _, b := range state.Buckets {
		report := BucketReport{ID: b.ID, Name: b.Name, Public: b.Public, Issues: []string{}}
		add := func(sev model.Severity, text, rec string) {
			report.Issues = append(report.Issues, text)
			res.Issues = append(res.Issues, model.Issue{
				Severity:       sev,
				Schema:         "storage",
				Table:          "objects",
				Bucket:         b.Name,
				Issue:          text,
				Recommendation: rec,
			})
		}
		if b.Public {
			add(model.SeverityHigh, "Bucket is publicly accessible",
				"Make the bucket private unless its contents are meant to be world-readable.")
		}
		if !state.ObjectsRLSEnabled {
			add(model.SeverityCritical, "RLS not enabled on storage objects",
				"ALTER TABLE storage.objects ENABLE ROW LEVEL SECURITY;")
		}
		if len(state.Policies) == 0 {
			add(model.SeverityMedium, "No storage policies defined",
				"Create policies on storage.objects scoped by bucket_id.")
		}
		res.Buckets = append(res.Buckets, report)
	}

	res.Summary = model.SummarizeIssues(res.Issues)
	return res
}
