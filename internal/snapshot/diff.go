package snapshot

import (
	"fmt"
	"sort"
)

type ChangeKind string

const (
	Added    ChangeKind = "added"
	Removed  ChangeKind = "removed"
	Modified ChangeKind = "modified"
)

type Change struct {
	Kind   ChangeKind `json:"type"`
	Object string     `json:"object"`
	Schema string     `json:"schema"`
	Table  string     `json:"table"`
	Policy string     `json:"policy,omitempty"`
	Detail string     `json:"detail"`
}

type DiffSummary struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
}

type DiffResult struct {
	Changes []Change    `json:"changes"`
	Summary DiffSummary `json:"summary"`
}

type policyKey struct{ schema, table, name string }

type tableKey struct{ schema, name string }

func (k policyKey) less(o policyKey) bool {
	if k.schema != o.schema {
		return k.schema < o.schema
	}
	if k.table != o.table {
		return k.table < o.table
	}
	return k.name < o.name
}

// Diff reports policies added or removed between prev and cur, and tables
// present in both whose RLS flag changed. Tables that appear or disappear are
// not reported.
func Diff(prev, cur Data) *DiffResult {
	prevPolicies := indexPolicies(prev.Policies)
	curPolicies := indexPolicies(cur.Policies)

	added := missingFrom(curPolicies, prevPolicies)
	removed := missingFrom(prevPolicies, curPolicies)

	res := &DiffResult{Changes: []Change{}}
	for _, k := range added {
		p := curPolicies[k]
		res.Changes = append(res.Changes, Change{
			Kind: Added, Object: "policy", Schema: k.schema, Table: k.table, Policy: k.name,
			Detail: fmt.Sprintf("Policy %q added (%s)", k.name, p.Command),
		})
	}
	for _, k := range removed {
		p := prevPolicies[k]
		res.Changes = append(res.Changes, Change{
			Kind: Removed, Object: "policy", Schema: k.schema, Table: k.table, Policy: k.name,
			Detail: fmt.Sprintf("Policy %q removed (%s)", k.name, p.Command),
		})
	}

	prevTables := make(map[tableKey]bool, len(prev.Tables))
	for _, t := range prev.Tables {
		prevTables[tableKey{t.Schema, t.Name}] = t.HasRLS
	}
	var modified []TableEntry
	seen := make(map[tableKey]bool, len(cur.Tables))
	for _, t := range cur.Tables {
		k := tableKey{t.Schema, t.Name}
		if seen[k] {
			continue
		}
		seen[k] = true
		if was, ok := prevTables[k]; ok && was != t.HasRLS {
			modified = append(modified, t)
		}
	}
	sort.Slice(modified, func(i, j int) bool {
		if modified[i].Schema != modified[j].Schema {
			return modified[i].Schema < modified[j].Schema
		}
		return modified[i].Name < modified[j].Name
	})
	for _, t := range modified {
		detail := "RLS disabled"
		if t.HasRLS {
			detail = "RLS enabled"
		}
		res.Changes = append(res.Changes, Change{
			Kind: Modified, Object: "table", Schema: t.Schema, Table: t.Name, Detail: detail,
		})
	}

	res.Summary = DiffSummary{Added: len(added), Removed: len(removed), Modified: len(modified)}
	return res
}

func indexPolicies(policies []PolicyEntry) map[policyKey]PolicyEntry {
	m := make(map[policyKey]PolicyEntry, len(policies))
	for _, p := range policies {
		m[policyKey{p.Schema, p.Table, p.Name}] = p
	}
	return m
}

// missingFrom returns the keys of a absent from b, sorted.
func missingFrom(a, b map[policyKey]PolicyEntry) []policyKey {
	var keys []policyKey
	for k := range a {
		if _, ok := b[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}
