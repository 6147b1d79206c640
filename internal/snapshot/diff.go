// Package snapshot loads dataset snapshots, diffs them against the stored
// baseline, and persists the merged universe for the next run.
package snapshot

import (
	"github.com/sells-group/orgsync/internal/model"
)

// DiffResult is the merged record universe plus the records that are new
// relative to the baseline.
type DiffResult struct {
	Merged []model.Record `json:"merged"`
	New    []model.Record `json:"new"`
}

// Diff marks every record of the new snapshot whose full field tuple is
// absent from the old one as new, and returns the union of both
// snapshots. Identical tuples collapse to one record. The merged universe
// lists new-snapshot records first, in input order, followed by records
// only the baseline carries. A corrected field produces a distinct tuple
// and therefore a new record; the stale variant stays in the universe.
func Diff(newRecords, oldRecords []model.Record) DiffResult {
	old := make(map[model.RecordTuple]bool, len(oldRecords))
	for _, r := range oldRecords {
		old[r.Tuple()] = true
	}

	seen := make(map[model.RecordTuple]bool, len(newRecords)+len(oldRecords))
	res := DiffResult{
		Merged: make([]model.Record, 0, len(newRecords)+len(oldRecords)),
	}
	for _, r := range newRecords {
		t := r.Tuple()
		if seen[t] {
			continue
		}
		seen[t] = true
		rec := t.Record(!old[t])
		res.Merged = append(res.Merged, rec)
		if rec.IsNew {
			res.New = append(res.New, rec)
		}
	}
	for _, r := range oldRecords {
		t := r.Tuple()
		if seen[t] {
			continue
		}
		seen[t] = true
		res.Merged = append(res.Merged, t.Record(false))
	}
	return res
}
