package resolve

import (
	"sort"

	"github.com/sells-group/orgsync/internal/model"
)

// DedupRecords collapses records with identical field tuples, keeping the
// first occurrence. A collapsed record is new if any of its copies was.
// It returns the survivors in input order and the number removed.
func DedupRecords(records []model.Record) ([]model.Record, int) {
	pos := make(map[model.RecordTuple]int, len(records))
	out := make([]model.Record, 0, len(records))
	for _, r := range records {
		if i, ok := pos[r.Tuple()]; ok {
			out[i].IsNew = out[i].IsNew || r.IsNew
			continue
		}
		pos[r.Tuple()] = len(out)
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

// CanonicalEntries pairs each record with its canonical key. Records
// whose key is empty (names made only of punctuation) are dropped and
// counted.
func CanonicalEntries(records []model.Record) ([]model.Entry, int) {
	out := make([]model.Entry, 0, len(records))
	dropped := 0
	for _, r := range records {
		key := Canonicalize(r)
		if key == "" {
			dropped++
			continue
		}
		out = append(out, model.Entry{Key: key, Record: r})
	}
	return out, dropped
}

// KeyIndex maps canonical keys to the entries that carry them.
type KeyIndex map[string][]model.Entry

// IndexEntries builds a KeyIndex preserving entry order within each key.
func IndexEntries(entries []model.Entry) KeyIndex {
	idx := make(KeyIndex)
	for _, e := range entries {
		idx[e.Key] = append(idx[e.Key], e)
	}
	return idx
}

// Keys returns the distinct keys of idx in sorted order.
func (idx KeyIndex) Keys() []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Items returns the group items for the given keys, in key order, with
// duplicate (dataset, unique_id) pairs removed.
func (idx KeyIndex) Items(keys []string) []model.Item {
	seen := make(map[model.ItemRef]bool)
	var out []model.Item
	for _, k := range keys {
		for _, e := range idx[k] {
			it := e.Item()
			if seen[it.Ref()] {
				continue
			}
			seen[it.Ref()] = true
			out = append(out, it)
		}
	}
	return out
}

// HasNew reports whether any record under the given keys is new.
func (idx KeyIndex) HasNew(keys []string) bool {
	for _, k := range keys {
		for _, e := range idx[k] {
			if e.Record.IsNew {
				return true
			}
		}
	}
	return false
}

// IdenticalGroup is a canonical key shared by two or more records.
type IdenticalGroup struct {
	Key     string        `json:"key"`
	Entries []model.Entry `json:"entries"`
}

// IdenticalGroups returns the keys of idx carrying at least two records,
// sorted by key. Singletons are left for the blocker.
func IdenticalGroups(idx KeyIndex) []IdenticalGroup {
	var out []IdenticalGroup
	for _, k := range idx.Keys() {
		if len(idx[k]) >= 2 {
			out = append(out, IdenticalGroup{Key: k, Entries: idx[k]})
		}
	}
	return out
}
