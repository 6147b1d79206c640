package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/store"
)

var (
	// ErrMissingCheckpoint is returned when a resumed stage needs the
	// output of a stage that never completed.
	ErrMissingCheckpoint = eris.New("pipeline: missing checkpoint")
	// ErrInvalidCheckpoint is returned when a stored stage output does not
	// decode into its typed form or fails validation.
	ErrInvalidCheckpoint = eris.New("pipeline: invalid checkpoint")
)

// DiffOutput is the merged record universe with new flags set.
type DiffOutput struct {
	Records  []model.Record `json:"records"`
	Incoming int            `json:"incoming"`
	New      int            `json:"new"`
}

// Validate implements checkpoint.
func (o *DiffOutput) Validate() error {
	for i, r := range o.Records {
		if err := r.Validate(); err != nil {
			return eris.Wrapf(err, "record %d", i)
		}
	}
	return nil
}

// CanonicalOutput pairs each de-duplicated record with its canonical key.
type CanonicalOutput struct {
	Entries    []model.Entry `json:"entries"`
	Duplicates int           `json:"duplicates"`
	Dropped    int           `json:"dropped"`
}

// Validate implements checkpoint.
func (o *CanonicalOutput) Validate() error {
	for i, e := range o.Entries {
		if e.Key == "" {
			return eris.Errorf("entry %d: empty key", i)
		}
		if err := e.Record.Validate(); err != nil {
			return eris.Wrapf(err, "entry %d", i)
		}
	}
	return nil
}

// IdenticalOutput lists the canonical keys shared by two or more records.
type IdenticalOutput struct {
	Keys []string `json:"keys"`
}

// Validate implements checkpoint.
func (o *IdenticalOutput) Validate() error {
	seen := make(map[string]bool, len(o.Keys))
	for _, k := range o.Keys {
		if k == "" || seen[k] {
			return eris.Errorf("identical key %q empty or repeated", k)
		}
		seen[k] = true
	}
	return nil
}

// BlockOutput holds the candidate sets that proceed to refinement and the
// identical-name keys that go straight to the merger.
type BlockOutput struct {
	Sets      []model.CandidateSet `json:"sets"`
	Direct    []string             `json:"direct"`
	Proposed  int                  `json:"proposed"`
	Filtered  int                  `json:"filtered"`
	NoNewData bool                 `json:"no_new_data"`
}

// Validate implements checkpoint.
func (o *BlockOutput) Validate() error {
	for _, s := range o.Sets {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	for _, k := range o.Direct {
		if k == "" {
			return eris.New("empty direct key")
		}
	}
	return nil
}

// RefineOutput holds one resolved group per candidate set plus the sets
// whose refinement failed.
type RefineOutput struct {
	Groups         []model.ResolvedGroup `json:"groups"`
	Failures       []model.Failure       `json:"failures"`
	Calls          int                   `json:"calls"`
	Malformed      int                   `json:"malformed"`
	Failed         int                   `json:"failed"`
	Unsure         int                   `json:"unsure"`
	SecondPass     int                   `json:"second_pass"`
	LowConfidence  int                   `json:"low_confidence"`
	EvidenceErrors int                   `json:"evidence_errors"`
}

// Validate implements checkpoint.
func (o *RefineOutput) Validate() error {
	return validateGroups(o.Groups, false)
}

// GroupsOutput is the output of the merge, classify and finalize stages.
type GroupsOutput struct {
	Groups []model.ResolvedGroup `json:"groups"`
	// Classified and Errors are set by classify, Skipped by finalize.
	Classified int `json:"classified,omitempty"`
	Errors     int `json:"errors,omitempty"`
	Skipped    int `json:"skipped,omitempty"`
}

// Validate implements checkpoint. Merged groups never share a name.
func (o *GroupsOutput) Validate() error {
	return validateGroups(o.Groups, true)
}

// PersistOutput summarises the store upsert.
type PersistOutput struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Merged    int `json:"merged"`
	Skipped   int `json:"skipped"`
}

// Validate implements checkpoint.
func (o *PersistOutput) Validate() error { return nil }

func validateGroups(groups []model.ResolvedGroup, disjoint bool) error {
	owner := make(map[string]int)
	for i, g := range groups {
		if err := g.Validate(); err != nil {
			return eris.Wrapf(err, "group %d", i)
		}
		if !disjoint {
			continue
		}
		for _, n := range g.Names {
			if j, ok := owner[n]; ok {
				return eris.Errorf("name %q in groups %d and %d", n, j, i)
			}
			owner[n] = i
		}
	}
	return nil
}

type checkpoint interface {
	Validate() error
}

func saveCheckpoint(ctx context.Context, st store.Store, runID string, stage model.Stage, out checkpoint) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return eris.Wrapf(err, "pipeline: marshal %s checkpoint", stage)
	}
	return st.SaveCheckpoint(ctx, runID, stage, payload)
}

// loadCheckpoint reads and validates the typed output of stage.
func loadCheckpoint[T any, PT interface {
	*T
	checkpoint
}](ctx context.Context, st store.Store, runID string, stage model.Stage) (PT, error) {
	payload, err := st.LoadCheckpoint(ctx, runID, stage)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrMissingCheckpoint, "stage %s of run %s", stage, runID)
	}
	if err != nil {
		return nil, err
	}

	out := PT(new(T))
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return nil, eris.Wrapf(ErrInvalidCheckpoint, "stage %s of run %s: %v", stage, runID, err)
	}
	if dec.More() {
		return nil, eris.Wrapf(ErrInvalidCheckpoint, "stage %s of run %s: trailing data", stage, runID)
	}
	if err := out.Validate(); err != nil {
		return nil, eris.Wrapf(ErrInvalidCheckpoint, "stage %s of run %s: %v", stage, runID, err)
	}
	return out, nil
}
