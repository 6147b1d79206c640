package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Stage names one step of a resolution run.
type Stage string

const (
	StageDiff         Stage = "diff"
	StageCanonicalize Stage = "canonicalize"
	StageIdentical    Stage = "identical"
	StageBlock        Stage = "block"
	StageRefine       Stage = "refine"
	StageMerge        Stage = "merge"
	StageClassify     Stage = "classify"
	StageFinalize     Stage = "finalize"
	StagePersist      Stage = "persist"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageDiff,
	StageCanonicalize,
	StageIdentical,
	StageBlock,
	StageRefine,
	StageMerge,
	StageClassify,
	StageFinalize,
	StagePersist,
}

// Index returns the position of s in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStage converts a stage name into a Stage.
func ParseStage(name string) (Stage, error) {
	if name == "" {
		return StageDiff, nil
	}
	s := Stage(name)
	if s.Index() < 0 {
		return "", eris.Errorf("unknown stage %q", name)
	}
	return s, nil
}

// RunStatus represents the current state of a resolution run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// DataMode selects which candidate sets proceed past blocking.
type DataMode string

const (
	DataModeAll DataMode = "all"
	DataModeNew DataMode = "new"
)

// ParseDataMode validates a data mode name.
func ParseDataMode(name string) (DataMode, error) {
	switch DataMode(name) {
	case "", DataModeAll:
		return DataModeAll, nil
	case DataModeNew:
		return DataModeNew, nil
	}
	return "", eris.Errorf("unknown data mode %q", name)
}

// Run is one execution of the pipeline.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	LastStage Stage      `json:"last_stage,omitempty"`
	Threshold float64    `json:"threshold"`
	DataMode  DataMode   `json:"data_mode"`
	Error     string     `json:"error,omitempty"`
	Report    *RunReport `json:"report,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StageTiming records how long a stage took.
type StageTiming struct {
	Stage      Stage `json:"stage"`
	DurationMs int64 `json:"duration_ms"`
}

// RunReport holds the user-visible per-stage counts of a run.
type RunReport struct {
	RunID string `json:"run_id"`

	Records    int `json:"records"`
	NewRecords int `json:"new_records"`

	CanonicalKeys   int `json:"canonical_keys"`
	DuplicateTuples int `json:"duplicate_tuples"`
	IdenticalGroups int `json:"identical_groups"`

	CandidateSets int  `json:"candidate_sets"`
	FilteredSets  int  `json:"filtered_sets"`
	NoNewData     bool `json:"no_new_data,omitempty"`

	OracleCalls     int `json:"oracle_calls"`
	OracleMalformed int `json:"oracle_malformed"`
	OracleFailures  int `json:"oracle_failures"`
	Unsure          int `json:"unsure"`
	SecondPass      int `json:"second_pass"`
	LowConfidence   int `json:"low_confidence"`
	EvidenceErrors  int `json:"evidence_errors"`

	ResolvedGroups int `json:"resolved_groups"`
	MergedGroups   int `json:"merged_groups"`
	Classified     int `json:"classified"`
	ClassifyErrors int `json:"classify_errors"`

	GroupsCreated   int `json:"groups_created"`
	GroupsUpdated   int `json:"groups_updated"`
	GroupsUnchanged int `json:"groups_unchanged"`
	GroupsMerged    int `json:"groups_merged"`
	GroupsSkipped   int `json:"groups_skipped"`

	Failures []Failure    `json:"failures,omitempty"`
	Stages   []StageTiming `json:"stages,omitempty"`
}

// Failure is a candidate set whose oracle refinement failed after all
// retries. Its candidates fell out of every group for that run.
type Failure struct {
	ID         int64        `json:"id"`
	RunID      string       `json:"run_id"`
	Set        CandidateSet `json:"candidate_set"`
	Error      string       `json:"error"`
	Kind       string       `json:"kind"`
	Attempts   int          `json:"attempts"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}
