// Package store persists entity groups, runs, stage checkpoints, cached
// evidence and refinement failures.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orgsync/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrInvariant is returned when persisted groups violate the partition
	// invariant. It always indicates a bug and must not be reconciled.
	ErrInvariant = eris.New("store: invariant violation")
)

// GroupFilter specifies criteria for listing groups. A zero Limit returns
// every matching group.
type GroupFilter struct {
	Query  string `json:"q,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// FailureFilter specifies criteria for listing failures.
type FailureFilter struct {
	RunID           string `json:"run_id,omitempty"`
	IncludeResolved bool   `json:"include_resolved,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// UpsertResult summarises one UpsertGroups call.
type UpsertResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	// Merged maps each absorbed group id to its surviving id.
	Merged map[string]string `json:"merged,omitempty"`
	// Groups holds the affected groups in first-touched order.
	Groups []model.EntityGroup `json:"groups"`
}

// Store defines the persistence interface for the resolution pipeline.
type Store interface {
	// Groups
	UpsertGroups(ctx context.Context, groups []model.ResolvedGroup) (*UpsertResult, error)
	GetGroup(ctx context.Context, id string) (*model.EntityGroup, error)
	ListGroups(ctx context.Context, filter GroupFilter) ([]model.EntityGroup, error)
	CountGroups(ctx context.Context) (int, error)
	CheckIntegrity(ctx context.Context) error

	// Runs
	CreateRun(ctx context.Context, threshold float64, mode model.DataMode) (*model.Run, error)
	UpdateRunStage(ctx context.Context, runID string, stage model.Stage) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	CompleteRun(ctx context.Context, runID string, report *model.RunReport) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	LatestRun(ctx context.Context) (*model.Run, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, runID string, stage model.Stage, payload []byte) error
	LoadCheckpoint(ctx context.Context, runID string, stage model.Stage) ([]byte, error)

	// Evidence cache
	GetEvidence(ctx context.Context, provider, name string) (*model.EvidenceCache, error)
	SetEvidence(ctx context.Context, provider, name string, results []model.Evidence, ttl time.Duration) error

	// Failures
	RecordFailures(ctx context.Context, failures []model.Failure) error
	ListFailures(ctx context.Context, filter FailureFilter) ([]model.Failure, error)
	ResolveFailures(ctx context.Context, ids []int64) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
