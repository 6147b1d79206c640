package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orgsync/internal/model"
)

var (
	recA = model.Record{Dataset: "a", UniqueID: "1", Name: "Acme Corporation"}
	recB = model.Record{Dataset: "b", UniqueID: "2", Name: "Acme Corp"}
	recC = model.Record{Dataset: "a", UniqueID: "3", Name: "Beta Institute"}
)

func TestDiffFirstRun(t *testing.T) {
	t.Parallel()

	res := Diff([]model.Record{recA, recB}, nil)
	require.Len(t, res.Merged, 2)
	assert.True(t, res.Merged[0].IsNew)
	assert.True(t, res.Merged[1].IsNew)
	assert.Len(t, res.New, 2)
}

func TestDiffMarksOnlyUnseenTuples(t *testing.T) {
	t.Parallel()

	res := Diff([]model.Record{recA, recB}, []model.Record{recA})
	require.Len(t, res.Merged, 2)
	assert.False(t, res.Merged[0].IsNew)
	assert.Equal(t, recA.Tuple(), res.Merged[0].Tuple())
	assert.True(t, res.Merged[1].IsNew)
	require.Len(t, res.New, 1)
	assert.Equal(t, recB.Tuple(), res.New[0].Tuple())
}

func TestDiffKeepsBaselineOnlyRecords(t *testing.T) {
	t.Parallel()

	res := Diff([]model.Record{recB}, []model.Record{recA, recC})
	require.Len(t, res.Merged, 3)
	assert.Equal(t, recB.Tuple(), res.Merged[0].Tuple())
	assert.True(t, res.Merged[0].IsNew)
	assert.False(t, res.Merged[1].IsNew)
	assert.False(t, res.Merged[2].IsNew)
}

func TestDiffChangedFieldIsNewRecord(t *testing.T) {
	t.Parallel()

	moved := recA
	moved.Postcode = "AB1 2CD"

	res := Diff([]model.Record{moved}, []model.Record{recA})
	require.Len(t, res.Merged, 2)
	require.Len(t, res.New, 1)
	assert.Equal(t, "AB1 2CD", res.New[0].Postcode)
}

func TestDiffCollapsesDuplicatesAndIgnoresFlags(t *testing.T) {
	t.Parallel()

	stale := recA
	stale.IsNew = true

	res := Diff([]model.Record{recA, recA}, []model.Record{stale})
	require.Len(t, res.Merged, 1)
	assert.False(t, res.Merged[0].IsNew)
	assert.Empty(t, res.New)
}
