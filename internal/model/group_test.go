package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateSetValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, CandidateSet{Focal: "a", Candidates: []string{"b", "c"}}.Validate())
	assert.Error(t, CandidateSet{Candidates: []string{"b"}}.Validate())
	assert.Error(t, CandidateSet{Focal: "a"}.Validate())
	assert.ErrorContains(t, CandidateSet{Focal: "a", Candidates: []string{"b", "a"}}.Validate(), "duplicate")
	assert.Equal(t, []string{"a", "b"}, CandidateSet{Focal: "a", Candidates: []string{"b"}}.Keys())
}

func TestResolvedGroupValidate(t *testing.T) {
	t.Parallel()

	g := ResolvedGroup{
		Names:      []string{"acme", "acme corp"},
		Confidence: ConfidenceSure,
		Items: []Item{
			{OrgName: "acme", Dataset: "a", UniqueID: "1"},
			{OrgName: "acme corp", Dataset: "b", UniqueID: "1"},
		},
	}
	require.NoError(t, g.Validate())

	dup := g
	dup.Items = append([]Item{}, g.Items...)
	dup.Items = append(dup.Items, Item{OrgName: "acme", Dataset: "a", UniqueID: "1"})
	assert.ErrorContains(t, dup.Validate(), "duplicate item")

	foreign := g
	foreign.Items = []Item{{OrgName: "beta", Dataset: "a", UniqueID: "9"}}
	assert.ErrorContains(t, foreign.Validate(), "foreign name")

	bad := g
	bad.Confidence = "maybe"
	assert.Error(t, bad.Validate())

	assert.Error(t, ResolvedGroup{}.Validate())
}

func TestEntityGroupNames(t *testing.T) {
	t.Parallel()

	g := EntityGroup{Items: []Item{
		{OrgName: "acme", Dataset: "a", UniqueID: "1"},
		{OrgName: "acme corp", Dataset: "b", UniqueID: "2"},
		{OrgName: "acme", Dataset: "c", UniqueID: "3"},
	}}
	assert.Equal(t, []string{"acme", "acme corp"}, g.Names())
}
