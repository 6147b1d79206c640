package resolve

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orgsync/internal/model"
)

func TestBlockThresholdZeroRequiresIdenticalVectors(t *testing.T) {
	t.Parallel()

	sets, err := Block(context.Background(), []string{"acme corp", "ltd acme", "acme ltd"}, BlockOptions{Threshold: 0})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, model.CandidateSet{Focal: "acme ltd", Candidates: []string{"ltd acme"}}, sets[0])
}

func TestBlockThresholdOneAdmitsAllUpToK(t *testing.T) {
	t.Parallel()

	keys := []string{"gamma", "alpha", "delta", "beta"}

	sets, err := Block(context.Background(), keys, BlockOptions{Threshold: 1, Neighbours: 10})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "alpha", sets[0].Focal)
	assert.Equal(t, []string{"beta", "delta", "gamma"}, sets[0].Candidates)

	sets, err = Block(context.Background(), keys, BlockOptions{Threshold: 1, Neighbours: 2})
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, model.CandidateSet{Focal: "alpha", Candidates: []string{"beta", "delta"}}, sets[0])
	assert.Equal(t, model.CandidateSet{Focal: "gamma", Candidates: []string{"alpha", "beta"}}, sets[1])
}

func TestBlockSeparatesUnrelatedNames(t *testing.T) {
	t.Parallel()

	sets, err := Block(context.Background(), []string{"acme corporation", "acme corp", "beta institute"}, BlockOptions{Threshold: 0.7})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "acme corp", sets[0].Focal)
	assert.Equal(t, []string{"acme corporation"}, sets[0].Candidates)
}

func TestBlockSingletonsJoinNoSet(t *testing.T) {
	t.Parallel()

	sets, err := Block(context.Background(), []string{"alpha", "beta"}, BlockOptions{Threshold: 0.5})
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestBlockFocalExclusivity(t *testing.T) {
	t.Parallel()

	keys := blockCorpus()
	sets, err := Block(context.Background(), keys, BlockOptions{Threshold: 0.8, Neighbours: 4})
	require.NoError(t, err)
	require.NotEmpty(t, sets)

	claimed := make(map[string]bool)
	for _, s := range sets {
		require.NoError(t, s.Validate())
		assert.False(t, claimed[s.Focal], "focal %q already placed in an earlier set", s.Focal)
		assert.LessOrEqual(t, len(s.Candidates), 4)
		for _, k := range s.Keys() {
			claimed[k] = true
		}
	}
}

func TestBlockDeterministic(t *testing.T) {
	t.Parallel()

	keys := blockCorpus()
	want, err := Block(context.Background(), keys, BlockOptions{Threshold: 0.8, Workers: 1})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		shuffled := append([]string(nil), keys...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		shuffled = append(shuffled, shuffled[0])

		got, err := Block(context.Background(), shuffled, BlockOptions{Threshold: 0.8, Workers: 8})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestBlockInvalidThreshold(t *testing.T) {
	t.Parallel()

	_, err := Block(context.Background(), []string{"a"}, BlockOptions{Threshold: -0.1})
	assert.Error(t, err)
	_, err = Block(context.Background(), []string{"a"}, BlockOptions{Threshold: 2.5})
	assert.Error(t, err)
}

func TestBlockCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Block(ctx, blockCorpus(), BlockOptions{Threshold: 0.5})
	assert.Error(t, err)
}

func blockCorpus() []string {
	return []string{
		"acme corporation",
		"acme corp",
		"acme corp uk",
		"acme holdings",
		"beta institute",
		"beta institute of technology",
		"institute of technology",
		"university of oxford",
		"oxford university",
		"the university of oxford",
		"university of cambridge",
		"cambridge university press",
		"gamma labs",
		"delta research",
	}
}
