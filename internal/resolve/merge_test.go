package resolve

import (
	"math/rand"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeTransitive(t *testing.T) {
	t.Parallel()

	got := Merge([][]string{{"a", "b"}, {"b", "c"}, {"d"}, {"e", "f"}, {"f", "a"}})
	assert.Equal(t, [][]string{{"a", "b", "c", "e", "f"}, {"d"}}, got)
}

func TestMergeLateBridge(t *testing.T) {
	t.Parallel()

	got := Merge([][]string{{"a", "b"}, {"c", "d"}, {"b", "c"}})
	assert.Equal(t, [][]string{{"a", "b", "c", "d"}}, got)
}

func TestMergeEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Merge(nil))
	assert.Empty(t, Merge([][]string{{}, {}}))
}

func TestMergeOrderIndependent(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		sets := randomSets(rng, 30, 40)
		want := Merge(sets)

		shuffled := make([][]string, len(sets))
		for i, s := range sets {
			shuffled[i] = append([]string(nil), s...)
			rng.Shuffle(len(shuffled[i]), func(a, b int) { shuffled[i][a], shuffled[i][b] = shuffled[i][b], shuffled[i][a] })
		}
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		assert.Equal(t, want, Merge(shuffled))
	}
}

func TestMergeIdempotent(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(3))
	for round := 0; round < 20; round++ {
		once := Merge(randomSets(rng, 25, 50))
		assert.Equal(t, once, Merge(once))
	}
}

func TestMergePartitionInvariants(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 20; round++ {
		sets := randomSets(rng, 20, 60)
		out := Merge(sets)

		inputUnion := make(map[string]bool)
		for _, s := range sets {
			for _, e := range s {
				inputUnion[e] = true
			}
		}

		seen := make(map[string]int)
		for gi, g := range out {
			for _, e := range g {
				prev, dup := seen[e]
				require.False(t, dup, "%q in output sets %d and %d", e, prev, gi)
				seen[e] = gi
			}
		}
		assert.Len(t, seen, len(inputUnion))

		// Elements of any input set end up together.
		for _, s := range sets {
			for _, e := range s[1:] {
				assert.Equal(t, seen[s[0]], seen[e])
			}
		}
	}
}

func randomSets(rng *rand.Rand, universe, count int) [][]string {
	sets := make([][]string, count)
	for i := range sets {
		n := 1 + rng.Intn(3)
		members := make(map[string]bool)
		for len(members) < n {
			members["k"+strconv.Itoa(rng.Intn(universe))] = true
		}
		for m := range members {
			sets[i] = append(sets[i], m)
		}
		sort.Strings(sets[i])
	}
	return sets
}
