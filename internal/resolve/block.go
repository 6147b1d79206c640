package resolve

import (
	"context"
	"runtime"
	"sort"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/orgsync/internal/model"
)

// DefaultNeighbours is the number of nearest neighbours considered per key.
const DefaultNeighbours = 10

// BlockOptions configures candidate blocking.
type BlockOptions struct {
	// Threshold is the maximum cosine distance for a neighbour to count
	// as a candidate. 0 requires identical vectors, 1 admits orthogonal ones.
	Threshold float64
	// Neighbours bounds how many other keys are examined per key.
	Neighbours int
	// Workers bounds parallel neighbourhood computation; 0 means GOMAXPROCS.
	Workers int
}

// Neighbour is one key within a neighbourhood.
type Neighbour struct {
	Index    int
	Distance float64
}

// Block proposes candidate sets over keys. Each key's neighbourhood is its
// nearest Neighbours keys within Threshold, ordered by ascending distance
// and then by key order. Keys are assigned to sets in sorted order: a key
// that already belongs to a set (as focal or candidate) is never the focal
// point of another, and keys without qualifying neighbours join no set.
func Block(ctx context.Context, keys []string, opts BlockOptions) ([]model.CandidateSet, error) {
	if opts.Threshold < 0 || opts.Threshold > 2 {
		return nil, eris.Errorf("block: threshold %v out of range [0, 2]", opts.Threshold)
	}
	if opts.Neighbours <= 0 {
		opts.Neighbours = DefaultNeighbours
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	sorted := uniqueSorted(keys)
	hoods, err := Neighbourhoods(ctx, sorted, opts)
	if err != nil {
		return nil, err
	}
	return assign(sorted, hoods), nil
}

// Neighbourhoods computes the thresholded nearest neighbours of every key
// in keys, which must be distinct. Computation is spread across
// opts.Workers goroutines; each writes only its own slot.
func Neighbourhoods(ctx context.Context, keys []string, opts BlockOptions) ([][]Neighbour, error) {
	vz := FitVectorizer(keys)
	vecs := make([]Vector, len(keys))
	for i, k := range keys {
		vecs[i] = vz.Transform(k)
	}

	// Inverted index: keys sharing no term are exactly orthogonal.
	postings := make([][]int, vz.VocabularySize())
	for i, v := range vecs {
		for _, t := range v.Terms {
			postings[t] = append(postings[t], i)
		}
	}

	hoods := make([][]Neighbour, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return eris.Wrap(err, "block: cancelled")
			}
			hoods[i] = neighbourhood(i, vecs, postings, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hoods, nil
}

func neighbourhood(i int, vecs []Vector, postings [][]int, opts BlockOptions) []Neighbour {
	dots := make(map[int]float64)
	for ti, t := range vecs[i].Terms {
		w := vecs[i].Weights[ti]
		for _, j := range postings[t] {
			if j == i {
				continue
			}
			dots[j] += w * vecs[j].Weights[indexOf(vecs[j].Terms, t)]
		}
	}

	var out []Neighbour
	for j, dot := range dots {
		d := 1 - dot
		if d < 1e-9 {
			d = 0
		}
		if d <= opts.Threshold {
			out = append(out, Neighbour{Index: j, Distance: d})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Distance != out[b].Distance {
			return out[a].Distance < out[b].Distance
		}
		return out[a].Index < out[b].Index
	})
	if len(out) >= opts.Neighbours {
		return out[:opts.Neighbours]
	}

	// Orthogonal keys sit at distance 1 and fill the remainder in key order.
	if opts.Threshold >= 1 {
		for j := range vecs {
			if len(out) >= opts.Neighbours {
				break
			}
			if _, shared := dots[j]; shared || j == i {
				continue
			}
			out = append(out, Neighbour{Index: j, Distance: 1})
		}
	}
	return out
}

// assign walks keys in order and turns each unclaimed key with a
// non-empty neighbourhood into a candidate set.
func assign(keys []string, hoods [][]Neighbour) []model.CandidateSet {
	used := make([]bool, len(keys))
	var sets []model.CandidateSet
	for i, key := range keys {
		if used[i] || len(hoods[i]) == 0 {
			continue
		}
		set := model.CandidateSet{Focal: key, Candidates: make([]string, 0, len(hoods[i]))}
		used[i] = true
		for _, n := range hoods[i] {
			set.Candidates = append(set.Candidates, keys[n.Index])
			used[n.Index] = true
		}
		sets = append(sets, set)
	}
	return sets
}

func indexOf(terms []int, t int) int {
	return sort.SearchInts(terms, t)
}

func uniqueSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
