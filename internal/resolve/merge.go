package resolve

import "sort"

// disjointSet is a union-find over dense integer ids.
type disjointSet struct {
	parent []int
	rank   []int
}

func (d *disjointSet) add() int {
	id := len(d.parent)
	d.parent = append(d.parent, id)
	d.rank = append(d.rank, 0)
	return id
}

func (d *disjointSet) find(x int) int {
	for d.parent[x] != x {
		d.parent[x] = d.parent[d.parent[x]]
		x = d.parent[x]
	}
	return x
}

func (d *disjointSet) union(a, b int) {
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	switch {
	case d.rank[ra] < d.rank[rb]:
		d.parent[ra] = rb
	case d.rank[ra] > d.rank[rb]:
		d.parent[rb] = ra
	default:
		d.parent[rb] = ra
		d.rank[ra]++
	}
}

// Merge computes the transitive closure of overlapping sets: every input
// element appears in exactly one output set, and two elements share an
// output set iff a chain of input sets links them. Output sets are sorted
// and ordered by their smallest element, so the result does not depend on
// input order. Empty input sets contribute nothing.
func Merge(sets [][]string) [][]string {
	var ds disjointSet
	ids := make(map[string]int)
	var names []string

	for _, set := range sets {
		first := -1
		for _, name := range set {
			id, ok := ids[name]
			if !ok {
				id = ds.add()
				ids[name] = id
				names = append(names, name)
			}
			if first < 0 {
				first = id
				continue
			}
			ds.union(first, id)
		}
	}

	byRoot := make(map[int][]string)
	for id, name := range names {
		root := ds.find(id)
		byRoot[root] = append(byRoot[root], name)
	}

	out := make([][]string, 0, len(byRoot))
	for _, members := range byRoot {
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
