package resolve

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// Vector is a sparse, l2-normalised TF-IDF vector. Terms are sorted
// ascending and index into the vocabulary of the Vectorizer that built it.
type Vector struct {
	Terms   []int
	Weights []float64
}

// IsZero reports whether v has no terms.
func (v Vector) IsZero() bool { return len(v.Terms) == 0 }

// Dot returns the inner product of two sparse vectors.
func (v Vector) Dot(o Vector) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(v.Terms) && j < len(o.Terms) {
		switch {
		case v.Terms[i] == o.Terms[j]:
			sum += v.Weights[i] * o.Weights[j]
			i++
			j++
		case v.Terms[i] < o.Terms[j]:
			i++
		default:
			j++
		}
	}
	return sum
}

// CosineDistance returns 1 - cosine similarity, clamped to [0, 2]. A zero
// vector is at distance 1 from everything.
func CosineDistance(a, b Vector) float64 {
	if a.IsZero() || b.IsZero() {
		return 1
	}
	d := 1 - a.Dot(b)
	if d < 1e-9 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}

// Vectorizer fits a vocabulary with smoothed inverse document
// frequencies over a corpus of canonical keys.
type Vectorizer struct {
	vocab map[string]int
	idf   []float64
}

// tokenize splits a canonical key into terms of at least two runes.
func tokenize(doc string) []string {
	fields := strings.Fields(doc)
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// FitVectorizer builds the vocabulary and idf weights for docs. Term ids
// follow sorted term order so fitting is deterministic.
func FitVectorizer(docs []string) *Vectorizer {
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, tok := range tokenize(doc) {
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	terms := make([]string, 0, len(df))
	for t := range df {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	n := float64(len(docs))
	v := &Vectorizer{vocab: make(map[string]int, len(terms)), idf: make([]float64, len(terms))}
	for i, t := range terms {
		v.vocab[t] = i
		v.idf[i] = math.Log((1+n)/(1+float64(df[t]))) + 1
	}
	return v
}

// VocabularySize returns the number of fitted terms.
func (v *Vectorizer) VocabularySize() int { return len(v.idf) }

// Transform returns the l2-normalised TF-IDF vector of doc using raw
// term counts. Unknown terms are ignored.
func (v *Vectorizer) Transform(doc string) Vector {
	counts := make(map[int]float64)
	for _, tok := range tokenize(doc) {
		if id, ok := v.vocab[tok]; ok {
			counts[id]++
		}
	}
	if len(counts) == 0 {
		return Vector{}
	}

	vec := Vector{Terms: make([]int, 0, len(counts))}
	for id := range counts {
		vec.Terms = append(vec.Terms, id)
	}
	sort.Ints(vec.Terms)

	vec.Weights = make([]float64, len(vec.Terms))
	var norm float64
	for i, id := range vec.Terms {
		w := counts[id] * v.idf[id]
		vec.Weights[i] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	for i := range vec.Weights {
		vec.Weights[i] /= norm
	}
	return vec
}
