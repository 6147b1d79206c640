package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Confidence is the oracle's confidence tier for a verdict.
type Confidence string

const (
	ConfidenceSure   Confidence = "sure"
	ConfidenceUnsure Confidence = "unsure"
)

// Valid reports whether c is a known tier.
func (c Confidence) Valid() bool {
	return c == ConfidenceSure || c == ConfidenceUnsure
}

// CandidateSet is a focal canonical key plus the keys the blocker found
// within the distance threshold.
type CandidateSet struct {
	Focal      string   `json:"focal"`
	Candidates []string `json:"candidates"`
	HasNew     bool     `json:"has_new,omitempty"`
}

// Keys returns the focal key followed by the candidates.
func (c CandidateSet) Keys() []string {
	out := make([]string, 0, len(c.Candidates)+1)
	out = append(out, c.Focal)
	return append(out, c.Candidates...)
}

// Validate checks that the focal key is set and no key repeats.
func (c CandidateSet) Validate() error {
	if c.Focal == "" {
		return eris.New("candidate set: focal key is empty")
	}
	if len(c.Candidates) == 0 {
		return eris.Errorf("candidate set %q: no candidates", c.Focal)
	}
	seen := map[string]bool{c.Focal: true}
	for _, k := range c.Candidates {
		if k == "" {
			return eris.Errorf("candidate set %q: empty candidate key", c.Focal)
		}
		if seen[k] {
			return eris.Errorf("candidate set %q: duplicate key %q", c.Focal, k)
		}
		seen[k] = true
	}
	return nil
}

// ResolvedGroup is the transient result of refining (and later merging)
// candidate sets: the co-referent canonical keys and their items.
type ResolvedGroup struct {
	Names            []string   `json:"names"`
	Representative   string     `json:"representative_name,omitempty"`
	OrganisationType string     `json:"organisation_type,omitempty"`
	Confidence       Confidence `json:"confidence"`
	Items            []Item     `json:"items,omitempty"`
}

// Validate checks the group's structural invariants.
func (g ResolvedGroup) Validate() error {
	if len(g.Names) == 0 {
		return eris.New("resolved group: no names")
	}
	if g.Confidence != "" && !g.Confidence.Valid() {
		return eris.Errorf("resolved group %q: invalid confidence %q", g.Names[0], g.Confidence)
	}
	names := make(map[string]bool, len(g.Names))
	for _, n := range g.Names {
		if n == "" {
			return eris.Errorf("resolved group %q: empty name", g.Names[0])
		}
		names[n] = true
	}
	refs := make(map[ItemRef]bool, len(g.Items))
	for _, it := range g.Items {
		if refs[it.Ref()] {
			return eris.Errorf("resolved group %q: duplicate item %s", g.Names[0], it.Ref())
		}
		refs[it.Ref()] = true
		if !names[it.OrgName] {
			return eris.Errorf("resolved group %q: item %s has foreign name %q", g.Names[0], it.Ref(), it.OrgName)
		}
	}
	return nil
}

// EntityGroup is the persistent, stably identified unit of truth.
type EntityGroup struct {
	ID               string    `json:"group_id"`
	Seq              int64     `json:"seq"`
	Name             string    `json:"name"`
	OrganisationType string    `json:"organisation_type,omitempty"`
	Items            []Item    `json:"items"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Names returns the distinct canonical names of g's items in item order.
func (g EntityGroup) Names() []string {
	seen := make(map[string]bool, len(g.Items))
	var out []string
	for _, it := range g.Items {
		if !seen[it.OrgName] {
			seen[it.OrgName] = true
			out = append(out, it.OrgName)
		}
	}
	return out
}
