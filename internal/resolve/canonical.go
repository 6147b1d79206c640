// Package resolve implements the deterministic core of organisation
// entity resolution: canonical keys, exact de-duplication, similarity
// blocking and transitive merging.
package resolve

import (
	"regexp"
	"strings"

	"github.com/sells-group/orgsync/internal/model"
)

var (
	// Unicode whitespace, plus the NEL and information separators that
	// \s alone does not match.
	whitespaceRe = regexp.MustCompile(`[\s\v\p{Z}\x{85}\x{1c}-\x{1f}]+`)
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}_\s\v\p{Z}\x{85}\x{1c}-\x{1f}]+`)
)

// Canonicalize derives the canonical key of a record from its name and
// short name.
func Canonicalize(r model.Record) string {
	parts := make([]string, 0, 2)
	if r.Name != "" {
		parts = append(parts, r.Name)
	}
	if r.ShortName != "" {
		parts = append(parts, r.ShortName)
	}
	return CanonicalizeString(strings.Join(parts, " "))
}

// CanonicalizeString normalizes a raw name:
//  1. Lowercasing
//  2. Collapsing whitespace runs to one space
//  3. Stripping everything that is not a word character or whitespace
//  4. Trimming
//
// Whitespace is collapsed again after stripping so that removed
// punctuation between words ("a - b") cannot leave a double space, which
// keeps the function idempotent.
func CanonicalizeString(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = nonWordRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
