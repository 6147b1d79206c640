// Package oracle defines the co-reference classifier consulted by the
// pipeline and a Claude-backed implementation of it.
package oracle

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orgsync/internal/model"
)

// ErrMalformedResponse is returned when the classifier answered with
// something other than the expected JSON object.
var ErrMalformedResponse = eris.New("oracle: malformed response")

// Request asks whether the candidates refer to the same organisation as
// the focal name. Evidence is optional and keyed by name.
type Request struct {
	Focal      string
	Candidates []string
	Evidence   map[string][]model.Evidence
}

// Names returns the focal name followed by the candidates.
func (r Request) Names() []string {
	out := make([]string, 0, len(r.Candidates)+1)
	out = append(out, r.Focal)
	return append(out, r.Candidates...)
}

// Verdict is the classifier's answer for one Request.
type Verdict struct {
	Accepted       []string
	Representative string
	Confidence     model.Confidence
}

// Description is the classifier's answer for a merged group.
type Description struct {
	OrganisationType   string
	RepresentativeName string
}

// Oracle judges co-reference between organisation names.
type Oracle interface {
	// Classify returns the subset of names that co-refer with the focal name.
	Classify(ctx context.Context, req Request) (*Verdict, error)
	// Describe names the organisation type and display name for a group.
	Describe(ctx context.Context, names []string, evidence map[string][]model.Evidence) (*Description, error)
}

// ResponseError carries the raw classifier output that failed to parse.
type ResponseError struct {
	Raw string
	Err error
}

func (e *ResponseError) Error() string { return e.Err.Error() }

func (e *ResponseError) Unwrap() error { return e.Err }

// Is makes every ResponseError match ErrMalformedResponse.
func (e *ResponseError) Is(target error) bool { return target == ErrMalformedResponse }

// RawResponse returns the offending response body carried by err, if any.
func RawResponse(err error) string {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Raw
	}
	return ""
}

// Normalize restricts a verdict to names present in the request, removes
// duplicates and always includes the focal name.
func Normalize(req Request, v *Verdict) *Verdict {
	out := &Verdict{Confidence: model.ConfidenceSure}
	if v != nil {
		out.Representative = strings.TrimSpace(v.Representative)
		out.Confidence = v.Confidence
		if !out.Confidence.Valid() {
			out.Confidence = model.ConfidenceUnsure
		}
	}

	allowed := make(map[string]bool, len(req.Candidates)+1)
	for _, n := range req.Names() {
		allowed[n] = true
	}

	seen := map[string]bool{req.Focal: true}
	out.Accepted = []string{req.Focal}
	if v != nil {
		for _, n := range v.Accepted {
			if allowed[n] && !seen[n] {
				seen[n] = true
				out.Accepted = append(out.Accepted, n)
			}
		}
	}
	sort.Strings(out.Accepted)
	return out
}
