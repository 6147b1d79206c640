// Package evidence looks up web search results for organisation names so
// the oracle can be given context on a second refinement pass.
package evidence

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/resilience"
)

// Provider names.
const (
	ProviderJina       = "jina"
	ProviderPerplexity = "perplexity"
	ProviderNone       = "none"
)

// Provider returns web evidence for one organisation name.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, name, postcode string) ([]model.Evidence, error)
}

// Cache persists lookups across runs.
type Cache interface {
	// GetEvidence returns nil, nil on a miss or an expired entry.
	GetEvidence(ctx context.Context, provider, name string) (*model.EvidenceCache, error)
	SetEvidence(ctx context.Context, provider, name string, results []model.Evidence, ttl time.Duration) error
}

// Options configures the middleware wrapped around a backend.
type Options struct {
	MaxResults int
	Timeout    time.Duration
	RatePerSec float64
	Retry      resilience.Policy
	CacheTTL   time.Duration
}

// Wrap layers caching, retries, per-call timeouts and rate limiting
// around backend. A nil cache disables caching.
func Wrap(backend Provider, cache Cache, opts Options) Provider {
	var p Provider = backend
	if opts.RatePerSec > 0 {
		p = NewLimited(p, opts.RatePerSec)
	}
	p = &Retrying{next: p, policy: opts.Retry, timeout: opts.Timeout}
	if cache != nil {
		p = &Cached{next: p, cache: cache, ttl: opts.CacheTTL, minResults: opts.MaxResults}
	}
	return p
}

// None is a provider that never returns evidence.
type None struct{}

// Name implements Provider.
func (None) Name() string { return ProviderNone }

// Lookup implements Provider.
func (None) Lookup(context.Context, string, string) ([]model.Evidence, error) { return nil, nil }

// Query builds the search text for a name and optional postcode.
func Query(name, postcode string) string {
	return strings.TrimSpace(name + " " + postcode)
}

// Gather looks up every name and returns the evidence keyed by name.
// Lookup failures degrade to no evidence for that name and are counted.
func Gather(ctx context.Context, p Provider, names []string, postcodes map[string]string) (map[string][]model.Evidence, int) {
	out := make(map[string][]model.Evidence, len(names))
	failed := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if _, ok := out[name]; ok {
			continue
		}
		results, err := p.Lookup(ctx, name, postcodes[name])
		if err != nil {
			failed++
			zap.L().Warn("evidence: lookup failed, continuing without evidence",
				zap.String("provider", p.Name()),
				zap.String("name", name),
				zap.Error(err),
			)
			results = nil
		}
		out[name] = results
	}
	return out, failed
}
