package evidence

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/resilience"
)

// Limited throttles calls to a provider with a token bucket.
type Limited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewLimited allows perSec lookups per second with a burst of one.
func NewLimited(next Provider, perSec float64) *Limited {
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSec), 1)}
}

// Name implements Provider.
func (l *Limited) Name() string { return l.next.Name() }

// Lookup waits for a token, then delegates.
func (l *Limited) Lookup(ctx context.Context, name, postcode string) ([]model.Evidence, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "evidence: rate limit wait")
	}
	return l.next.Lookup(ctx, name, postcode)
}

// Retrying retries transient lookup failures with backoff and bounds each
// attempt with a timeout.
type Retrying struct {
	next    Provider
	policy  resilience.Policy
	timeout time.Duration
}

// Name implements Provider.
func (r *Retrying) Name() string { return r.next.Name() }

// Lookup implements Provider.
func (r *Retrying) Lookup(ctx context.Context, name, postcode string) ([]model.Evidence, error) {
	policy := r.policy
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.LogRetry(r.next.Name(), "lookup", zap.String("name", name))
	}
	return resilience.Retry(ctx, policy, func(ctx context.Context) ([]model.Evidence, error) {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return r.next.Lookup(ctx, name, postcode)
	})
}

// Cached serves lookups from a Cache. Entries holding fewer than
// minResults results are fetched again; if that fetch fails the cached
// results are returned.
type Cached struct {
	next       Provider
	cache      Cache
	ttl        time.Duration
	minResults int
}

// Name implements Provider.
func (c *Cached) Name() string { return c.next.Name() }

// Lookup implements Provider.
func (c *Cached) Lookup(ctx context.Context, name, postcode string) ([]model.Evidence, error) {
	entry, err := c.cache.GetEvidence(ctx, c.next.Name(), name)
	if err != nil {
		zap.L().Warn("evidence: cache read failed", zap.String("name", name), zap.Error(err))
		entry = nil
	}
	if entry != nil && len(entry.Results) >= c.minResults {
		return entry.Results, nil
	}

	results, err := c.next.Lookup(ctx, name, postcode)
	if err != nil {
		if entry != nil && len(entry.Results) > 0 {
			return entry.Results, nil
		}
		return nil, err
	}
	if entry != nil && len(entry.Results) > len(results) {
		results = entry.Results
	}

	if err := c.cache.SetEvidence(ctx, c.next.Name(), name, results, c.ttl); err != nil {
		zap.L().Warn("evidence: cache write failed", zap.String("name", name), zap.Error(err))
	}
	return results, nil
}
