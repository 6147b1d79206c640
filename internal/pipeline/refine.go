package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/orgsync/internal/evidence"
	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/oracle"
	"github.com/sells-group/orgsync/internal/resilience"
	"github.com/sells-group/orgsync/internal/resolve"
)

// guarded runs one oracle call with retries, the shared circuit breaker
// and a per-attempt timeout.
func guarded[T any](ctx context.Context, p *Pipeline, fn func(ctx context.Context) (T, error)) (T, error) {
	return resilience.Retry(ctx, p.retry, func(ctx context.Context) (T, error) {
		return resilience.Call(ctx, p.breaker, func(ctx context.Context) (T, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			return fn(callCtx)
		})
	})
}

// refineResult is the outcome of refining one candidate set.
type refineResult struct {
	group     model.ResolvedGroup
	failure   *model.Failure
	calls     int
	malformed bool
	unsure    bool
	second    bool
	low       bool
	evErrors  int
}

// stageRefine asks the oracle which candidates co-refer with each focal
// key. Calls run on a bounded worker pool; results keep set order.
func (p *Pipeline) stageRefine(ctx context.Context, st *runState) ([]zap.Field, error) {
	if err := p.needCanonical(ctx, st); err != nil {
		return nil, err
	}
	if err := p.needBlock(ctx, st); err != nil {
		return nil, err
	}

	out, err := p.refineSets(ctx, st.run.ID, st.block.Sets, firstPostcodes(st.keyIndex()))
	if err != nil {
		return nil, err
	}
	p.logUsage(model.StageRefine)

	if len(out.Failures) > 0 {
		if err := p.store.RecordFailures(ctx, out.Failures); err != nil {
			return nil, eris.Wrap(err, "pipeline: record failures")
		}
	}

	st.refine = out
	if err := saveCheckpoint(ctx, p.store, st.run.ID, model.StageRefine, out); err != nil {
		return nil, err
	}
	return []zap.Field{
		zap.Int("sets", len(st.block.Sets)),
		zap.Int("oracle_calls", out.Calls),
		zap.Int("failed", out.Failed),
		zap.Int("malformed", out.Malformed),
		zap.Int("unsure", out.Unsure),
		zap.Int("low_confidence", out.LowConfidence),
	}, nil
}

func (p *Pipeline) refineSets(ctx context.Context, runID string, sets []model.CandidateSet, postcodes map[string]string) (*RefineOutput, error) {
	results := make([]refineResult, len(sets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Oracle.Concurrency)

	var (
		mu   sync.Mutex
		done int
	)
	for i, set := range sets {
		g.Go(func() error {
			res, err := p.refineOne(gctx, runID, set, postcodes)
			if err != nil {
				return err
			}
			results[i] = res

			mu.Lock()
			done++
			if done%100 == 0 {
				zap.L().Info("pipeline: refine progress",
					zap.Int("completed", done),
					zap.Int("total", len(sets)),
				)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "pipeline: refine")
	}

	out := &RefineOutput{Groups: make([]model.ResolvedGroup, 0, len(results))}
	for _, r := range results {
		out.Groups = append(out.Groups, r.group)
		out.Calls += r.calls
		out.EvidenceErrors += r.evErrors
		if r.failure != nil {
			out.Failures = append(out.Failures, *r.failure)
			out.Failed++
		}
		if r.malformed {
			out.Malformed++
		}
		if r.unsure {
			out.Unsure++
		}
		if r.second {
			out.SecondPass++
		}
		if r.low {
			out.LowConfidence++
		}
	}
	return out, nil
}

// refineOne classifies a single candidate set. Oracle failures degrade to
// a focal-only group and a recorded failure; only cancellation is returned.
func (p *Pipeline) refineOne(ctx context.Context, runID string, set model.CandidateSet, postcodes map[string]string) (refineResult, error) {
	var res refineResult
	req := oracle.Request{Focal: set.Focal, Candidates: set.Candidates}
	names := req.Names()

	_, noEvidence := p.evidence.(evidence.None)
	if p.cfg.Oracle.EvidenceFirstPass && !noEvidence {
		ev, failed := evidence.Gather(ctx, p.evidence, names, postcodes)
		req.Evidence = ev
		res.evErrors += failed
	}

	res.calls++
	v, err := guarded(ctx, p, func(ctx context.Context) (*oracle.Verdict, error) {
		return p.oracle.Classify(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.failure, res.malformed = p.degrade(runID, set, err)
		fallback := oracle.Normalize(req, nil)
		res.group = model.ResolvedGroup{
			Names:      fallback.Accepted,
			Confidence: fallback.Confidence,
		}
		return res, nil
	}

	verdict := oracle.Normalize(req, v)
	if verdict.Confidence == model.ConfidenceUnsure {
		res.unsure = true
		verdict = p.secondPass(ctx, &res, req, verdict, postcodes, noEvidence)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}

	res.group = model.ResolvedGroup{
		Names:          verdict.Accepted,
		Representative: verdict.Representative,
		Confidence:     verdict.Confidence,
	}
	return res, nil
}

// secondPass re-asks the oracle with evidence for an unsure verdict. The
// first verdict is kept, marked low confidence, when no evidence is
// available or the retry does not settle it.
func (p *Pipeline) secondPass(ctx context.Context, res *refineResult, req oracle.Request, first *oracle.Verdict, postcodes map[string]string, noEvidence bool) *oracle.Verdict {
	if noEvidence {
		res.low = true
		return first
	}

	if req.Evidence == nil {
		ev, failed := evidence.Gather(ctx, p.evidence, req.Names(), postcodes)
		req.Evidence = ev
		res.evErrors += failed
	}

	res.second = true
	res.calls++
	v, err := guarded(ctx, p, func(ctx context.Context) (*oracle.Verdict, error) {
		return p.oracle.Classify(ctx, req)
	})
	if err != nil {
		zap.L().Warn("pipeline: second pass failed, keeping unsure verdict",
			zap.String("focal", req.Focal),
			zap.Error(err),
		)
		res.low = true
		return first
	}

	second := oracle.Normalize(req, v)
	if second.Confidence == model.ConfidenceUnsure {
		res.low = true
	}
	return second
}

// degrade logs a failed oracle call and builds its failure record.
func (p *Pipeline) degrade(runID string, set model.CandidateSet, err error) (*model.Failure, bool) {
	malformed := errors.Is(err, oracle.ErrMalformedResponse)
	kind := resilience.ClassifyError(err)
	if malformed {
		kind = "malformed"
	}

	fields := []zap.Field{
		zap.String("focal", set.Focal),
		zap.Int("candidates", len(set.Candidates)),
		zap.String("kind", kind),
		zap.Int("attempts", resilience.Attempts(err)),
		zap.Error(err),
	}
	if raw := oracle.RawResponse(err); raw != "" {
		fields = append(fields, zap.String("response", raw))
	}
	zap.L().Warn("pipeline: oracle call failed, accepting focal name only", fields...)

	return &model.Failure{
		RunID:    runID,
		Set:      set,
		Error:    err.Error(),
		Kind:     kind,
		Attempts: resilience.Attempts(err),
	}, malformed
}

// firstPostcodes returns the first non-empty postcode seen for each key.
func firstPostcodes(idx resolve.KeyIndex) map[string]string {
	out := make(map[string]string, len(idx))
	for key, entries := range idx {
		for _, e := range entries {
			if e.Record.Postcode != "" {
				out[key] = e.Record.Postcode
				break
			}
		}
	}
	return out
}
