package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/store"
)

// RetryFailures re-runs refine through persist for the candidate sets of
// every unresolved failure. It reuses the canonical entries of the most
// recent run that has them and settles every retried failure entry; sets
// that fail again are recorded under the retry run. A nil report means
// there was nothing to retry.
func (p *Pipeline) RetryFailures(ctx context.Context) (*model.RunReport, error) {
	failures, err := p.store.ListFailures(ctx, store.FailureFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list failures")
	}
	if len(failures) == 0 {
		zap.L().Info("pipeline: no failures to retry")
		return nil, nil
	}

	canonical, source, err := p.latestCanonical(ctx)
	if err != nil {
		return nil, err
	}

	run, err := p.store.CreateRun(ctx, p.cfg.Blocking.Threshold, model.DataModeAll)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create retry run")
	}
	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("pipeline: retrying failures",
		zap.Int("failures", len(failures)),
		zap.String("source_run", source),
	)

	// One set per focal key; later failures of the same set add nothing.
	seen := make(map[string]bool)
	block := &BlockOutput{}
	for _, f := range failures {
		if seen[f.Set.Focal] {
			continue
		}
		seen[f.Set.Focal] = true
		block.Sets = append(block.Sets, f.Set)
	}
	block.Proposed = len(block.Sets)

	st := &runState{
		run:       run,
		threshold: run.Threshold,
		mode:      model.DataModeAll,
		canonical: canonical,
		block:     block,
	}
	if err := saveCheckpoint(ctx, p.store, run.ID, model.StageCanonicalize, canonical); err != nil {
		return nil, err
	}
	if err := saveCheckpoint(ctx, p.store, run.ID, model.StageBlock, block); err != nil {
		return nil, err
	}

	report, err := p.execute(ctx, st, model.StageRefine)
	if err != nil {
		return nil, err
	}

	// Sets that failed again were recorded afresh under the retry run, so
	// every original entry is settled.
	ids := make([]int64, len(failures))
	for i, f := range failures {
		ids[i] = f.ID
	}
	if err := p.store.ResolveFailures(ctx, ids); err != nil {
		return nil, eris.Wrap(err, "pipeline: resolve failures")
	}
	log.Info("pipeline: retry complete",
		zap.Int("retried", len(block.Sets)),
		zap.Int("still_failing", len(st.refine.Failures)),
	)
	return report, nil
}

// latestCanonical finds the newest run with a canonicalize checkpoint.
func (p *Pipeline) latestCanonical(ctx context.Context) (*CanonicalOutput, string, error) {
	runs, err := p.store.ListRuns(ctx, store.RunFilter{})
	if err != nil {
		return nil, "", eris.Wrap(err, "pipeline: list runs")
	}
	for _, r := range runs {
		out, err := loadCheckpoint[CanonicalOutput](ctx, p.store, r.ID, model.StageCanonicalize)
		if errors.Is(err, ErrMissingCheckpoint) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return out, r.ID, nil
	}
	return nil, "", eris.Wrap(ErrMissingCheckpoint, "no run has canonical entries to retry against")
}
