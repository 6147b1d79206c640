package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/resolve"
	"github.com/sells-group/orgsync/internal/snapshot"
)

// stageDiff loads the baseline and the incoming snapshot, marks new
// records and replaces the baseline with the merged universe.
func (p *Pipeline) stageDiff(ctx context.Context, st *runState) ([]zap.Field, error) {
	old, ok, err := p.baseline.Load()
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load baseline")
	}
	if !ok {
		zap.L().Info("pipeline: no baseline, treating every record as new")
	}

	incoming, err := p.source.Records(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load snapshot")
	}
	for i, r := range incoming {
		if err := r.Validate(); err != nil {
			return nil, eris.Wrapf(err, "pipeline: snapshot record %d", i)
		}
	}

	res := snapshot.Diff(incoming, old)
	if err := p.baseline.Save(incoming, res); err != nil {
		return nil, eris.Wrap(err, "pipeline: save baseline")
	}

	st.diff = &DiffOutput{Records: res.Merged, Incoming: len(incoming), New: len(res.New)}
	if err := saveCheckpoint(ctx, p.store, st.run.ID, model.StageDiff, st.diff); err != nil {
		return nil, err
	}
	return []zap.Field{
		zap.Int("incoming", len(incoming)),
		zap.Int("baseline", len(old)),
		zap.Int("records", len(res.Merged)),
		zap.Int("new", len(res.New)),
	}, nil
}

// stageCanonicalize removes duplicate tuples and keys every record.
func (p *Pipeline) stageCanonicalize(ctx context.Context, st *runState) ([]zap.Field, error) {
	if err := p.needDiff(ctx, st); err != nil {
		return nil, err
	}

	recs, dups := resolve.DedupRecords(st.diff.Records)
	entries, dropped := resolve.CanonicalEntries(recs)
	if dropped > 0 {
		zap.L().Warn("pipeline: records without a usable name dropped", zap.Int("count", dropped))
	}

	st.canonical = &CanonicalOutput{Entries: entries, Duplicates: dups, Dropped: dropped}
	st.index = nil
	if err := saveCheckpoint(ctx, p.store, st.run.ID, model.StageCanonicalize, st.canonical); err != nil {
		return nil, err
	}
	return []zap.Field{
		zap.Int("entries", len(entries)),
		zap.Int("keys", len(st.keyIndex())),
		zap.Int("duplicates", dups),
		zap.Int("dropped", dropped),
	}, nil
}

// stageIdentical records the canonical keys shared by several records.
func (p *Pipeline) stageIdentical(ctx context.Context, st *runState) ([]zap.Field, error) {
	if err := p.needCanonical(ctx, st); err != nil {
		return nil, err
	}

	groups := resolve.IdenticalGroups(st.keyIndex())
	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = g.Key
	}

	st.identical = &IdenticalOutput{Keys: keys}
	if err := saveCheckpoint(ctx, p.store, st.run.ID, model.StageIdentical, st.identical); err != nil {
		return nil, err
	}
	return []zap.Field{zap.Int("identical_groups", len(keys))}, nil
}

// stageBlock proposes candidate sets and, in new-data mode, keeps only
// those touching a new record.
func (p *Pipeline) stageBlock(ctx context.Context, st *runState) ([]zap.Field, error) {
	if err := p.needCanonical(ctx, st); err != nil {
		return nil, err
	}
	if err := p.needIdentical(ctx, st); err != nil {
		return nil, err
	}
	idx := st.keyIndex()

	sets, err := resolve.Block(ctx, idx.Keys(), resolve.BlockOptions{
		Threshold:  st.threshold,
		Neighbours: p.cfg.Blocking.Neighbours,
		Workers:    p.cfg.Blocking.Workers,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: block")
	}

	for i := range sets {
		sets[i].HasNew = idx.HasNew(sets[i].Keys())
	}

	out := &BlockOutput{Proposed: len(sets)}
	for _, s := range sets {
		if st.mode == model.DataModeNew && !s.HasNew {
			out.Filtered++
			continue
		}
		out.Sets = append(out.Sets, s)
	}
	// Identical-name keys are groups in their own right, even when the
	// oracle later rejects them as someone else's candidate.
	for _, k := range st.identical.Keys {
		if st.mode == model.DataModeNew && !idx.HasNew([]string{k}) {
			continue
		}
		out.Direct = append(out.Direct, k)
	}
	out.NoNewData = st.mode == model.DataModeNew && len(out.Sets) == 0 && len(out.Direct) == 0

	st.block = out
	if err := saveCheckpoint(ctx, p.store, st.run.ID, model.StageBlock, out); err != nil {
		return nil, err
	}
	return []zap.Field{
		zap.Int("candidate_sets", len(sets)),
		zap.Int("kept", len(out.Sets)),
		zap.Int("filtered", out.Filtered),
		zap.Int("direct", len(out.Direct)),
	}, nil
}
