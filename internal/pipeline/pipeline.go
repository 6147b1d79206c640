// Package pipeline sequences a resolution run: diff, canonicalize,
// identical, block, refine, merge, classify, finalize and persist. Every
// stage checkpoints its typed output so a run can resume from any stage.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/config"
	"github.com/sells-group/orgsync/internal/evidence"
	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/oracle"
	"github.com/sells-group/orgsync/internal/resilience"
	"github.com/sells-group/orgsync/internal/resolve"
	"github.com/sells-group/orgsync/internal/snapshot"
	"github.com/sells-group/orgsync/internal/store"
)

// Source supplies the incoming snapshot.
type Source interface {
	Records(ctx context.Context) ([]model.Record, error)
}

// Baseline holds the merged universe of the previous run.
type Baseline interface {
	Load() ([]model.Record, bool, error)
	Save(incoming []model.Record, res snapshot.DiffResult) error
}

// Pipeline orchestrates the stages of a resolution run.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	source   Source
	baseline Baseline
	oracle   oracle.Oracle
	evidence evidence.Provider

	breaker *resilience.Breaker
	retry   resilience.Policy
	timeout time.Duration
}

// New creates a new Pipeline with all dependencies. A nil evidence
// provider disables evidence lookups.
func New(
	cfg *config.Config,
	st store.Store,
	src Source,
	baseline Baseline,
	orc oracle.Oracle,
	ev evidence.Provider,
) *Pipeline {
	if ev == nil {
		ev = evidence.None{}
	}
	timeout := time.Duration(cfg.Oracle.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	bcfg := resilience.BreakerFromConfig(cfg.Oracle.CircuitThreshold, cfg.Oracle.CircuitResetSecs)
	bcfg.OnStateChange = func(from, to resilience.BreakerState) {
		zap.L().Warn("pipeline: oracle circuit breaker",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	retry := resilience.PolicyFromConfig(cfg.Oracle.MaxAttempts, cfg.Oracle.InitialBackoffMs, cfg.Oracle.MaxBackoffMs)
	retry.OnRetry = resilience.LogRetry("oracle", "call")

	return &Pipeline{
		cfg:      cfg,
		store:    st,
		source:   src,
		baseline: baseline,
		oracle:   orc,
		evidence: ev,
		breaker:  resilience.NewBreaker(bcfg),
		retry:    retry,
		timeout:  timeout,
	}
}

// RunOptions selects where a run starts and how it blocks.
type RunOptions struct {
	// StartStage is the first stage to execute; empty means diff.
	StartStage model.Stage
	Threshold  float64
	DataMode   model.DataMode
	// ResumeRun names the run whose checkpoints a later StartStage reads.
	// Empty means the latest run.
	ResumeRun string
}

// runState carries stage outputs, executed or loaded from checkpoints.
type runState struct {
	run       *model.Run
	threshold float64
	mode      model.DataMode

	diff      *DiffOutput
	canonical *CanonicalOutput
	identical *IdenticalOutput
	block     *BlockOutput
	refine    *RefineOutput
	merge     *GroupsOutput
	classify  *GroupsOutput
	finalize  *GroupsOutput
	persist   *PersistOutput

	index resolve.KeyIndex
}

// Run executes a resolution run and returns its report.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*model.RunReport, error) {
	start := opts.StartStage
	if start == "" {
		start = model.StageDiff
	}
	if start.Index() < 0 {
		return nil, eris.Errorf("pipeline: unknown stage %q", start)
	}
	mode := opts.DataMode
	if mode == "" {
		mode = model.DataModeAll
	}

	run, err := p.startRun(ctx, start, opts, mode)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("pipeline: starting run",
		zap.String("start_stage", string(start)),
		zap.Float64("threshold", opts.Threshold),
		zap.String("data_mode", string(mode)),
	)

	st := &runState{run: run, threshold: opts.Threshold, mode: mode}
	return p.execute(ctx, st, start)
}

func (p *Pipeline) startRun(ctx context.Context, start model.Stage, opts RunOptions, mode model.DataMode) (*model.Run, error) {
	if start == model.StageDiff && opts.ResumeRun == "" {
		run, err := p.store.CreateRun(ctx, opts.Threshold, mode)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
		return run, nil
	}

	var run *model.Run
	var err error
	if opts.ResumeRun != "" {
		run, err = p.store.GetRun(ctx, opts.ResumeRun)
	} else {
		run, err = p.store.LatestRun(ctx)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrMissingCheckpoint, "no run to resume from stage %s", start)
	}
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: find run to resume")
	}
	if err := p.store.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning, ""); err != nil {
		return nil, eris.Wrap(err, "pipeline: reopen run")
	}
	return run, nil
}

// execute runs every stage from start to persist, stopping early when a
// new-data run finds nothing new.
func (p *Pipeline) execute(ctx context.Context, st *runState, start model.Stage) (*model.RunReport, error) {
	log := zap.L().With(zap.String("run_id", st.run.ID))
	report := &model.RunReport{RunID: st.run.ID}

	fail := func(stage model.Stage, err error) (*model.RunReport, error) {
		log.Error("pipeline: stage failed", zap.String("stage", string(stage)), zap.Error(err))
		// The run may have been interrupted; record the failure regardless.
		statusCtx := context.WithoutCancel(ctx)
		if statusErr := p.store.UpdateRunStatus(statusCtx, st.run.ID, model.RunStatusFailed, err.Error()); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
		return nil, eris.Wrapf(err, "pipeline: stage %s", stage)
	}

	for _, stage := range model.Stages[start.Index():] {
		if err := ctx.Err(); err != nil {
			return fail(stage, err)
		}

		t0 := time.Now()
		fields, err := p.runStage(ctx, st, stage)
		if err != nil {
			return fail(stage, err)
		}
		duration := time.Since(t0).Milliseconds()

		if err := p.store.UpdateRunStage(ctx, st.run.ID, stage); err != nil {
			return fail(stage, err)
		}
		report.Stages = append(report.Stages, model.StageTiming{Stage: stage, DurationMs: duration})
		log.Info("pipeline: stage complete",
			append([]zap.Field{
				zap.String("stage", string(stage)),
				zap.Int64("duration_ms", duration),
			}, fields...)...,
		)

		if stage == model.StageBlock && st.block.NoNewData {
			log.Info("pipeline: no new data, stopping after block")
			break
		}
	}

	p.loadEarlier(ctx, st, start)
	fillReport(report, st)
	if err := p.store.CompleteRun(ctx, st.run.ID, report); err != nil {
		return nil, eris.Wrap(err, "pipeline: complete run")
	}
	log.Info("pipeline: run complete",
		zap.Int("groups_created", report.GroupsCreated),
		zap.Int("groups_updated", report.GroupsUpdated),
		zap.Int("oracle_failures", report.OracleFailures),
	)
	return report, nil
}

func (p *Pipeline) runStage(ctx context.Context, st *runState, stage model.Stage) ([]zap.Field, error) {
	switch stage {
	case model.StageDiff:
		return p.stageDiff(ctx, st)
	case model.StageCanonicalize:
		return p.stageCanonicalize(ctx, st)
	case model.StageIdentical:
		return p.stageIdentical(ctx, st)
	case model.StageBlock:
		return p.stageBlock(ctx, st)
	case model.StageRefine:
		return p.stageRefine(ctx, st)
	case model.StageMerge:
		return p.stageMerge(ctx, st)
	case model.StageClassify:
		return p.stageClassify(ctx, st)
	case model.StageFinalize:
		return p.stageFinalize(ctx, st)
	case model.StagePersist:
		return p.stagePersist(ctx, st)
	}
	return nil, eris.Errorf("pipeline: unknown stage %q", stage)
}

// fillReport copies the counts of every stage output held by st.
func fillReport(r *model.RunReport, st *runState) {
	if o := st.diff; o != nil {
		r.Records = len(o.Records)
		r.NewRecords = o.New
	}
	if o := st.canonical; o != nil {
		r.DuplicateTuples = o.Duplicates
		r.CanonicalKeys = len(st.keyIndex())
	}
	if o := st.identical; o != nil {
		r.IdenticalGroups = len(o.Keys)
	}
	if o := st.block; o != nil {
		r.CandidateSets = o.Proposed
		r.FilteredSets = o.Filtered
		r.NoNewData = o.NoNewData
	}
	if o := st.refine; o != nil {
		r.OracleCalls = o.Calls
		r.OracleMalformed = o.Malformed
		r.OracleFailures = o.Failed
		r.Unsure = o.Unsure
		r.SecondPass = o.SecondPass
		r.LowConfidence = o.LowConfidence
		r.EvidenceErrors = o.EvidenceErrors
		r.ResolvedGroups = len(o.Groups)
		r.Failures = o.Failures
	}
	if o := st.merge; o != nil {
		r.MergedGroups = len(o.Groups)
	}
	if o := st.classify; o != nil {
		r.Classified = o.Classified
		r.ClassifyErrors = o.Errors
	}
	if o := st.persist; o != nil {
		r.GroupsCreated = o.Created
		r.GroupsUpdated = o.Updated
		r.GroupsUnchanged = o.Unchanged
		r.GroupsMerged = o.Merged
		r.GroupsSkipped = o.Skipped
	}
	if o := st.finalize; o != nil {
		r.GroupsSkipped += o.Skipped
	}
}

// loadEarlier reads the checkpoints of stages before start that this
// process did not need, so a resumed run still reports their counts.
func (p *Pipeline) loadEarlier(ctx context.Context, st *runState, start model.Stage) {
	for _, stage := range model.Stages[:start.Index()] {
		var err error
		switch stage {
		case model.StageDiff:
			err = p.needDiff(ctx, st)
		case model.StageCanonicalize:
			err = p.needCanonical(ctx, st)
		case model.StageIdentical:
			err = p.needIdentical(ctx, st)
		case model.StageBlock:
			err = p.needBlock(ctx, st)
		case model.StageRefine:
			err = p.needRefine(ctx, st)
		case model.StageMerge:
			err = p.needGroups(ctx, st, stage, &st.merge)
		case model.StageClassify:
			err = p.needGroups(ctx, st, stage, &st.classify)
		case model.StageFinalize:
			err = p.needGroups(ctx, st, stage, &st.finalize)
		}
		if err != nil && !errors.Is(err, ErrMissingCheckpoint) {
			zap.L().Warn("pipeline: earlier checkpoint unreadable, omitting from report",
				zap.String("stage", string(stage)), zap.Error(err))
		}
	}
}

// keyIndex indexes the canonical entries, building the index once.
func (st *runState) keyIndex() resolve.KeyIndex {
	if st.index == nil && st.canonical != nil {
		st.index = resolve.IndexEntries(st.canonical.Entries)
	}
	return st.index
}

// --- checkpoint loading ---

func (p *Pipeline) needDiff(ctx context.Context, st *runState) error {
	if st.diff != nil {
		return nil
	}
	out, err := loadCheckpoint[DiffOutput](ctx, p.store, st.run.ID, model.StageDiff)
	st.diff = out
	return err
}

func (p *Pipeline) needCanonical(ctx context.Context, st *runState) error {
	if st.canonical != nil {
		return nil
	}
	out, err := loadCheckpoint[CanonicalOutput](ctx, p.store, st.run.ID, model.StageCanonicalize)
	st.canonical = out
	return err
}

func (p *Pipeline) needIdentical(ctx context.Context, st *runState) error {
	if st.identical != nil {
		return nil
	}
	out, err := loadCheckpoint[IdenticalOutput](ctx, p.store, st.run.ID, model.StageIdentical)
	st.identical = out
	return err
}

func (p *Pipeline) needBlock(ctx context.Context, st *runState) error {
	if st.block != nil {
		return nil
	}
	out, err := loadCheckpoint[BlockOutput](ctx, p.store, st.run.ID, model.StageBlock)
	st.block = out
	return err
}

func (p *Pipeline) needRefine(ctx context.Context, st *runState) error {
	if st.refine != nil {
		return nil
	}
	out, err := loadCheckpoint[RefineOutput](ctx, p.store, st.run.ID, model.StageRefine)
	st.refine = out
	return err
}

func (p *Pipeline) needGroups(ctx context.Context, st *runState, stage model.Stage, dst **GroupsOutput) error {
	if *dst != nil {
		return nil
	}
	out, err := loadCheckpoint[GroupsOutput](ctx, p.store, st.run.ID, stage)
	*dst = out
	return err
}

// logUsage reports oracle token usage when the oracle tracks it.
func (p *Pipeline) logUsage(stage model.Stage) {
	if u, ok := p.oracle.(interface{ LogUsage(stage string) }); ok {
		u.LogUsage(string(stage))
	}
}
