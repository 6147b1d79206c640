package pipeline

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/orgsync/internal/evidence"
	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/oracle"
	"github.com/sells-group/orgsync/internal/resolve"
)

// stageMerge closes the refined groups and the identical-name keys under
// shared names.
func (p *Pipeline) stageMerge(ctx context.Context, st *runState) ([]zap.Field, error) {
	if err := p.needBlock(ctx, st); err != nil {
		return nil, err
	}
	if err := p.needRefine(ctx, st); err != nil {
		return nil, err
	}

	groups := mergeGroups(st.refine.Groups, st.block.Direct)
	st.merge = &GroupsOutput{Groups: groups}
	if err := saveCheckpoint(ctx, p.store, st.run.ID, model.StageMerge, st.merge); err != nil {
		return nil, err
	}
	return []zap.Field{
		zap.Int("refined", len(st.refine.Groups)),
		zap.Int("direct", len(st.block.Direct)),
		zap.Int("merged", len(groups)),
	}, nil
}

// mergeGroups unions refined groups that share a name. Direct keys join
// as singletons and are sure on their own. A merged group is sure if any
// refined constituent is, and takes its representative from the first
// sure constituent that has one. Groups left unsure after the second pass
// are kept, but still union with any group sharing one of their names so
// that no item lands in two groups.
func mergeGroups(refined []model.ResolvedGroup, direct []string) []model.ResolvedGroup {
	sets := make([][]string, 0, len(refined)+len(direct))
	for _, g := range refined {
		sets = append(sets, g.Names)
	}
	for _, k := range direct {
		sets = append(sets, []string{k})
	}
	merged := resolve.Merge(sets)

	component := make(map[string]int)
	out := make([]model.ResolvedGroup, len(merged))
	for i, names := range merged {
		out[i] = model.ResolvedGroup{Names: names, Confidence: model.ConfidenceUnsure}
		for _, n := range names {
			component[n] = i
		}
	}

	repSure := make([]bool, len(out))
	refinedComponent := make([]bool, len(out))
	for _, g := range refined {
		i := component[g.Names[0]]
		refinedComponent[i] = true
		sure := g.Confidence != model.ConfidenceUnsure
		if sure {
			out[i].Confidence = model.ConfidenceSure
		}
		if g.Representative == "" {
			continue
		}
		if out[i].Representative == "" || (sure && !repSure[i]) {
			out[i].Representative = g.Representative
			repSure[i] = sure
		}
	}
	for _, k := range direct {
		if i := component[k]; !refinedComponent[i] {
			out[i].Confidence = model.ConfidenceSure
		}
	}
	return out
}

// stageClassify asks the oracle for each real group's organisation type
// and display name. Failures keep the group with an empty type.
func (p *Pipeline) stageClassify(ctx context.Context, st *runState) ([]zap.Field, error) {
	if err := p.needCanonical(ctx, st); err != nil {
		return nil, err
	}
	if err := p.needGroups(ctx, st, model.StageMerge, &st.merge); err != nil {
		return nil, err
	}
	idx := st.keyIndex()
	postcodes := firstPostcodes(idx)
	_, noEvidence := p.evidence.(evidence.None)

	groups := make([]model.ResolvedGroup, len(st.merge.Groups))
	copy(groups, st.merge.Groups)

	var classified, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Oracle.Concurrency)
	for i := range groups {
		if len(idx.Items(groups[i].Names)) < 2 {
			continue
		}
		g.Go(func() error {
			grp := &groups[i]
			var ev map[string][]model.Evidence
			if p.cfg.Oracle.EvidenceFirstPass && !noEvidence {
				ev, _ = evidence.Gather(gctx, p.evidence, grp.Names, postcodes)
			}

			desc, err := guarded(gctx, p, func(ctx context.Context) (*oracle.Description, error) {
				return p.oracle.Describe(ctx, grp.Names, ev)
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				zap.L().Warn("pipeline: classify failed, using fallback name",
					zap.String("group", grp.Names[0]),
					zap.String("response", oracle.RawResponse(err)),
					zap.Error(err),
				)
				grp.OrganisationType = ""
				grp.Representative = fallbackName(*grp)
				return nil
			}

			classified.Add(1)
			grp.OrganisationType = strings.TrimSpace(desc.OrganisationType)
			if name := strings.TrimSpace(desc.RepresentativeName); name != "" {
				grp.Representative = name
			} else {
				grp.Representative = fallbackName(*grp)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "pipeline: classify")
	}
	p.logUsage(model.StageClassify)

	st.classify = &GroupsOutput{
		Groups:     groups,
		Classified: int(classified.Load()),
		Errors:     int(failed.Load()),
	}
	if err := saveCheckpoint(ctx, p.store, st.run.ID, model.StageClassify, st.classify); err != nil {
		return nil, err
	}
	return []zap.Field{
		zap.Int("classified", st.classify.Classified),
		zap.Int("errors", st.classify.Errors),
	}, nil
}

// fallbackName title-cases the refine representative, or the first name.
func fallbackName(g model.ResolvedGroup) string {
	name := g.Representative
	if name == "" && len(g.Names) > 0 {
		name = g.Names[0]
	}
	return cases.Title(language.English).String(name)
}

// stageFinalize attaches each group's items and drops groups backed by
// fewer than two records.
func (p *Pipeline) stageFinalize(ctx context.Context, st *runState) ([]zap.Field, error) {
	if err := p.needCanonical(ctx, st); err != nil {
		return nil, err
	}
	if err := p.needGroups(ctx, st, model.StageClassify, &st.classify); err != nil {
		return nil, err
	}

	out := finalizeGroups(st.classify.Groups, st.keyIndex())
	if err := out.Validate(); err != nil {
		return nil, eris.Wrap(err, "pipeline: finalize")
	}

	st.finalize = out
	if err := saveCheckpoint(ctx, p.store, st.run.ID, model.StageFinalize, out); err != nil {
		return nil, err
	}
	return []zap.Field{
		zap.Int("groups", len(out.Groups)),
		zap.Int("skipped", out.Skipped),
	}, nil
}

func finalizeGroups(groups []model.ResolvedGroup, idx resolve.KeyIndex) *GroupsOutput {
	out := &GroupsOutput{Groups: make([]model.ResolvedGroup, 0, len(groups))}
	for _, g := range groups {
		g.Items = idx.Items(g.Names)
		if len(g.Items) < 2 {
			out.Skipped++
			continue
		}
		if g.Representative == "" {
			g.Representative = fallbackName(g)
		}
		out.Groups = append(out.Groups, g)
	}
	return out
}

// stagePersist upserts the finalized groups and verifies the partition.
func (p *Pipeline) stagePersist(ctx context.Context, st *runState) ([]zap.Field, error) {
	if err := p.needGroups(ctx, st, model.StageFinalize, &st.finalize); err != nil {
		return nil, err
	}

	res, err := p.store.UpsertGroups(ctx, st.finalize.Groups)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: upsert groups")
	}
	if err := p.store.CheckIntegrity(ctx); err != nil {
		return nil, eris.Wrap(err, "pipeline: integrity check")
	}

	st.persist = &PersistOutput{
		Created:   res.Created,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
		Merged:    len(res.Merged),
		Skipped:   res.Skipped,
	}
	if err := saveCheckpoint(ctx, p.store, st.run.ID, model.StagePersist, st.persist); err != nil {
		return nil, err
	}
	return []zap.Field{
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("merged", len(res.Merged)),
	}, nil
}
