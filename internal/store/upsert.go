package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orgsync/internal/model"
)

// groupTx is the per-backend view of one upsert transaction.
type groupTx interface {
	// matchGroups returns the groups holding any of the names or refs,
	// oldest first, without items.
	matchGroups(ctx context.Context, names []string, refs []model.ItemRef) ([]model.EntityGroup, error)
	getGroup(ctx context.Context, id string) (*model.EntityGroup, error)
	insertGroup(ctx context.Context, g *model.EntityGroup) error
	updateGroup(ctx context.Context, g *model.EntityGroup) error
	moveItems(ctx context.Context, fromID, toID string) error
	deleteGroup(ctx context.Context, id string) error
	insertItems(ctx context.Context, groupID string, items []model.Item) error
}

// newGroupID allocates a time-ordered group id.
func newGroupID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// upsertGroups applies resolved groups one at a time against the groups
// already persisted. Overlapping groups are merged into the oldest one,
// whose id survives; re-submitting the same items changes nothing.
func upsertGroups(ctx context.Context, tx groupTx, groups []model.ResolvedGroup, now time.Time) (*UpsertResult, error) {
	res := &UpsertResult{Merged: make(map[string]string)}
	var touched []string

	for i, rg := range groups {
		rg.Items = dedupItems(rg.Items)
		if err := rg.Validate(); err != nil {
			return nil, eris.Wrapf(err, "store: resolved group %d", i)
		}
		items := rg.Items
		if len(items) < 2 {
			res.Skipped++
			continue
		}

		existing, err := tx.matchGroups(ctx, groupNames(rg, items), itemRefs(items))
		if err != nil {
			return nil, err
		}

		if len(existing) == 0 {
			g := &model.EntityGroup{
				ID:               newGroupID(),
				Name:             displayName(rg),
				OrganisationType: rg.OrganisationType,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.insertGroup(ctx, g); err != nil {
				return nil, err
			}
			if err := tx.insertItems(ctx, g.ID, items); err != nil {
				return nil, err
			}
			res.Created++
			touched = append(touched, g.ID)
			continue
		}

		survivor := existing[0]
		changed := false
		for _, other := range existing[1:] {
			if err := tx.moveItems(ctx, other.ID, survivor.ID); err != nil {
				return nil, err
			}
			if err := tx.deleteGroup(ctx, other.ID); err != nil {
				return nil, err
			}
			if survivor.OrganisationType == "" {
				survivor.OrganisationType = other.OrganisationType
			}
			res.Merged[other.ID] = survivor.ID
			for absorbed, into := range res.Merged {
				if into == other.ID {
					res.Merged[absorbed] = survivor.ID
				}
			}
			changed = true
		}

		current, err := tx.getGroup(ctx, survivor.ID)
		if err != nil {
			return nil, err
		}
		present := make(map[model.ItemRef]bool, len(current.Items))
		for _, it := range current.Items {
			present[it.Ref()] = true
		}
		var added []model.Item
		for _, it := range items {
			if !present[it.Ref()] {
				added = append(added, it)
			}
		}
		if len(added) > 0 {
			if err := tx.insertItems(ctx, survivor.ID, added); err != nil {
				return nil, err
			}
			changed = true
		}

		if survivor.Name == "" {
			survivor.Name = displayName(rg)
			changed = true
		}
		if survivor.OrganisationType == "" && rg.OrganisationType != "" {
			survivor.OrganisationType = rg.OrganisationType
			changed = true
		}

		if changed {
			survivor.UpdatedAt = now
			if err := tx.updateGroup(ctx, &survivor); err != nil {
				return nil, err
			}
			res.Updated++
		} else {
			res.Unchanged++
		}
		touched = append(touched, survivor.ID)
	}

	seen := make(map[string]bool, len(touched))
	for _, id := range touched {
		if into, ok := res.Merged[id]; ok {
			id = into
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		g, err := tx.getGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		res.Groups = append(res.Groups, *g)
	}
	return res, nil
}

func dedupItems(items []model.Item) []model.Item {
	seen := make(map[model.ItemRef]bool, len(items))
	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if seen[it.Ref()] {
			continue
		}
		seen[it.Ref()] = true
		out = append(out, it)
	}
	return out
}

func groupNames(rg model.ResolvedGroup, items []model.Item) []string {
	set := make(map[string]bool, len(rg.Names)+len(items))
	for _, n := range rg.Names {
		set[n] = true
	}
	for _, it := range items {
		set[it.OrgName] = true
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func itemRefs(items []model.Item) []model.ItemRef {
	out := make([]model.ItemRef, len(items))
	for i, it := range items {
		out[i] = it.Ref()
	}
	return out
}

func displayName(rg model.ResolvedGroup) string {
	if rg.Representative != "" {
		return rg.Representative
	}
	return rg.Names[0]
}

// integrityError reports the violations found by CheckIntegrity.
func integrityError(shared []model.ItemRef, small []string) error {
	if len(shared) == 0 && len(small) == 0 {
		return nil
	}
	return eris.Wrapf(ErrInvariant, "store: %d item(s) in more than one group %v, %d group(s) with fewer than 2 items %v",
		len(shared), shared, len(small), small)
}
