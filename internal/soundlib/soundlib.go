// Package soundlib reorders the sound-asset library. Drag reorders are
// scoped to the category the operator is viewing: the move happens inside
// the filtered subset, and the subset is spliced back into the slots it
// came from, so assets of other categories keep their positions exactly.
package soundlib

import (
	"context"

	"github.com/pkg/errors"

	"github.com/you/streamsync/internal/core"
)

// Reorder moves the asset at position from to position to, both indexes
// into the category-filtered subset of all. The returned collection has
// every other category untouched and contiguous per-category order
// indexes. The input slice is not modified.
func Reorder(all []core.SoundAsset, category string, from, to int) ([]core.SoundAsset, error) {
	var slots []int
	for i, a := range all {
		if a.Category == category {
			slots = append(slots, i)
		}
	}
	if from < 0 || from >= len(slots) {
		return nil, errors.Errorf("soundlib: source index %d out of range for category %q (%d assets)", from, category, len(slots))
	}
	if to < 0 || to >= len(slots) {
		return nil, errors.Errorf("soundlib: target index %d out of range for category %q (%d assets)", to, category, len(slots))
	}

	subset := make([]core.SoundAsset, 0, len(slots))
	for _, i := range slots {
		subset = append(subset, all[i])
	}
	moved := subset[from]
	subset = append(subset[:from], subset[from+1:]...)
	subset = append(subset[:to], append([]core.SoundAsset{moved}, subset[to:]...)...)

	out := make([]core.SoundAsset, len(all))
	copy(out, all)
	for k, i := range slots {
		out[i] = subset[k]
	}
	renumber(out)
	return out, nil
}

// renumber assigns contiguous per-category order indexes in slice order.
func renumber(assets []core.SoundAsset) {
	next := make(map[string]int, 4)
	for i := range assets {
		assets[i].OrderIndex = next[assets[i].Category]
		next[assets[i].Category]++
	}
}

// PersistFunc writes the full ordered id list for one category context
// back to the server.
type PersistFunc func(ctx context.Context, orderedIDs []string, category string) error

// ApplyFunc installs the merged collection into local state.
type ApplyFunc func(assets []core.SoundAsset)

// Reorderer applies a reorder optimistically and then persists it. A
// persistence failure is returned to the caller; the optimistic local
// order stays in place so the operator's arrangement is not snapped back.
type Reorderer struct {
	apply   ApplyFunc
	persist PersistFunc
}

func NewReorderer(apply ApplyFunc, persist PersistFunc) *Reorderer {
	return &Reorderer{apply: apply, persist: persist}
}

// Reorder computes the merged collection, applies it locally, then
// persists the full ordered id list with the active category context.
func (r *Reorderer) Reorder(ctx context.Context, all []core.SoundAsset, category string, from, to int) ([]core.SoundAsset, error) {
	merged, err := Reorder(all, category, from, to)
	if err != nil {
		return nil, err
	}
	if r.apply != nil {
		r.apply(merged)
	}

	ids := make([]string, 0, len(merged))
	for _, a := range merged {
		ids = append(ids, a.FileName)
	}
	if err := r.persist(ctx, ids, category); err != nil {
		return merged, errors.Wrap(err, "persist reorder")
	}
	return merged, nil
}
