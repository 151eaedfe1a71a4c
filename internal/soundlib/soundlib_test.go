package soundlib

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/you/streamsync/internal/core"
)

func asset(name, category string) core.SoundAsset {
	return core.SoundAsset{FileName: name, DisplayName: name, Category: category}
}

func library() []core.SoundAsset {
	return []core.SoundAsset{
		asset("airhorn.mp3", "effects"),
		asset("intro.mp3", "music"),
		asset("boom.mp3", "effects"),
		asset("outro.mp3", "music"),
		asset("clap.mp3", "effects"),
		asset("sting.mp3", "stingers"),
	}
}

func names(assets []core.SoundAsset, category string) []string {
	var out []string
	for _, a := range assets {
		if category == "" || a.Category == category {
			out = append(out, a.FileName)
		}
	}
	return out
}

func TestReorderMovesWithinCategory(t *testing.T) {
	got, err := Reorder(library(), "effects", 0, 2)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	want := []string{"boom.mp3", "clap.mp3", "airhorn.mp3"}
	if !reflect.DeepEqual(names(got, "effects"), want) {
		t.Fatalf("effects order = %v, want %v", names(got, "effects"), want)
	}
}

func TestReorderNeverTouchesOtherCategories(t *testing.T) {
	before := library()
	got, err := Reorder(before, "effects", 2, 0)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	for _, category := range []string{"music", "stingers"} {
		if !reflect.DeepEqual(names(got, category), names(before, category)) {
			t.Fatalf("%s order changed: %v", category, names(got, category))
		}
	}
	// Filtered subset slots are reused in place: positions of non-effects
	// assets in the full collection are unchanged.
	for i, a := range got {
		if a.Category != "effects" && before[i].FileName != a.FileName {
			t.Fatalf("position %d changed from %q to %q", i, before[i].FileName, a.FileName)
		}
	}
}

func TestReorderYieldsContiguousIndexesPerCategory(t *testing.T) {
	got, err := Reorder(library(), "effects", 1, 0)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	seen := map[string][]int{}
	for _, a := range got {
		seen[a.Category] = append(seen[a.Category], a.OrderIndex)
	}
	for category, idxs := range seen {
		for want, idx := range idxs {
			if idx != want {
				t.Fatalf("%s indexes not contiguous: %v", category, idxs)
			}
		}
	}
}

func TestReorderSamePositionIsStable(t *testing.T) {
	before := library()
	got, err := Reorder(before, "music", 1, 1)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if !reflect.DeepEqual(names(got, ""), names(before, "")) {
		t.Fatalf("no-op reorder changed the collection: %v", names(got, ""))
	}
}

func TestReorderRejectsOutOfRangeIndexes(t *testing.T) {
	for _, tc := range [][2]int{{-1, 0}, {0, 3}, {3, 0}} {
		if _, err := Reorder(library(), "effects", tc[0], tc[1]); err == nil {
			t.Fatalf("expected error for from=%d to=%d", tc[0], tc[1])
		}
	}
	if _, err := Reorder(library(), "missing", 0, 0); err == nil {
		t.Fatalf("expected error for empty category subset")
	}
}

func TestReordererAppliesThenPersists(t *testing.T) {
	var applied []core.SoundAsset
	var persistedIDs []string
	var persistedCategory string

	r := NewReorderer(
		func(assets []core.SoundAsset) { applied = assets },
		func(_ context.Context, ids []string, category string) error {
			persistedIDs = ids
			persistedCategory = category
			return nil
		},
	)

	merged, err := r.Reorder(context.Background(), library(), "effects", 0, 1)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if len(applied) != len(merged) {
		t.Fatalf("optimistic apply missing: %d assets", len(applied))
	}
	if persistedCategory != "effects" {
		t.Fatalf("persisted category = %q", persistedCategory)
	}
	if len(persistedIDs) != len(merged) || persistedIDs[0] != merged[0].FileName {
		t.Fatalf("persisted id list mismatch: %v", persistedIDs)
	}
}

func TestReordererPersistFailureKeepsOptimisticOrder(t *testing.T) {
	var applied []core.SoundAsset
	r := NewReorderer(
		func(assets []core.SoundAsset) { applied = assets },
		func(context.Context, []string, string) error { return errors.New("503 from backend") },
	)

	merged, err := r.Reorder(context.Background(), library(), "effects", 0, 2)
	if err == nil {
		t.Fatalf("expected persistence error")
	}
	if merged == nil {
		t.Fatalf("failed persist must still return the merged order")
	}
	if !reflect.DeepEqual(names(applied, "effects"), names(merged, "effects")) {
		t.Fatalf("optimistic order rolled back: %v", names(applied, "effects"))
	}
}
