package world

import (
	"testing"

	"voxelstore.ai/internal/blockstore"
)

func TestRollbackRestoresOnlyInsideBox(t *testing.T) {
	w := newTestWorld(t, testConfig())
	changes := &changeSink{}
	w.SetChangeLogger(changes)

	orig := w.GetBlock(1, airY, 1)
	outside := blockstore.State{ID: 50}
	w.SetBlock("a", 1, airY, 1, blockstore.State{ID: 40})
	w.SetBlock("a", 1, airY, 1, blockstore.State{ID: 41, Data: 3})
	w.SetBlock("a", 20, airY, 20, outside)
	w.StepOnce()

	applied, skipped := Rollback(w.Chunks(), changes.got, AABB{Min: [3]int{0, 0, 0}, Max: [3]int{4, 31, 4}})
	if applied != 2 || skipped != 1 {
		t.Fatalf("applied=%d skipped=%d", applied, skipped)
	}
	if got := w.GetBlock(1, airY, 1); got != orig {
		t.Fatalf("rolled back cell = %+v, want %+v", got, orig)
	}
	if got := w.GetBlock(20, airY, 20); got != outside {
		t.Fatalf("cell outside the box = %+v", got)
	}
}

func TestRollbackSkipsOutOfWorld(t *testing.T) {
	w := newTestWorld(t, testConfig())
	changes := []ChangeEntry{{Tick: 1, Pos: [3]int{0, 500, 0}, ToID: 9}}
	applied, skipped := Rollback(w.Chunks(), changes, AABB{Min: [3]int{-1000, -1000, -1000}, Max: [3]int{1000, 1000, 1000}})
	if applied != 0 || skipped != 1 {
		t.Fatalf("applied=%d skipped=%d", applied, skipped)
	}
}

func TestBlockPaletteTravelsWithSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Blocks = []string{"AIR", "WATER", "STONE", "DIRT", "GRASS", "SAND", "GRAVEL", "BEDROCK", "COAL_ORE", "IRON_ORE", "COPPER_ORE", "CRYSTAL_ORE"}
	w := newTestWorld(t, cfg)
	// The bottom layer is bedrock, id 7 in this palette.
	if got := w.GetBlock(0, 0, 0); got.ID != 7 {
		t.Fatalf("bedrock id = %d", got.ID)
	}
	snap := w.ExportSnapshot(0)
	if len(snap.BlockPalette) != len(cfg.Blocks) || snap.BlockPalette[1] != "WATER" {
		t.Fatalf("snapshot palette %v", snap.BlockPalette)
	}
	resumed, err := FromSnapshot(WorldConfig{}, snap, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := resumed.Config().Blocks[2]; got != "STONE" {
		t.Fatalf("resumed palette %v", resumed.Config().Blocks)
	}

	cfg.Blocks = []string{"AIR", "STONE"}
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("palette without terrain blocks accepted")
	}
}
