package world

import (
	"fmt"

	"voxelstore.ai/internal/sim/world/terrain/store"
)

// Replay applies logged changes in order onto chunks, generating any chunk a
// change touches that is not loaded yet. Entries are absolute writes, so
// applying one twice is harmless.
func Replay(chunks *store.ChunkStore, changes []ChangeEntry) (int, error) {
	for i, e := range changes {
		if _, _, err := chunks.SetBlock(e.Pos[0], e.Pos[1], e.Pos[2], e.To()); err != nil {
			return i, fmt.Errorf("replay tick %d at %v: %w", e.Tick, e.Pos, err)
		}
	}
	return len(changes), nil
}

// ReplayChanges applies changes without logging them again and moves the
// tick past the newest one. Call it before Run.
func (w *World) ReplayChanges(changes []ChangeEntry) (int, error) {
	n, err := Replay(w.chunks, changes)
	if err != nil {
		return n, err
	}
	for _, e := range changes[:n] {
		if e.Tick >= w.tick.Load() {
			w.tick.Store(e.Tick + 1)
		}
	}
	return n, nil
}

// AABB is an inclusive box in world coordinates.
type AABB struct {
	Min, Max [3]int
}

func (b AABB) Contains(p [3]int) bool {
	return p[0] >= b.Min[0] && p[0] <= b.Max[0] &&
		p[1] >= b.Min[1] && p[1] <= b.Max[1] &&
		p[2] >= b.Min[2] && p[2] <= b.Max[2]
}

// Rollback undoes the changes inside box, newest first, restoring each
// cell's previous state. Changes must be in log order. Entries outside the
// box or the world are skipped.
func Rollback(chunks *store.ChunkStore, changes []ChangeEntry, box AABB) (applied, skipped int) {
	for i := len(changes) - 1; i >= 0; i-- {
		e := changes[i]
		if !box.Contains(e.Pos) {
			skipped++
			continue
		}
		if _, _, err := chunks.SetBlock(e.Pos[0], e.Pos[1], e.Pos[2], e.From()); err != nil {
			skipped++
			continue
		}
		applied++
	}
	return applied, skipped
}
