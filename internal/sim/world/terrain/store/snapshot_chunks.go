package store

import (
	"fmt"

	snapv1 "voxelstore.ai/internal/persistence/snapshot"
)

// ExportChunk converts one chunk to its snapshot form.
func ExportChunk(ch *Chunk) snapv1.ChunkV1 {
	ids, data := ch.Cells()
	out := snapv1.ChunkV1{
		CX:     ch.Key.CX,
		CY:     ch.Key.CY,
		CZ:     ch.Key.CZ,
		Shift:  ch.store.Shift(),
		Blocks: ids,
	}
	for _, d := range data {
		if d != 0 {
			out.Data = data
			break
		}
	}
	return out
}

// ExportLoadedChunks converts every loaded chunk, in key order.
func (s *ChunkStore) ExportLoadedChunks() []snapv1.ChunkV1 {
	loaded := s.Loaded()
	out := make([]snapv1.ChunkV1, 0, len(loaded))
	for _, ch := range loaded {
		out = append(out, ExportChunk(ch))
	}
	return out
}

// ImportChunks rebuilds a chunk store from snapshot chunks.
func ImportChunks(gen WorldGen, chunks []snapv1.ChunkV1) (*ChunkStore, error) {
	s := NewChunkStore(gen)
	volume := 1 << (3 * s.Gen.Shift)
	for _, c := range chunks {
		if c.Shift != s.Gen.Shift {
			return nil, fmt.Errorf("snapshot chunk %d,%d,%d shift mismatch: got %d want %d", c.CX, c.CY, c.CZ, c.Shift, s.Gen.Shift)
		}
		if len(c.Blocks) != volume {
			return nil, fmt.Errorf("snapshot chunk blocks length mismatch: got %d want %d", len(c.Blocks), volume)
		}
		data := c.Data
		if data == nil {
			data = make([]uint16, volume)
		}
		k := ChunkKey{CX: c.CX, CY: c.CY, CZ: c.CZ}
		if _, dup := s.chunks[k]; dup {
			return nil, fmt.Errorf("snapshot chunk %s repeated", k)
		}
		st, err := s.Gen.newStore(c.Blocks, data)
		if err != nil {
			return nil, fmt.Errorf("snapshot chunk %s: %w", k, err)
		}
		s.insertLocked(k, st)
	}
	return s, nil
}
