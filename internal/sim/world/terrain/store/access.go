package store

import (
	"sort"

	"voxelstore.ai/internal/blockstore"
	genpkg "voxelstore.ai/internal/sim/world/terrain/gen"
)

func (s *ChunkStore) InBounds(x, y, z int) bool {
	side := s.Gen.Side()
	if y < s.Gen.MinChunkY*side || y >= (s.Gen.MaxChunkY+1)*side {
		return false
	}
	if s.Gen.BoundaryR > 0 {
		if x < -s.Gen.BoundaryR || x > s.Gen.BoundaryR || z < -s.Gen.BoundaryR || z > s.Gen.BoundaryR {
			return false
		}
	}
	return true
}

// ChunkInBounds reports whether any block of the chunk is in bounds.
func (s *ChunkStore) ChunkInBounds(k ChunkKey) bool {
	if k.CY < s.Gen.MinChunkY || k.CY > s.Gen.MaxChunkY {
		return false
	}
	if s.Gen.BoundaryR > 0 {
		lo := genpkg.FloorDiv(-s.Gen.BoundaryR, s.Gen.Side())
		hi := genpkg.FloorDiv(s.Gen.BoundaryR, s.Gen.Side())
		if k.CX < lo || k.CX > hi || k.CZ < lo || k.CZ > hi {
			return false
		}
	}
	return true
}

// Locate splits a world position into its chunk and local coordinates.
func (s *ChunkStore) Locate(x, y, z int) (ChunkKey, blockstore.Pos) {
	side := s.Gen.Side()
	k := ChunkKey{CX: genpkg.FloorDiv(x, side), CY: genpkg.FloorDiv(y, side), CZ: genpkg.FloorDiv(z, side)}
	return k, blockstore.Pos{X: genpkg.Mod(x, side), Y: genpkg.Mod(y, side), Z: genpkg.Mod(z, side)}
}

// WorldPos is the inverse of Locate.
func (s *ChunkStore) WorldPos(k ChunkKey, p blockstore.Pos) (x, y, z int) {
	side := s.Gen.Side()
	return k.CX*side + p.X, k.CY*side + p.Y, k.CZ*side + p.Z
}

func (s *ChunkStore) Chunk(k ChunkKey) (*Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.chunks[k]
	return ch, ok
}

// BySlot returns the chunk registered under a slot number.
func (s *ChunkStore) BySlot(slot uint32) *Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(slot) >= len(s.slots) {
		return nil
	}
	return s.slots[slot]
}

func (s *ChunkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *ChunkStore) LoadedChunkKeys() []ChunkKey {
	s.mu.RLock()
	keys := make([]ChunkKey, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Slots returns every loaded chunk indexed by slot. The slice is a snapshot;
// chunks loaded later are not in it.
func (s *ChunkStore) Slots() []*Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[:len(s.slots):len(s.slots)]
}

// Loaded returns every loaded chunk in key order.
func (s *ChunkStore) Loaded() []*Chunk {
	s.mu.RLock()
	out := make([]*Chunk, 0, len(s.chunks))
	for _, ch := range s.chunks {
		out = append(out, ch)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// GetOrGenChunk returns the chunk, generating it on first use.
func (s *ChunkStore) GetOrGenChunk(k ChunkKey) (*Chunk, error) {
	if ch, ok := s.Chunk(k); ok {
		return ch, nil
	}
	if !s.ChunkInBounds(k) {
		return nil, ErrOutOfBounds
	}

	// Generate outside the lock; a racing generator of the same key loses.
	st, err := s.Gen.newStore(s.GenerateChunk(k))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chunks[k]; ok {
		return ch, nil
	}
	return s.insertLocked(k, st), nil
}

func (s *ChunkStore) insertLocked(k ChunkKey, st blockstore.Store) *Chunk {
	ch := newChunk(k, uint32(len(s.slots)), st)
	s.chunks[k] = ch
	s.slots = append(s.slots, ch)
	return ch
}

// GetBlock returns the block at a world position. Out of bounds positions
// read as air.
func (s *ChunkStore) GetBlock(x, y, z int) blockstore.State {
	if !s.InBounds(x, y, z) {
		return blockstore.State{ID: s.Gen.Blocks.Air}
	}
	k, p := s.Locate(x, y, z)
	ch, err := s.GetOrGenChunk(k)
	if err != nil {
		return blockstore.State{ID: s.Gen.Blocks.Air}
	}
	return ch.Get(p.X, p.Y, p.Z)
}

// SetBlock stores st at a world position and returns the previous state.
func (s *ChunkStore) SetBlock(x, y, z int, st blockstore.State) (blockstore.State, *Chunk, error) {
	if !s.InBounds(x, y, z) {
		return blockstore.State{}, nil, ErrOutOfBounds
	}
	k, p := s.Locate(x, y, z)
	ch, err := s.GetOrGenChunk(k)
	if err != nil {
		return blockstore.State{}, nil, err
	}
	return ch.Set(p.X, p.Y, p.Z, st), ch, nil
}

// CompareAndSetBlock replaces the block only if it currently equals expect.
func (s *ChunkStore) CompareAndSetBlock(x, y, z int, expect, update blockstore.State) (bool, *Chunk, error) {
	if !s.InBounds(x, y, z) {
		return false, nil, ErrOutOfBounds
	}
	k, p := s.Locate(x, y, z)
	ch, err := s.GetOrGenChunk(k)
	if err != nil {
		return false, nil, err
	}
	return ch.CompareAndSet(p.X, p.Y, p.Z, expect, update), ch, nil
}
