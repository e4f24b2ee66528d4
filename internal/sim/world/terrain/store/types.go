package store

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"voxelstore.ai/internal/blockstore"
)

const (
	EncodingOverflow = "overflow"
	EncodingPalette  = "palette"
)

var ErrOutOfBounds = errors.New("position out of bounds")

type ChunkKey struct {
	CX int
	CY int
	CZ int
}

func (k ChunkKey) String() string { return fmt.Sprintf("%d,%d,%d", k.CX, k.CY, k.CZ) }

func (k ChunkKey) Less(o ChunkKey) bool {
	if k.CX != o.CX {
		return k.CX < o.CX
	}
	if k.CZ != o.CZ {
		return k.CZ < o.CZ
	}
	return k.CY < o.CY
}

// BlockIDs names the block ids the generator places.
type BlockIDs struct {
	Air        uint16
	Stone      uint16
	Dirt       uint16
	Grass      uint16
	Sand       uint16
	Water      uint16
	Gravel     uint16
	Bedrock    uint16
	CoalOre    uint16
	IronOre    uint16
	CopperOre  uint16
	CrystalOre uint16
}

func DefaultBlockIDs() BlockIDs {
	return BlockIDs{
		Air: 0, Stone: 1, Dirt: 2, Grass: 3, Sand: 4, Water: 5, Gravel: 6,
		Bedrock: 7, CoalOre: 8, IronOre: 9, CopperOre: 10, CrystalOre: 11,
	}
}

type WorldGen struct {
	Seed      int64
	BoundaryR int // blocks, on x and z

	// Chunk geometry and cell encoding.
	Shift         int
	Encoding      string
	DirtyCapacity int
	MaxOverflow   int

	// Vertical extent in chunks, inclusive.
	MinChunkY int
	MaxChunkY int

	BiomeRegionSize             int
	SeaLevel                    int
	OreClusterProbScalePermille int

	Blocks BlockIDs
}

func (g WorldGen) Side() int { return 1 << g.Shift }

func (g WorldGen) storeOptions() []blockstore.Option {
	var opts []blockstore.Option
	if g.DirtyCapacity > 0 {
		opts = append(opts, blockstore.WithDirtyCapacity(g.DirtyCapacity))
	}
	if g.MaxOverflow > 0 {
		opts = append(opts, blockstore.WithMaxOverflow(g.MaxOverflow))
	}
	return opts
}

func (g WorldGen) newStore(ids, data []uint16) (blockstore.Store, error) {
	switch g.Encoding {
	case EncodingPalette:
		if ids == nil {
			return blockstore.NewPalette(g.Shift, blockstore.State{ID: g.Blocks.Air}, g.storeOptions()...)
		}
		return blockstore.NewPaletteFromArrays(g.Shift, ids, data, g.storeOptions()...)
	case EncodingOverflow, "":
		if ids == nil {
			return blockstore.New(g.Shift, g.storeOptions()...)
		}
		return blockstore.NewFromArrays(g.Shift, ids, data, g.storeOptions()...)
	default:
		return nil, fmt.Errorf("unknown chunk encoding %q", g.Encoding)
	}
}

// Chunk owns one section's store. Block access goes through the store's
// lock-free paths under the shared side of gate; Compress takes the
// exclusive side so no access overlaps it.
type Chunk struct {
	Key  ChunkKey
	Slot uint32

	gate  sync.RWMutex
	store blockstore.Store

	version  atomic.Uint64
	digestMu sync.Mutex
	digestAt uint64
	hash     [32]byte
}

func newChunk(key ChunkKey, slot uint32, st blockstore.Store) *Chunk {
	c := &Chunk{Key: key, Slot: slot, store: st}
	c.digestAt = ^uint64(0)
	return c
}

func (c *Chunk) Side() int { return c.store.Side() }

func (c *Chunk) Get(x, y, z int) blockstore.State {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.store.Get(x, y, z)
}

// Set stores st and returns the previous state.
func (c *Chunk) Set(x, y, z int, st blockstore.State) blockstore.State {
	c.gate.RLock()
	defer c.gate.RUnlock()
	prev := c.store.Set(x, y, z, st.ID, st.Data)
	c.version.Add(1)
	return prev
}

func (c *Chunk) CompareAndSet(x, y, z int, expect, update blockstore.State) bool {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if !c.store.CompareAndSet(x, y, z, expect, update) {
		return false
	}
	c.version.Add(1)
	return true
}

// Touch marks a cell dirty without changing it.
func (c *Chunk) Touch(x, y, z int) blockstore.State {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.store.Touch(x, y, z)
}

func (c *Chunk) IsDirty() bool { return c.store.IsDirty() }

// DrainDirty hands back the cells changed since the previous drain. When
// overflow is set the chunk must be resent whole.
func (c *Chunk) DrainDirty(dst []blockstore.Pos) ([]blockstore.Pos, bool) {
	return c.store.DrainDirty(dst)
}

func (c *Chunk) NeedsCompression() bool {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.store.NeedsCompression()
}

// Compress shrinks the chunk's encoding if it has slack, and reports whether
// it did.
func (c *Chunk) Compress() bool {
	c.gate.Lock()
	defer c.gate.Unlock()
	if !c.store.NeedsCompression() {
		return false
	}
	c.store.Compress()
	return true
}

// Cells copies ids and data in store index order.
func (c *Chunk) Cells() (ids, data []uint16) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.store.BlockIDs(nil), c.store.DataValues(nil)
}

// Stats reports encoding occupancy for metrics.
func (c *Chunk) Stats() (promoted, slots int) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if b, ok := c.store.(*blockstore.BlockStore); ok {
		return b.OverflowEntries(), b.OverflowLen()
	}
	if p, ok := c.store.(*blockstore.PaletteStore); ok {
		return 0, len(p.Cells().Palette())
	}
	return 0, 0
}

func (c *Chunk) Digest() [32]byte {
	c.digestMu.Lock()
	defer c.digestMu.Unlock()
	v := c.version.Load()
	if v == c.digestAt {
		return c.hash
	}
	ids, data := c.Cells()
	c.hash = CellsDigest(ids, data)
	c.digestAt = v
	return c.hash
}

// CellsDigest hashes ids then data as little-endian uint16.
func CellsDigest(ids, data []uint16) [32]byte {
	h := sha256.New()
	var tmp [2]byte
	for _, vs := range [][]uint16{ids, data} {
		for _, b := range vs {
			binary.LittleEndian.PutUint16(tmp[:], b)
			h.Write(tmp[:])
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

type ChunkStore struct {
	Gen WorldGen

	mu     sync.RWMutex
	chunks map[ChunkKey]*Chunk
	slots  []*Chunk
}

func NewChunkStore(gen WorldGen) *ChunkStore {
	if gen.Shift == 0 {
		gen.Shift = 4
	}
	return &ChunkStore{
		Gen:    gen,
		chunks: map[ChunkKey]*Chunk{},
	}
}
