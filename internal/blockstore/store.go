// Package blockstore implements concurrent, memory-compact storage for the
// cells of a cubic chunk.
//
// A BlockStore keeps one 16-bit lane per cell. A lane holds the cell's id
// directly when its data is zero, or a reserved index into an OverflowStore
// when the cell carries data or an attached object. Reads are lock free and
// validated by sequence numbers; writes are CAS loops on the lane.
//
// PaletteStore is an alternative encoding for chunks dominated by a handful
// of distinct states. Both implement Store.
package blockstore

import (
	"fmt"
	"sync/atomic"

	"voxelstore.ai/internal/blockstore/packed"
)

// Store is the contract a chunk owner relies on, whatever the encoding.
type Store interface {
	Side() int
	Shift() int
	Volume() int

	Get(x, y, z int) State
	Set(x, y, z int, id, data uint16) State
	CompareAndSet(x, y, z int, expect, update State) bool
	Touch(x, y, z int) State

	BlockIDs(dst []uint16) []uint16
	DataValues(dst []uint16) []uint16

	IsDirty() bool
	IsDirtyOverflow() bool
	DirtyCount() int
	DirtyBlock(i int) (Pos, bool)
	DirtyOldState(i int) (State, bool)
	DirtyNewState(i int) (State, bool)
	DirtyBounds() (lo, hi Pos, ok bool)
	ResetDirty() bool
	DrainDirty(dst []Pos) ([]Pos, bool)

	NeedsCompression() bool
	Compress()
}

var (
	_ Store = (*BlockStore)(nil)
	_ Store = (*PaletteStore)(nil)
)

// Option configures a store.
type Option func(*options)

type options struct {
	dirtyCapacity   int
	maxOverflow     int
	initialOverflow int
}

// WithDirtyCapacity sets how many changed cells are recorded individually.
func WithDirtyCapacity(n int) Option { return func(o *options) { o.dirtyCapacity = n } }

// WithMaxOverflow sets the maximum number of promoted cells. It determines
// the reserved lane range: ids at or above the reserved floor are always
// promoted.
func WithMaxOverflow(n int) Option { return func(o *options) { o.maxOverflow = n } }

// WithInitialOverflow sets the initial overflow table length.
func WithInitialOverflow(n int) Option { return func(o *options) { o.initialOverflow = n } }

func buildOptions(volume int, opts []Option) options {
	o := options{
		dirtyCapacity:   DefaultDirtyCapacity,
		maxOverflow:     min(volume, 1<<13),
		initialOverflow: DefaultOverflowLength,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// BlockStore is the lane-plus-overflow cell store.
type BlockStore struct {
	geometry
	lanes       *packed.Array
	overflow    *OverflowStore
	dirty       *DirtyTracker
	compressing atomic.Bool
}

// New returns an empty store of side 1<<shift.
func New(shift int, opts ...Option) (*BlockStore, error) {
	g, err := newGeometry(shift)
	if err != nil {
		return nil, err
	}
	o := buildOptions(g.Volume(), opts)
	ov, err := NewOverflowStore(o.maxOverflow, o.initialOverflow)
	if err != nil {
		return nil, err
	}
	return &BlockStore{
		geometry: g,
		lanes:    packed.New(g.Volume(), 16),
		overflow: ov,
		dirty:    NewDirtyTracker(o.dirtyCapacity),
	}, nil
}

// NewFromArrays builds a store from flat id and data arrays in index order.
// Cells with zero data keep their id inline; the rest, and cells whose id
// falls in the reserved range, are promoted. Missing trailing entries are
// treated as zero. Construction does not mark cells dirty.
func NewFromArrays(shift int, ids, data []uint16, opts ...Option) (*BlockStore, error) {
	b, err := New(shift, opts...)
	if err != nil {
		return nil, err
	}
	if len(ids) > b.Volume() || len(data) > b.Volume() {
		return nil, fmt.Errorf("blockstore: %d ids and %d data values for %d cells", len(ids), len(data), b.Volume())
	}
	for i := 0; i < b.Volume(); i++ {
		var id, d uint16
		if i < len(ids) {
			id = ids[i]
		}
		if i < len(data) {
			d = data[i]
		}
		if d == 0 && !b.overflow.IsReserved(id) {
			b.lanes.Set(i, uint32(id))
			continue
		}
		b.lanes.Set(i, uint32(b.overflow.Add(id, d, nil)))
	}
	return b, nil
}

func (b *BlockStore) checkCompressing() {
	if b.compressing.Load() {
		panic(ErrCompressing)
	}
}

// IsReserved reports whether id is in the reserved lane range and so can
// only be stored promoted.
func (b *BlockStore) IsReserved(id uint16) bool { return b.overflow.IsReserved(id) }

// OverflowLen is the overflow table length.
func (b *BlockStore) OverflowLen() int { b.checkCompressing(); return b.overflow.Len() }

// OverflowEntries is the number of promoted cells.
func (b *BlockStore) OverflowEntries() int { b.checkCompressing(); return b.overflow.Entries() }

// read resolves cell i. A promoted read is accepted only if the lane is
// unchanged and the overflow slot kept the same stable sequence across the
// whole read. A lane that stably points at an empty slot is corruption.
func (b *BlockStore) read(i int) (lane uint16, st State, aux *auxBox, seq uint32) {
	for {
		b.checkCompressing()
		lane = uint16(b.lanes.Get(i))
		if !b.overflow.IsReserved(lane) {
			return lane, State{ID: lane}, nil, Unstable
		}
		slot := b.overflow.toInternal(lane)
		v, box, s, ok := b.overflow.load(slot)
		if uint16(b.lanes.Get(i)) != lane || !b.overflow.validate(slot, s) {
			continue
		}
		if !ok {
			panic(illegalState("cell %d references empty overflow slot %d", i, slot))
		}
		return lane, Unpack(v), box, s
	}
}

// Get returns the state of a cell.
func (b *BlockStore) Get(x, y, z int) State {
	_, st, _, _ := b.read(b.index(x, y, z))
	return st
}

// GetID returns the id of a cell.
func (b *BlockStore) GetID(x, y, z int) uint16 { return b.Get(x, y, z).ID }

// GetData returns the data of a cell.
func (b *BlockStore) GetData(x, y, z int) uint16 { return b.Get(x, y, z).Data }

// GetAux returns the object attached to a cell, or nil.
func (b *BlockStore) GetAux(x, y, z int) any {
	_, _, aux, _ := b.read(b.index(x, y, z))
	return aux.value()
}

// GetFull returns the state of a cell and its attached object.
func (b *BlockStore) GetFull(x, y, z int) (State, any) {
	_, st, aux, _ := b.read(b.index(x, y, z))
	return st, aux.value()
}

// Sequence returns the overflow sequence of a promoted cell. Plain cells
// and cells mid-write report Unstable.
func (b *BlockStore) Sequence(x, y, z int) uint32 {
	b.checkCompressing()
	lane := uint16(b.lanes.Get(b.index(x, y, z)))
	if !b.overflow.IsReserved(lane) {
		return Unstable
	}
	return b.overflow.Sequence(lane)
}

// TestSequence reports whether a promoted cell still carries seq.
func (b *BlockStore) TestSequence(x, y, z int, seq uint32) bool {
	b.checkCompressing()
	lane := uint16(b.lanes.Get(b.index(x, y, z)))
	return b.overflow.IsReserved(lane) && b.overflow.TestSequence(lane, seq)
}

// encode prepares the lane for a new cell state, promoting it when needed.
func (b *BlockStore) encode(st State, aux any) (lane uint16, promoted bool) {
	if st.Data == 0 && aux == nil && !b.overflow.IsReserved(st.ID) {
		return st.ID, false
	}
	return b.overflow.Add(st.ID, st.Data, aux), true
}

// swapLane replaces old with the encoding of st. The overflow record that
// old referred to is freed only after the lane stops pointing at it.
func (b *BlockStore) swapLane(i int, old uint16, st State, aux any) (State, any, bool) {
	next, promoted := b.encode(st, aux)
	if !b.lanes.CompareAndSwap(i, uint32(old), uint32(next)) {
		if promoted {
			b.overflow.Remove(next)
		}
		return State{}, nil, false
	}
	if b.overflow.IsReserved(old) {
		prev, prevAux := b.overflow.RemoveAux(old)
		return prev, prevAux, true
	}
	return State{ID: old}, nil, true
}

// Set stores (id, data) in a cell, dropping any attached object, and
// returns the previous state.
func (b *BlockStore) Set(x, y, z int, id, data uint16) State {
	prev, _ := b.SetAux(x, y, z, id, data, nil)
	return prev
}

// SetAux stores (id, data, aux) in a cell and returns the previous state and
// attached object. aux must be comparable; pointers are the usual choice.
func (b *BlockStore) SetAux(x, y, z int, id, data uint16, aux any) (State, any) {
	i := b.index(x, y, z)
	st := State{ID: id, Data: data}
	for {
		b.checkCompressing()
		old := uint16(b.lanes.Get(i))
		prev, prevAux, ok := b.swapLane(i, old, st, aux)
		if !ok {
			continue
		}
		b.dirty.Mark(x&b.mask, y&b.mask, z&b.mask, prev, st)
		return prev, prevAux
	}
}

// CompareAndSet replaces a cell's state if it equals expect and the cell has
// no attached object.
func (b *BlockStore) CompareAndSet(x, y, z int, expect, update State) bool {
	return b.CompareAndSetAux(x, y, z, expect, nil, update, nil)
}

// CompareAndSetAux replaces a cell's state and attached object if both equal
// the expected ones. Objects are compared with ==. A mismatch returns false
// without side effects, and a swap that changes nothing is not marked dirty.
func (b *BlockStore) CompareAndSetAux(x, y, z int, expect State, expectAux any, update State, updateAux any) bool {
	i := b.index(x, y, z)
	for {
		old, cur, curAux, _ := b.read(i)
		if cur != expect || curAux.value() != expectAux {
			return false
		}
		if _, _, ok := b.swapLane(i, old, update, updateAux); !ok {
			continue
		}
		if expect != update || expectAux != updateAux {
			b.dirty.Mark(x&b.mask, y&b.mask, z&b.mask, expect, update)
		}
		return true
	}
}

// RemoveAux detaches aux from a cell if it is the attached object, keeping
// the cell's state. It reports whether the object was removed.
func (b *BlockStore) RemoveAux(x, y, z int, aux any) bool {
	if aux == nil {
		return false
	}
	for {
		st, cur := b.GetFull(x, y, z)
		if cur != aux {
			return false
		}
		if b.CompareAndSetAux(x, y, z, st, aux, st, nil) {
			return true
		}
	}
}

// Touch marks a cell dirty without changing it and returns its state. The
// recorded change has equal old and new states.
func (b *BlockStore) Touch(x, y, z int) State {
	st := b.Get(x, y, z)
	b.dirty.Mark(x&b.mask, y&b.mask, z&b.mask, st, st)
	return st
}

// IsDirty reports whether any cell changed since the last reset.
func (b *BlockStore) IsDirty() bool { return b.dirty.IsDirty() }

// IsDirtyOverflow reports whether more cells changed than can be enumerated.
func (b *BlockStore) IsDirtyOverflow() bool { return b.dirty.IsOverflow() }

// DirtyCount is the number of changes since the last reset.
func (b *BlockStore) DirtyCount() int { return b.dirty.Count() }

// DirtyBlock returns the i-th changed cell since the last reset.
func (b *BlockStore) DirtyBlock(i int) (Pos, bool) { return b.dirty.Block(i) }

// DirtyOldState returns the state the i-th changed cell held before the
// change.
func (b *BlockStore) DirtyOldState(i int) (State, bool) {
	c, ok := b.dirty.Change(i)
	return c.Old, ok
}

// DirtyNewState returns the state the i-th change wrote.
func (b *BlockStore) DirtyNewState(i int) (State, bool) {
	c, ok := b.dirty.Change(i)
	return c.New, ok
}

// DirtyBounds returns the box enclosing every change since the last reset.
func (b *BlockStore) DirtyBounds() (lo, hi Pos, ok bool) { return b.dirty.Bounds() }

// ResetDirty clears dirty tracking and reports whether anything was dirty.
func (b *BlockStore) ResetDirty() bool { return b.dirty.Reset() }

// DrainDirty collects the changed cells and resets tracking atomically.
func (b *BlockStore) DrainDirty(dst []Pos) ([]Pos, bool) { return b.dirty.Drain(dst) }

// NeedsCompression reports whether the overflow table has grown and is now
// less than 3/8 occupied.
func (b *BlockStore) NeedsCompression() bool {
	b.checkCompressing()
	return b.overflow.IsAboveMinimumSize() && b.overflow.Entries()*8/3 < b.overflow.Len()
}

// Compress shrinks the overflow table and rewrites the lanes of every moved
// record. The caller must guarantee that nothing else accesses the store;
// accesses that race with Compress panic with ErrCompressing.
func (b *BlockStore) Compress() {
	if !b.compressing.CompareAndSwap(false, true) {
		panic(illegalState("compression started while compression was in progress"))
	}
	moves := b.overflow.Compress()
	if len(moves) > 0 {
		for i := 0; i < b.Volume(); i++ {
			lane := uint16(b.lanes.Get(i))
			if !b.overflow.IsReserved(lane) {
				continue
			}
			next, ok := moves[lane]
			if !ok {
				continue
			}
			if !b.lanes.CompareAndSwap(i, uint32(lane), uint32(next)) {
				panic(illegalState("unstable lane %d during compression", i))
			}
		}
	}
	b.compressing.Store(false)
}

// BlockIDs copies every cell's id into dst in index order. Each cell is read
// consistently; the copy as a whole is not a point-in-time view.
func (b *BlockStore) BlockIDs(dst []uint16) []uint16 {
	dst = sized(dst, b.Volume())
	for i := range dst {
		_, st, _, _ := b.read(i)
		dst[i] = st.ID
	}
	return dst
}

// DataValues copies every cell's data into dst in index order.
func (b *BlockStore) DataValues(dst []uint16) []uint16 {
	dst = sized(dst, b.Volume())
	for i := range dst {
		_, st, _, _ := b.read(i)
		dst[i] = st.Data
	}
	return dst
}

func sized(dst []uint16, n int) []uint16 {
	if cap(dst) < n {
		return make([]uint16, n)
	}
	return dst[:n]
}
