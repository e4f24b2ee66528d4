package blockstore

import "fmt"

// PaletteStore is a cell grid backed by a PaletteArray of packed states. It
// suits chunks made of a few distinct states, such as open air or solid rock.
// It has no attached objects.
type PaletteStore struct {
	geometry
	cells *PaletteArray
	dirty *DirtyTracker
}

// NewPalette returns a store of side 1<<shift filled with fill.
func NewPalette(shift int, fill State, opts ...Option) (*PaletteStore, error) {
	g, err := newGeometry(shift)
	if err != nil {
		return nil, err
	}
	o := buildOptions(g.Volume(), opts)
	return &PaletteStore{
		geometry: g,
		cells:    NewPaletteArray(g.Volume(), fill.Packed()),
		dirty:    NewDirtyTracker(o.dirtyCapacity),
	}, nil
}

// NewPaletteFromArrays builds a store from flat id and data arrays in index
// order. Missing trailing entries are treated as zero.
func NewPaletteFromArrays(shift int, ids, data []uint16, opts ...Option) (*PaletteStore, error) {
	p, err := NewPalette(shift, State{}, opts...)
	if err != nil {
		return nil, err
	}
	n := p.Volume()
	if len(ids) > n || len(data) > n {
		return nil, fmt.Errorf("blockstore: %d ids and %d data values for %d cells", len(ids), len(data), n)
	}
	values := make([]uint32, n)
	for i := range values {
		var st State
		if i < len(ids) {
			st.ID = ids[i]
		}
		if i < len(data) {
			st.Data = data[i]
		}
		values[i] = st.Packed()
	}
	if err := p.cells.SetAll(values); err != nil {
		return nil, err
	}
	p.cells.Compress()
	return p, nil
}

// Cells exposes the underlying palette array.
func (p *PaletteStore) Cells() *PaletteArray { return p.cells }

// Get returns the state of a cell.
func (p *PaletteStore) Get(x, y, z int) State {
	return Unpack(p.cells.Get(p.index(x, y, z)))
}

// Set stores (id, data) in a cell and returns the previous state.
func (p *PaletteStore) Set(x, y, z int, id, data uint16) State {
	st := State{ID: id, Data: data}
	prev := Unpack(p.cells.Set(p.index(x, y, z), st.Packed()))
	p.mark(x, y, z, prev, st)
	return prev
}

// CompareAndSet replaces a cell's state if it equals expect. A swap that
// changes nothing is not marked dirty.
func (p *PaletteStore) CompareAndSet(x, y, z int, expect, update State) bool {
	if !p.cells.CompareAndSet(p.index(x, y, z), expect.Packed(), update.Packed()) {
		return false
	}
	if expect != update {
		p.mark(x, y, z, expect, update)
	}
	return true
}

// Touch marks a cell dirty without changing it and returns its state.
func (p *PaletteStore) Touch(x, y, z int) State {
	st := p.Get(x, y, z)
	p.mark(x, y, z, st, st)
	return st
}

func (p *PaletteStore) mark(x, y, z int, prev, next State) {
	p.dirty.Mark(x&p.mask, y&p.mask, z&p.mask, prev, next)
}

func (p *PaletteStore) IsDirty() bool                      { return p.dirty.IsDirty() }
func (p *PaletteStore) IsDirtyOverflow() bool              { return p.dirty.IsOverflow() }
func (p *PaletteStore) DirtyCount() int                    { return p.dirty.Count() }
func (p *PaletteStore) DirtyBlock(i int) (Pos, bool)       { return p.dirty.Block(i) }
func (p *PaletteStore) DirtyBounds() (lo, hi Pos, ok bool) { return p.dirty.Bounds() }
func (p *PaletteStore) ResetDirty() bool                   { return p.dirty.Reset() }

func (p *PaletteStore) DrainDirty(dst []Pos) ([]Pos, bool) { return p.dirty.Drain(dst) }

// DirtyOldState returns the state the i-th changed cell held before the
// change.
func (p *PaletteStore) DirtyOldState(i int) (State, bool) {
	c, ok := p.dirty.Change(i)
	return c.Old, ok
}

// DirtyNewState returns the state the i-th change wrote.
func (p *PaletteStore) DirtyNewState(i int) (State, bool) {
	c, ok := p.dirty.Change(i)
	return c.New, ok
}

// NeedsCompression reports whether the palette may hold unused entries.
func (p *PaletteStore) NeedsCompression() bool { return p.cells.NeedsCompression() }

// Compress re-encodes the palette. Concurrent updates wait for it.
func (p *PaletteStore) Compress() { p.cells.Compress() }

// PackedWords returns the packed palette indices of every cell, or nil when
// the store is uniform or direct. PackedWidth is their lane width.
func (p *PaletteStore) PackedWords() []uint32 { return p.cells.PackedWords() }

// PackedWidth is the lane width of PackedWords: 0 for uniform, 32 for direct.
func (p *PaletteStore) PackedWidth() int { return p.cells.Width() }

// IsUniform reports whether every cell holds the same state.
func (p *PaletteStore) IsUniform() bool { return p.cells.IsUniform() }

// BlockIDs copies every cell's id into dst in index order.
func (p *PaletteStore) BlockIDs(dst []uint16) []uint16 {
	dst = sized(dst, p.Volume())
	for i := range dst {
		dst[i] = Unpack(p.cells.Get(i)).ID
	}
	return dst
}

// DataValues copies every cell's data into dst in index order.
func (p *PaletteStore) DataValues(dst []uint16) []uint16 {
	dst = sized(dst, p.Volume())
	for i := range dst {
		dst[i] = Unpack(p.cells.Get(i)).Data
	}
	return dst
}
