package blockstore

import (
	"sync"
	"sync/atomic"

	"voxelstore.ai/internal/blockstore/packed"
)

// Backing kinds of a PaletteArray.
const (
	KindUniform = "uniform"
	KindPalette = "palette"
	KindDirect  = "direct"
)

// paletteBacking is one encoding of a PaletteArray. swap and compareAndSwap
// report full when the new value cannot be represented and the array has to
// be upgraded first.
type paletteBacking interface {
	kind() string
	width() int
	get(i int) uint32
	swap(i int, v uint32) (old uint32, full bool)
	compareAndSwap(i int, expect, update uint32) (swapped, full bool)
	palette() []uint32
}

type uniformBacking struct {
	value uint32
}

func (u *uniformBacking) kind() string       { return KindUniform }
func (u *uniformBacking) width() int         { return 0 }
func (u *uniformBacking) get(int) uint32     { return u.value }
func (u *uniformBacking) palette() []uint32  { return []uint32{u.value} }
func (u *uniformBacking) swap(_ int, v uint32) (uint32, bool) {
	return u.value, v != u.value
}

func (u *uniformBacking) compareAndSwap(_ int, expect, update uint32) (bool, bool) {
	if expect != u.value {
		return false, false
	}
	if update != u.value {
		return false, true
	}
	return true, false
}

// paletteIndexed stores a width-bit palette index per cell. New values are
// interned under a mutex; lookups go through a sync.Map so that the common
// case of a known value takes no lock.
type paletteIndexed struct {
	indices *packed.Array
	values  []atomic.Uint32
	count   atomic.Int32
	lookup  sync.Map // uint32 -> uint32 palette index
	mu      sync.Mutex
}

func newPaletteIndexed(length, width, capacity int) *paletteIndexed {
	return &paletteIndexed{
		indices: packed.New(length, width),
		values:  make([]atomic.Uint32, capacity),
	}
}

func (p *paletteIndexed) kind() string { return KindPalette }
func (p *paletteIndexed) width() int   { return p.indices.Width() }

func (p *paletteIndexed) get(i int) uint32 {
	return p.values[p.indices.Get(i)].Load()
}

func (p *paletteIndexed) palette() []uint32 {
	n := int(p.count.Load())
	out := make([]uint32, n)
	for k := range out {
		out[k] = p.values[k].Load()
	}
	return out
}

// intern returns the palette index of v, adding it if there is room. The
// value is stored before the index is published, so a reader that finds the
// index in a cell always finds the value.
func (p *paletteIndexed) intern(v uint32) (uint32, bool) {
	if id, ok := p.lookup.Load(v); ok {
		return id.(uint32), true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.lookup.Load(v); ok {
		return id.(uint32), true
	}
	n := int(p.count.Load())
	if n >= len(p.values) {
		return 0, false
	}
	p.values[n].Store(v)
	p.count.Store(int32(n + 1))
	p.lookup.Store(v, uint32(n))
	return uint32(n), true
}

func (p *paletteIndexed) swap(i int, v uint32) (uint32, bool) {
	id, ok := p.intern(v)
	if !ok {
		return 0, true
	}
	return p.values[p.indices.Swap(i, id)].Load(), false
}

func (p *paletteIndexed) compareAndSwap(i int, expect, update uint32) (bool, bool) {
	for {
		cur := p.indices.Get(i)
		if p.values[cur].Load() != expect {
			return false, false
		}
		id, ok := p.intern(update)
		if !ok {
			return false, true
		}
		if p.indices.CompareAndSwap(i, cur, id) {
			return true, false
		}
	}
}

type directBacking struct {
	cells []atomic.Uint32
}

func (d *directBacking) kind() string     { return KindDirect }
func (d *directBacking) width() int       { return 32 }
func (d *directBacking) get(i int) uint32 { return d.cells[i].Load() }
func (d *directBacking) palette() []uint32 { return nil }

func (d *directBacking) swap(i int, v uint32) (uint32, bool) {
	return d.cells[i].Swap(v), false
}

func (d *directBacking) compareAndSwap(i int, expect, update uint32) (bool, bool) {
	return d.cells[i].CompareAndSwap(expect, update), false
}
