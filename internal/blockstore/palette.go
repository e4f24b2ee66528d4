package blockstore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

// PaletteArray is a fixed-length array of 32-bit values whose encoding
// adapts to the number of distinct values it holds: a single shared value,
// per-cell palette indices of 1 to 16 bits, or one full word per cell.
//
// Updates run concurrently under the read side of an RWMutex. A writer that
// meets a full palette takes the write side and upgrades the encoding; no
// update is in flight while it does.
type PaletteArray struct {
	mu      sync.RWMutex
	length  int
	backing atomic.Pointer[paletteBacking]
	changed atomic.Bool
}

// NewPaletteArray returns an array of length cells, all holding initial.
func NewPaletteArray(length int, initial uint32) *PaletteArray {
	if length <= 0 {
		panic(fmt.Sprintf("blockstore: palette array length %d", length))
	}
	a := &PaletteArray{length: length}
	a.publish(&uniformBacking{value: initial})
	return a
}

func (a *PaletteArray) publish(b paletteBacking) { a.backing.Store(&b) }

func (a *PaletteArray) load() paletteBacking { return *a.backing.Load() }

// Len is the number of cells.
func (a *PaletteArray) Len() int { return a.length }

// Kind names the current encoding.
func (a *PaletteArray) Kind() string { return a.load().kind() }

// Width is the per-cell width in bits: 0 for uniform, 32 for direct.
func (a *PaletteArray) Width() int { return a.load().width() }

// IsUniform reports whether every cell holds the same value.
func (a *PaletteArray) IsUniform() bool { return a.Kind() == KindUniform }

// Palette returns the interned values, including ones no longer referenced
// by any cell. It is nil for the direct encoding.
func (a *PaletteArray) Palette() []uint32 { return a.load().palette() }

// PackedWords returns the raw words of the palette index array, lane k of
// word w being cell w*(32/Width())+k. It is nil for the uniform and direct
// encodings. Together with Palette it is the compact serialized form.
func (a *PaletteArray) PackedWords() []uint32 {
	if p, ok := a.load().(*paletteIndexed); ok {
		return p.indices.Words()
	}
	return nil
}

// paletteCapacity is the number of values a width-bit palette may intern.
// Past a quarter of the cell count a palette saves nothing over direct cells.
func (a *PaletteArray) paletteCapacity(width int) int {
	return min(1<<width, a.length>>2)
}

func (a *PaletteArray) check(i int) {
	if uint(i) >= uint(a.length) {
		panic(fmt.Sprintf("blockstore: palette index %d out of range [0,%d)", i, a.length))
	}
}

// Get returns cell i.
func (a *PaletteArray) Get(i int) uint32 {
	a.check(i)
	return a.load().get(i)
}

// Set stores v in cell i and returns the previous value.
func (a *PaletteArray) Set(i int, v uint32) uint32 {
	a.check(i)
	for {
		a.mu.RLock()
		b := a.load()
		old, full := b.swap(i, v)
		a.mu.RUnlock()
		if !full {
			if old != v {
				a.changed.Store(true)
			}
			return old
		}
		a.upgrade(b)
	}
}

// CompareAndSet stores update in cell i if it holds expect.
func (a *PaletteArray) CompareAndSet(i int, expect, update uint32) bool {
	a.check(i)
	for {
		a.mu.RLock()
		b := a.load()
		ok, full := b.compareAndSwap(i, expect, update)
		a.mu.RUnlock()
		if !full {
			if ok && expect != update {
				a.changed.Store(true)
			}
			return ok
		}
		a.upgrade(b)
	}
}

// upgrade widens the encoding unless another writer already replaced from.
func (a *PaletteArray) upgrade(from paletteBacking) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.load() != from {
		return
	}
	switch b := from.(type) {
	case *uniformBacking:
		if a.paletteCapacity(1) < 2 {
			a.publish(a.direct(b))
			return
		}
		p := newPaletteIndexed(a.length, 1, a.paletteCapacity(1))
		p.intern(b.value)
		a.publish(p)
	case *paletteIndexed:
		w := b.width() << 1
		if w > 16 || a.paletteCapacity(w) <= len(b.values) {
			a.publish(a.direct(b))
			return
		}
		p := newPaletteIndexed(a.length, w, a.paletteCapacity(w))
		for k, n := 0, int(b.count.Load()); k < n; k++ {
			p.intern(b.values[k].Load())
		}
		for i := 0; i < a.length; i++ {
			p.indices.Set(i, b.indices.Get(i))
		}
		a.publish(p)
	default:
		panic(illegalState("palette array cannot widen %s encoding", from.kind()))
	}
}

func (a *PaletteArray) direct(from paletteBacking) *directBacking {
	d := &directBacking{cells: make([]atomic.Uint32, a.length)}
	for i := range d.cells {
		d.cells[i].Store(from.get(i))
	}
	return d
}

// Snapshot copies every cell into dst in order.
func (a *PaletteArray) Snapshot(dst []uint32) []uint32 {
	if cap(dst) < a.length {
		dst = make([]uint32, a.length)
	}
	dst = dst[:a.length]
	b := a.load()
	for i := range dst {
		dst[i] = b.get(i)
	}
	return dst
}

// SetAll replaces every cell, choosing the narrowest encoding for values.
func (a *PaletteArray) SetAll(values []uint32) error {
	if len(values) != a.length {
		return fmt.Errorf("blockstore: %d values for palette array of %d", len(values), a.length)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rebuild(values)
	a.changed.Store(true)
	return nil
}

// NeedsCompression reports whether the array changed since it was last
// compressed and is not already uniform.
func (a *PaletteArray) NeedsCompression() bool {
	return a.changed.Load() && !a.IsUniform()
}

// Compress drops palette entries no longer referenced by any cell,
// renumbers the rest and re-encodes at the narrowest width that fits.
func (a *PaletteArray) Compress() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rebuild(a.Snapshot(nil))
	a.changed.Store(false)
}

// rebuild must run under the write lock.
func (a *PaletteArray) rebuild(values []uint32) {
	inUse := roaring.New()
	inUse.AddMany(values)
	distinct := int(inUse.GetCardinality())
	if distinct == 1 {
		a.publish(&uniformBacking{value: values[0]})
		return
	}
	w := roundUpWidth(distinct - 1)
	if distinct > a.paletteCapacity(w) {
		d := &directBacking{cells: make([]atomic.Uint32, a.length)}
		for i, v := range values {
			d.cells[i].Store(v)
		}
		a.publish(d)
		return
	}
	p := newPaletteIndexed(a.length, w, a.paletteCapacity(w))
	it := inUse.Iterator()
	for it.HasNext() {
		p.intern(it.Next())
	}
	for i, v := range values {
		p.indices.Set(i, uint32(inUse.Rank(v)-1))
	}
	a.publish(p)
}

// roundUpWidth is the narrowest palette lane width that can hold index n.
func roundUpWidth(n int) int {
	w := 1
	for w < 16 && n >= 1<<w {
		w <<= 1
	}
	return w
}

// Lock stops every update until Unlock.
func (a *PaletteArray) Lock() { a.mu.Lock() }

// Unlock ends a Lock.
func (a *PaletteArray) Unlock() { a.mu.Unlock() }

// TryLock is Lock without waiting.
func (a *PaletteArray) TryLock() bool { return a.mu.TryLock() }
