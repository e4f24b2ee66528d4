package blockstore

import (
	"math"
	"runtime"
	"sync/atomic"
)

// DefaultDirtyCapacity is the number of changed cells recorded individually
// between resets.
const DefaultDirtyCapacity = 10

const (
	dirtySealed = uint64(1) << 63
	dirtyReady  = uint32(1) << 31
	boundsSet   = uint64(1) << 48
)

// DirtyTracker records cells changed since the last reset. The first
// capacity changes are kept in a ring in call order, each with the state
// before and after the change; later changes only raise the count so that
// overflow can be detected.
//
// Every reset retires the current generation and installs a fresh one. A
// marker that claimed a slot before the reset publishes into the retired
// generation, which nobody reads any more, so it can never clobber or
// stall a newer entry.
type DirtyTracker struct {
	gen      atomic.Pointer[dirtyGen]
	capacity int
}

type dirtyGen struct {
	counter atomic.Uint64 // sealed bit | count
	ring    []dirtyEntry
	bounds  atomic.Uint64 // set bit | min xyz | max xyz, one byte per axis
}

type dirtyEntry struct {
	pos    atomic.Uint32 // ready bit | z<<16 | y<<8 | x
	states atomic.Uint64 // old<<32 | new
}

// DirtyChange is one recorded change.
type DirtyChange struct {
	Pos
	Old, New State
}

// NewDirtyTracker returns a tracker holding up to capacity coordinates.
func NewDirtyTracker(capacity int) *DirtyTracker {
	d := &DirtyTracker{capacity: max(capacity, 0)}
	d.gen.Store(d.newGen())
	return d
}

func (d *DirtyTracker) newGen() *dirtyGen {
	return &dirtyGen{ring: make([]dirtyEntry, d.capacity)}
}

// Capacity is the number of coordinates the ring holds.
func (d *DirtyTracker) Capacity() int { return d.capacity }

// Mark records a change of a cell from prev to next. Coordinates are
// truncated to a byte each.
func (d *DirtyTracker) Mark(x, y, z int, prev, next State) {
	g, n := d.claim()
	if n < uint64(len(g.ring)) {
		g.ring[n].publish(uint32(uint8(x))|uint32(uint8(y))<<8|uint32(uint8(z))<<16, prev, next)
	}
	g.widen(uint8(x), uint8(y), uint8(z))
}

// claim takes the next slot of the live generation.
func (d *DirtyTracker) claim() (*dirtyGen, uint64) {
	for {
		g := d.gen.Load()
		c := g.counter.Load()
		if c&dirtySealed != 0 {
			// Sealed but not yet replaced; the sealer installs the next
			// generation right after.
			runtime.Gosched()
			continue
		}
		if c == math.MaxUint32 {
			return g, c
		}
		if g.counter.CompareAndSwap(c, c+1) {
			return g, c
		}
	}
}

func (e *dirtyEntry) publish(pos uint32, prev, next State) {
	e.states.Store(uint64(prev.Packed())<<32 | uint64(next.Packed()))
	e.pos.Store(dirtyReady | pos)
}

func (g *dirtyGen) widen(x, y, z uint8) {
	for {
		old := g.bounds.Load()
		var b [6]uint8 // min x y z, max x y z
		if old&boundsSet == 0 {
			b = [6]uint8{x, y, z, x, y, z}
		} else {
			for k := range b {
				b[k] = uint8(old >> (40 - 8*k))
			}
			b[0], b[1], b[2] = min(b[0], x), min(b[1], y), min(b[2], z)
			b[3], b[4], b[5] = max(b[3], x), max(b[4], y), max(b[5], z)
		}
		next := boundsSet
		for k, v := range b {
			next |= uint64(v) << (40 - 8*k)
		}
		if next == old || g.bounds.CompareAndSwap(old, next) {
			return
		}
	}
}

func (g *dirtyGen) count() int { return int(g.counter.Load() &^ dirtySealed) }

// Count is the number of changes since the last reset, including those not
// kept in the ring.
func (d *DirtyTracker) Count() int { return d.gen.Load().count() }

// IsDirty reports whether anything changed since the last reset.
func (d *DirtyTracker) IsDirty() bool { return d.Count() > 0 }

// IsOverflow reports whether more changes happened than the ring can hold.
func (d *DirtyTracker) IsOverflow() bool { return d.Count() > d.capacity }

// Block returns the position of the i-th recorded change since the last
// reset.
func (d *DirtyTracker) Block(i int) (Pos, bool) {
	c, ok := d.Change(i)
	return c.Pos, ok
}

// Change returns the i-th recorded change since the last reset.
func (d *DirtyTracker) Change(i int) (DirtyChange, bool) {
	g := d.gen.Load()
	if i < 0 || i >= g.count() || i >= len(g.ring) {
		return DirtyChange{}, false
	}
	return d.wait(g, i)
}

// wait reads entry i of g, which has been counted. The marker may not have
// published it yet.
func (d *DirtyTracker) wait(g *dirtyGen, i int) (DirtyChange, bool) {
	e := &g.ring[i]
	for {
		p := e.pos.Load()
		if p&dirtyReady != 0 {
			s := e.states.Load()
			return DirtyChange{
				Pos: Pos{X: int(uint8(p)), Y: int(uint8(p >> 8)), Z: int(uint8(p >> 16))},
				Old: Unpack(uint32(s >> 32)),
				New: Unpack(uint32(s)),
			}, true
		}
		if d.gen.Load() != g {
			return DirtyChange{}, false
		}
		runtime.Gosched()
	}
}

// Bounds returns the box enclosing every change since the last reset.
func (d *DirtyTracker) Bounds() (lo, hi Pos, ok bool) {
	g := d.gen.Load()
	if g.count() == 0 {
		return Pos{}, Pos{}, false
	}
	b := g.bounds.Load()
	if b&boundsSet == 0 {
		return Pos{}, Pos{}, false
	}
	at := func(k int) int { return int(uint8(b >> (40 - 8*k))) }
	return Pos{X: at(0), Y: at(1), Z: at(2)}, Pos{X: at(3), Y: at(4), Z: at(5)}, true
}

// seal closes g at exactly count c and installs a fresh generation. It
// fails if a mark or another reset got in first.
func (d *DirtyTracker) seal(g *dirtyGen, c uint64) bool {
	if !g.counter.CompareAndSwap(c, c|dirtySealed) {
		return false
	}
	d.gen.Store(d.newGen())
	return true
}

// Reset clears the tracker and reports whether anything was dirty.
func (d *DirtyTracker) Reset() bool {
	for {
		g := d.gen.Load()
		c := g.counter.Load()
		if c&dirtySealed != 0 {
			runtime.Gosched()
			continue
		}
		if c == 0 {
			return false
		}
		if d.seal(g, c) {
			return true
		}
	}
}

// Drain appends the recorded positions to dst and resets the tracker in one
// step. Marks that land while draining restart the collection, so nothing
// recorded before the returned reset is lost. overflow reports that more
// cells changed than the ring holds; the caller must treat the whole
// section as changed.
func (d *DirtyTracker) Drain(dst []Pos) (out []Pos, overflow bool) {
	for done := false; !done; {
		out = dst
		overflow, done = d.drain(func(c DirtyChange) { out = append(out, c.Pos) })
	}
	return out, overflow
}

// DrainChanges is Drain with the old and new state of every change.
func (d *DirtyTracker) DrainChanges(dst []DirtyChange) (out []DirtyChange, overflow bool) {
	for done := false; !done; {
		out = dst
		overflow, done = d.drain(func(c DirtyChange) { out = append(out, c) })
	}
	return out, overflow
}

// drain makes one collection attempt over the live generation.
func (d *DirtyTracker) drain(emit func(DirtyChange)) (overflow, done bool) {
	g := d.gen.Load()
	c := g.counter.Load()
	if c&dirtySealed != 0 {
		runtime.Gosched()
		return false, false
	}
	n := int(c)
	if n == 0 {
		return false, true
	}
	overflow = n > len(g.ring)
	if !overflow {
		for i := 0; i < n; i++ {
			ch, ok := d.wait(g, i)
			if !ok {
				return false, false
			}
			emit(ch)
		}
	}
	return overflow, d.seal(g, c)
}
