package blockstore

import "fmt"

// State is the (id, data) pair held by one cell.
type State struct {
	ID   uint16
	Data uint16
}

// Packed returns the state as id<<16 | data.
func (s State) Packed() uint32 { return uint32(s.ID)<<16 | uint32(s.Data) }

// Unpack is the inverse of State.Packed.
func Unpack(v uint32) State { return State{ID: uint16(v >> 16), Data: uint16(v)} }

func (s State) String() string { return fmt.Sprintf("%d:%d", s.ID, s.Data) }

// Pos is a cell position local to a store.
type Pos struct {
	X, Y, Z int
}

const (
	minShift = 1
	maxShift = 8 // dirty coordinates are byte coded
)

// geometry flattens local coordinates. Cells are ordered x fastest, then z,
// then y: index = y<<(2*shift) | z<<shift | x. Construction, snapshots and
// dirty tracking all use this order.
type geometry struct {
	shift int
	side  int
	mask  int
}

func newGeometry(shift int) (geometry, error) {
	if shift < minShift || shift > maxShift {
		return geometry{}, fmt.Errorf("blockstore: shift %d out of range [%d,%d]", shift, minShift, maxShift)
	}
	side := 1 << shift
	return geometry{shift: shift, side: side, mask: side - 1}, nil
}

// Index flattens a position in a grid of side 1<<shift: y is the slowest
// axis and x the fastest. Coordinates are masked into [0, side).
func Index(shift, x, y, z int) int {
	mask := 1<<shift - 1
	return (y&mask)<<(2*shift) | (z&mask)<<shift | x&mask
}

// PosOf is the inverse of Index.
func PosOf(shift, i int) Pos {
	mask := 1<<shift - 1
	return Pos{X: i & mask, Z: (i >> shift) & mask, Y: i >> (2 * shift)}
}

func (g geometry) index(x, y, z int) int { return Index(g.shift, x, y, z) }

func (g geometry) pos(i int) Pos { return PosOf(g.shift, i) }

// Side is the grid edge length.
func (g geometry) Side() int { return g.side }

// Shift is log2 of the grid edge length.
func (g geometry) Shift() int { return g.shift }

// Volume is the number of cells.
func (g geometry) Volume() int { return g.side * g.side * g.side }

// Index returns the flattened index of a local position.
func (g geometry) Index(x, y, z int) int { return g.index(x, y, z) }

// PosOf is the inverse of Index.
func (g geometry) PosOf(i int) Pos { return g.pos(i) }
