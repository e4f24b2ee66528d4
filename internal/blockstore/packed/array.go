// Package packed implements fixed-length arrays of sub-word lanes that can be
// read and updated atomically, lane by lane.
//
// Lanes are packed into 32-bit atomic words; lane k of a word occupies bits
// [k*width, (k+1)*width). Updates rebuild the whole word and CAS it, so a
// write to one lane never clobbers its siblings.
package packed

import (
	"fmt"
	"sync/atomic"
)

const wordBits = 32

// Array is a fixed-length array of width-bit unsigned lanes.
type Array struct {
	words  []atomic.Uint32
	length int
	width  uint
	shift  uint // log2(lanes per word)
	mask   uint32
}

// ValidWidth reports whether w is a supported lane width.
func ValidWidth(w int) bool {
	switch w {
	case 1, 2, 4, 8, 16, 32:
		return true
	}
	return false
}

// New returns a zeroed array of length lanes, each width bits wide. The
// length need not fill the last word; its spare lanes stay zero. New panics
// on an unsupported width or a negative length.
func New(length, width int) *Array {
	if !ValidWidth(width) {
		panic(fmt.Sprintf("packed: unsupported lane width %d", width))
	}
	if length < 0 {
		panic(fmt.Sprintf("packed: negative length %d", length))
	}
	lanes := wordBits / width
	shift := uint(0)
	for (1 << shift) < lanes {
		shift++
	}
	a := &Array{
		length: length,
		width:  uint(width),
		shift:  shift,
	}
	if width == wordBits {
		a.mask = ^uint32(0)
	} else {
		a.mask = (uint32(1) << uint(width)) - 1
	}
	a.words = make([]atomic.Uint32, (length+lanes-1)/lanes)
	return a
}

// NewFrom returns an array of width-bit lanes initialised from values.
// Values wider than the lane are truncated.
func NewFrom(width int, values []uint32) *Array {
	a := New(len(values), width)
	for i, v := range values {
		a.Set(i, v)
	}
	return a
}

// Len returns the number of lanes.
func (a *Array) Len() int { return a.length }

// Width returns the lane width in bits.
func (a *Array) Width() int { return int(a.width) }

// MaxValue is the largest value a lane can hold.
func (a *Array) MaxValue() uint32 { return a.mask }

func (a *Array) locate(i int) (word int, bit uint) {
	if uint(i) >= uint(a.length) {
		panic(fmt.Sprintf("packed: index %d out of range [0,%d)", i, a.length))
	}
	return i >> a.shift, uint(i&((1<<a.shift)-1)) * a.width
}

// Get returns lane i.
func (a *Array) Get(i int) uint32 {
	w, bit := a.locate(i)
	return (a.words[w].Load() >> bit) & a.mask
}

// Set stores v into lane i.
func (a *Array) Set(i int, v uint32) {
	a.Swap(i, v)
}

// Swap stores v into lane i and returns the previous lane value.
func (a *Array) Swap(i int, v uint32) uint32 {
	w, bit := a.locate(i)
	v &= a.mask
	if a.width == wordBits {
		return a.words[w].Swap(v)
	}
	word := &a.words[w]
	for {
		old := word.Load()
		next := (old &^ (a.mask << bit)) | (v << bit)
		if word.CompareAndSwap(old, next) {
			return (old >> bit) & a.mask
		}
	}
}

// CompareAndSwap sets lane i to update if it currently holds expect.
// Contention on sibling lanes of the same word is retried internally and
// never causes a false result.
func (a *Array) CompareAndSwap(i int, expect, update uint32) bool {
	w, bit := a.locate(i)
	expect &= a.mask
	update &= a.mask
	if a.width == wordBits {
		return a.words[w].CompareAndSwap(expect, update)
	}
	word := &a.words[w]
	for {
		old := word.Load()
		if (old>>bit)&a.mask != expect {
			return false
		}
		next := (old &^ (a.mask << bit)) | (update << bit)
		if word.CompareAndSwap(old, next) {
			return true
		}
	}
}

// Snapshot copies every lane into dst, growing it if needed, and returns it.
// Each lane is read atomically; the copy as a whole is not a point-in-time
// view while writers are active.
func (a *Array) Snapshot(dst []uint32) []uint32 {
	if cap(dst) < a.length {
		dst = make([]uint32, a.length)
	}
	dst = dst[:a.length]
	for i := range dst {
		dst[i] = a.Get(i)
	}
	return dst
}

// Words returns a copy of the raw backing words.
func (a *Array) Words() []uint32 {
	out := make([]uint32, len(a.words))
	for i := range a.words {
		out[i] = a.words[i].Load()
	}
	return out
}
