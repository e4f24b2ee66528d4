package blockstore

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"voxelstore.ai/internal/blockstore/packed"
)

const (
	spinLimit        = 10
	maxFailThreshold = 256
	loadFactor       = 0.49

	// DefaultOverflowLength is the initial and minimum overflow table length.
	DefaultOverflowLength = 16
	// MaxOverflowLength bounds the reserved range so that at least half of
	// the 16-bit lane space stays available for literal ids.
	MaxOverflowLength = 1 << 15
)

type auxBox struct {
	v any
}

func (b *auxBox) value() any {
	if b == nil {
		return nil
	}
	return b.v
}

// overflowTable is the backing storage of an OverflowStore. A table is
// published once and never shrinks or grows; resize and compress publish a
// replacement. Slots of a replaced table are left Unstable forever.
type overflowTable struct {
	seq    *packed.Array
	values []atomic.Uint32
	aux    []atomic.Pointer[auxBox]
	used   []atomic.Bool
}

func newOverflowTable(n int, seq *seqCounter) *overflowTable {
	t := &overflowTable{
		seq:    packed.New(n, 32),
		values: make([]atomic.Uint32, n),
		aux:    make([]atomic.Pointer[auxBox], n),
		used:   make([]atomic.Bool, n),
	}
	for i := 0; i < n; i++ {
		t.seq.Set(i, seq.next())
	}
	return t
}

func (t *overflowTable) len() int { return len(t.values) }

func (t *overflowTable) copySlot(dst *overflowTable, from, to int) {
	dst.values[to].Store(t.values[from].Load())
	dst.aux[to].Store(t.aux[from].Load())
	dst.used[to].Store(true)
}

// OverflowStore holds promoted (id, data, aux) records addressed by reserved
// 16-bit indices. Reads are optimistic and validated by per-slot sequence
// numbers; writers claim a slot by swapping its sequence to Unstable.
type OverflowStore struct {
	table   atomic.Pointer[overflowTable]
	entries atomic.Int32
	scan    atomic.Uint32
	seq     seqCounter
	waiters *waitSet

	mask      uint16
	maxLength int
	minLength int
}

// NewOverflowStore sizes the reserved range for maxEntries live records.
// initialLength is rounded up to a power of two and to at least
// DefaultOverflowLength; it is also the floor Compress shrinks to.
func NewOverflowStore(maxEntries, initialLength int) (*OverflowStore, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("blockstore: max overflow entries must be positive, got %d", maxEntries)
	}
	maxLength := roundUpPow2(int(float64(maxEntries) / loadFactor))
	if maxLength > MaxOverflowLength {
		return nil, fmt.Errorf("blockstore: max overflow entries %d needs %d reserved indices, limit is %d",
			maxEntries, maxLength, MaxOverflowLength)
	}
	length := roundUpPow2(max(initialLength, DefaultOverflowLength))
	length = min(length, maxLength)

	s := &OverflowStore{
		waiters:   newWaitSet(),
		mask:      uint16(^(maxLength - 1) & 0xFFFF),
		maxLength: maxLength,
		minLength: length,
	}
	s.table.Store(newOverflowTable(length, &s.seq))
	return s, nil
}

func roundUpPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// IsReserved reports whether a lane value is an overflow index rather than a
// literal id.
func (s *OverflowStore) IsReserved(v uint16) bool { return v&s.mask == s.mask }

// ReservedFloor is the smallest reserved lane value.
func (s *OverflowStore) ReservedFloor() uint16 { return s.mask }

func (s *OverflowStore) toExternal(i int) uint16 { return uint16(i) | s.mask }

func (s *OverflowStore) toInternal(v uint16) int { return int(v &^ s.mask) }

// Len is the live table length.
func (s *OverflowStore) Len() int { return s.table.Load().len() }

// Entries is the number of live records, including adds in flight.
func (s *OverflowStore) Entries() int { return int(s.entries.Load()) }

// MaxLength is the hard ceiling on the table length.
func (s *OverflowStore) MaxLength() int { return s.maxLength }

// IsAboveMinimumSize reports whether the table has grown past its initial
// length.
func (s *OverflowStore) IsAboveMinimumSize() bool { return s.Len() > s.minLength }

func (s *OverflowStore) needsResize(t *overflowTable) bool {
	n := t.len()
	return n < s.maxLength && int(s.entries.Load()) >= n-n>>2
}

func (s *OverflowStore) checkSlot(t *overflowTable, i int) {
	if i >= t.len() {
		panic(illegalState("overflow index %d beyond table length %d", i, t.len()))
	}
}

func (s *OverflowStore) release(t *overflowTable, i int, seq uint32) {
	t.seq.Set(i, seq)
	s.waiters.notify(i)
}

// awaitStable backs off while slot i of t is claimed. It returns as soon as
// the slot is released or t has been replaced.
func (s *OverflowStore) awaitStable(t *overflowTable, i, spins int) {
	if spins < spinLimit {
		runtime.Gosched()
		return
	}
	s.waiters.wait(i, func() bool {
		return t.seq.Get(i) == Unstable && s.table.Load() == t
	})
}

// Add stores a record and returns its reserved index. It panics with
// ErrCapacityExhausted when the store is full.
func (s *OverflowStore) Add(id, data uint16, aux any) uint16 {
	n := int(s.entries.Add(1))
	if n > s.maxLength {
		s.entries.Add(-1)
		panic(fmt.Errorf("%w: %d entries, maximum %d", ErrCapacityExhausted, n, s.maxLength))
	}
	var box *auxBox
	if aux != nil {
		box = &auxBox{v: aux}
	}
	v := State{ID: id, Data: data}.Packed()
	for {
		if s.needsResize(s.table.Load()) {
			s.resize()
		}
		t := s.table.Load()
		i := int(s.scan.Add(1)-1) & (t.len() - 1)
		if t.used[i].Load() {
			continue
		}
		prev := t.seq.Swap(i, Unstable)
		if prev == Unstable {
			continue
		}
		if t.used[i].Load() {
			s.release(t, i, prev)
			continue
		}
		t.values[i].Store(v)
		t.aux[i].Store(box)
		t.used[i].Store(true)
		s.release(t, i, s.seq.next())
		return s.toExternal(i)
	}
}

// Remove frees the record at index and returns what it held. Removing an
// empty slot panics with ErrIllegalState.
func (s *OverflowStore) Remove(index uint16) State {
	st, _ := s.remove(index)
	return st
}

// RemoveAux is Remove that also returns the attached object.
func (s *OverflowStore) RemoveAux(index uint16) (State, any) {
	return s.remove(index)
}

func (s *OverflowStore) remove(index uint16) (State, any) {
	i := s.toInternal(index)
	for spins := 0; ; spins++ {
		t := s.table.Load()
		s.checkSlot(t, i)
		prev := t.seq.Swap(i, Unstable)
		if prev == Unstable {
			s.awaitStable(t, i, spins)
			continue
		}
		if !t.used[i].Load() {
			s.release(t, i, prev)
			panic(illegalState("remove of empty overflow slot %#04x", index))
		}
		st := Unpack(t.values[i].Swap(0))
		aux := t.aux[i].Swap(nil).value()
		t.used[i].Store(false)
		s.entries.Add(-1)
		s.release(t, i, s.seq.next())
		return st, aux
	}
}

// load is the optimistic read of internal slot i. The returned sequence was
// stable for the whole read; ok is false if the slot was empty.
func (s *OverflowStore) load(i int) (v uint32, aux *auxBox, seq uint32, ok bool) {
	for spins := 0; ; spins++ {
		t := s.table.Load()
		s.checkSlot(t, i)
		seq = t.seq.Get(i)
		if seq == Unstable {
			s.awaitStable(t, i, spins)
			continue
		}
		ok = t.used[i].Load()
		v = t.values[i].Load()
		aux = t.aux[i].Load()
		if t.seq.Get(i) != seq {
			continue
		}
		return v, aux, seq, ok
	}
}

func (s *OverflowStore) validate(i int, seq uint32) bool {
	return seq != Unstable && s.table.Load().seq.Get(i) == seq
}

func (s *OverflowStore) mustLoad(index uint16) (uint32, *auxBox) {
	v, aux, _, ok := s.load(s.toInternal(index))
	if !ok {
		panic(illegalState("read of empty overflow slot %#04x", index))
	}
	return v, aux
}

// GetPacked returns the record at index as id<<16 | data.
func (s *OverflowStore) GetPacked(index uint16) uint32 {
	v, _ := s.mustLoad(index)
	return v
}

// Get returns the record at index.
func (s *OverflowStore) Get(index uint16) State { return Unpack(s.GetPacked(index)) }

// GetID returns the id of the record at index.
func (s *OverflowStore) GetID(index uint16) uint16 { return s.Get(index).ID }

// GetData returns the data of the record at index.
func (s *OverflowStore) GetData(index uint16) uint16 { return s.Get(index).Data }

// GetAux returns the object attached to the record at index, or nil.
func (s *OverflowStore) GetAux(index uint16) any {
	_, aux := s.mustLoad(index)
	return aux.value()
}

// Sequence returns the current sequence of index, which may be Unstable.
// Use TestSequence to check for change.
func (s *OverflowStore) Sequence(index uint16) uint32 {
	i := s.toInternal(index)
	t := s.table.Load()
	s.checkSlot(t, i)
	return t.seq.Get(i)
}

// TestSequence reports whether index still carries the stable sequence seq.
func (s *OverflowStore) TestSequence(index uint16, seq uint32) bool {
	return s.validate(s.toInternal(index), seq)
}

// TestUnstable reports whether index is currently claimed.
func (s *OverflowStore) TestUnstable(index uint16) bool {
	return s.Sequence(index) == Unstable
}

// TryLock claims every slot of the store. It fails at once if the first slot
// is already claimed, and gives up after maxFails failed claims on the rest
// (maxFails <= 0 retries forever). On failure nothing stays claimed.
// While locked, every other operation on the store waits, including those of
// the locking goroutine.
func (s *OverflowStore) TryLock(maxFails int) bool {
	return s.tryLock(s.table.Load(), maxFails)
}

// Unlock releases a lock obtained with TryLock.
func (s *OverflowStore) Unlock() {
	t := s.table.Load()
	s.unlock(t, t.len())
}

func (s *OverflowStore) tryLock(t *overflowTable, maxFails int) bool {
	if t.seq.Swap(0, Unstable) == Unstable {
		return false
	}
	fails := 0
	for i := 1; i < t.len(); i++ {
		for t.seq.Swap(i, Unstable) == Unstable {
			fails++
			if maxFails > 0 && fails > maxFails {
				s.unlock(t, i)
				return false
			}
			runtime.Gosched()
		}
	}
	return true
}

func (s *OverflowStore) unlock(t *overflowTable, locked int) {
	for i := 0; i < locked; i++ {
		if !t.seq.CompareAndSwap(i, Unstable, s.seq.next()) {
			panic(illegalState("overflow slot %d was not locked on unlock", i))
		}
	}
	s.waiters.notifyAll()
}

// resize doubles the table once occupancy passes the growth mark. It returns
// when the table no longer needs to grow, whoever grew it.
func (s *OverflowStore) resize() {
	for {
		t := s.table.Load()
		if !s.needsResize(t) {
			return
		}
		if !s.tryLock(t, maxFailThreshold) {
			runtime.Gosched()
			continue
		}
		if !s.needsResize(t) {
			s.unlock(t, t.len())
			return
		}
		nt := newOverflowTable(t.len()<<1, &s.seq)
		for i := 0; i < t.len(); i++ {
			if t.used[i].Load() {
				t.copySlot(nt, i, i)
			}
		}
		s.table.Store(nt)
		s.waiters.notifyAll()
		return
	}
}

// Compress rebuilds the table densely at the smallest length that holds the
// live records below the growth mark, never below the initial length. It
// returns the moves it made, old index to new index; every reserved lane that
// refers to a moved record must be rewritten by the caller.
//
// Compress must only run while nothing else accesses the store.
func (s *OverflowStore) Compress() map[uint16]uint16 {
	t := s.table.Load()
	live := int(s.entries.Load())
	n := s.minLength
	for n < s.maxLength && live >= n-n>>2 {
		n <<= 1
	}
	nt := newOverflowTable(n, &s.seq)
	moves := make(map[uint16]uint16, live)
	j := 0
	for i := 0; i < t.len(); i++ {
		if !t.used[i].Load() {
			continue
		}
		if t.seq.Get(i) == Unstable {
			panic(illegalState("overflow slot %d unstable during compression", i))
		}
		if j >= n {
			panic(illegalState("overflow holds more records than its %d counted entries", live))
		}
		t.copySlot(nt, i, j)
		if i != j {
			moves[s.toExternal(i)] = s.toExternal(j)
		}
		j++
	}
	if j != live {
		panic(illegalState("overflow entry count %d does not match %d live records", live, j))
	}
	for i := 0; i < t.len(); i++ {
		t.seq.Set(i, Unstable)
	}
	s.table.Store(nt)
	s.scan.Store(uint32(j))
	s.waiters.notifyAll()
	return moves
}
