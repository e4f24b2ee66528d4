package blockstore

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T, shift int, opts ...Option) *BlockStore {
	t.Helper()
	b, err := New(shift, opts...)
	require.NoError(t, err)
	return b
}

// leakCheck asserts that every promoted cell owns exactly one overflow record.
func leakCheck(t *testing.T, b *BlockStore) {
	t.Helper()
	ids := b.BlockIDs(nil)
	data := b.DataValues(nil)
	promoted := 0
	for i := range ids {
		if data[i] != 0 || b.IsReserved(ids[i]) {
			promoted++
		}
	}
	require.Equal(t, promoted, b.OverflowEntries(), "overflow records leaked or lost")
}

func TestNewRejectsBadShift(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
	_, err = New(9)
	require.Error(t, err)
}

func TestIndexOrderXFastestThenZThenY(t *testing.T) {
	b := newTestStore(t, 4)
	assert.Equal(t, 1, b.Index(1, 0, 0))
	assert.Equal(t, 16, b.Index(0, 0, 1))
	assert.Equal(t, 256, b.Index(0, 1, 0))
	assert.Equal(t, Pos{X: 3, Y: 5, Z: 7}, b.PosOf(b.Index(3, 5, 7)))
}

func TestPromoteAndDemoteScenario(t *testing.T) {
	b := newTestStore(t, 4)
	before := b.OverflowEntries()

	b.Set(1, 2, 3, 5, 0)
	require.Equal(t, uint16(5), b.GetID(1, 2, 3))
	require.Equal(t, before, b.OverflowEntries(), "zero data stays inline")

	prev := b.Set(1, 2, 3, 5, 9)
	require.Equal(t, State{ID: 5}, prev)
	require.Equal(t, uint16(9), b.GetData(1, 2, 3))
	require.Equal(t, before+1, b.OverflowEntries())

	prev = b.Set(1, 2, 3, 5, 0)
	require.Equal(t, State{ID: 5, Data: 9}, prev)
	require.Equal(t, State{ID: 5}, b.Get(1, 2, 3))
	require.Equal(t, before, b.OverflowEntries(), "demotion frees the record")
}

func TestReservedIDIsPromoted(t *testing.T) {
	b := newTestStore(t, 4)
	id := b.overflow.ReservedFloor() + 3
	b.Set(0, 0, 0, id, 0)
	require.Equal(t, State{ID: id}, b.Get(0, 0, 0))
	require.Equal(t, 1, b.OverflowEntries())
}

func TestSetGetRoundTripEveryCell(t *testing.T) {
	b := newTestStore(t, 3)
	rng := rand.New(rand.NewSource(1))
	want := make([]State, b.Volume())
	for i := range want {
		st := State{ID: uint16(rng.Intn(1 << 16))}
		if rng.Intn(4) == 0 {
			st.Data = uint16(rng.Intn(1<<16-1) + 1)
		}
		want[i] = st
		p := b.PosOf(i)
		b.Set(p.X, p.Y, p.Z, st.ID, st.Data)
	}
	for i, st := range want {
		p := b.PosOf(i)
		require.Equal(t, st, b.Get(p.X, p.Y, p.Z), "cell %v", p)
	}
	leakCheck(t, b)
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := newTestStore(t, 4)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 2000; i++ {
		var data uint16
		if rng.Intn(3) == 0 {
			data = uint16(rng.Intn(50) + 1)
		}
		b.Set(rng.Intn(16), rng.Intn(16), rng.Intn(16), uint16(rng.Intn(1<<16)), data)
	}

	rebuilt, err := NewFromArrays(4, b.BlockIDs(nil), b.DataValues(nil))
	require.NoError(t, err)
	require.False(t, rebuilt.IsDirty(), "bulk construction does not mark cells dirty")
	for i := 0; i < b.Volume(); i++ {
		p := b.PosOf(i)
		require.Equal(t, b.Get(p.X, p.Y, p.Z), rebuilt.Get(p.X, p.Y, p.Z))
	}
	leakCheck(t, rebuilt)
}

func TestNewFromArraysRejectsOversizedInput(t *testing.T) {
	_, err := NewFromArrays(2, make([]uint16, 65), nil)
	require.Error(t, err)
}

func TestCompareAndSet(t *testing.T) {
	b := newTestStore(t, 4)
	require.False(t, b.CompareAndSet(1, 1, 1, State{ID: 1}, State{ID: 2}))
	require.True(t, b.CompareAndSet(1, 1, 1, State{}, State{ID: 2, Data: 4}))
	require.False(t, b.CompareAndSet(1, 1, 1, State{ID: 2}, State{ID: 3}), "data must match too")
	require.True(t, b.CompareAndSet(1, 1, 1, State{ID: 2, Data: 4}, State{ID: 3}))
	require.Equal(t, State{ID: 3}, b.Get(1, 1, 1))
	require.Equal(t, 0, b.OverflowEntries())
}

func TestNoOpCompareAndSetIsNotDirty(t *testing.T) {
	b := newTestStore(t, 4)
	require.True(t, b.CompareAndSet(1, 1, 1, State{}, State{}))
	require.Zero(t, b.DirtyCount())

	b.Set(2, 2, 2, 7, 3)
	require.True(t, b.ResetDirty())
	require.True(t, b.CompareAndSet(2, 2, 2, State{ID: 7, Data: 3}, State{ID: 7, Data: 3}))
	require.False(t, b.IsDirty())

	// Set always counts, even when it writes the same state.
	b.Set(2, 2, 2, 7, 3)
	require.Equal(t, 1, b.DirtyCount())
}

func TestDirtyChangesCarryStates(t *testing.T) {
	b := newTestStore(t, 4)
	b.Set(1, 2, 3, 5, 0)
	require.True(t, b.CompareAndSet(1, 2, 3, State{ID: 5}, State{ID: 6, Data: 2}))
	b.Touch(1, 2, 3)

	want := []struct{ from, to State }{
		{State{}, State{ID: 5}},
		{State{ID: 5}, State{ID: 6, Data: 2}},
		{State{ID: 6, Data: 2}, State{ID: 6, Data: 2}},
	}
	for i, w := range want {
		old, ok := b.DirtyOldState(i)
		require.True(t, ok)
		require.Equal(t, w.from, old, "change %d", i)
		cur, ok := b.DirtyNewState(i)
		require.True(t, ok)
		require.Equal(t, w.to, cur, "change %d", i)
	}
	_, ok := b.DirtyOldState(len(want))
	require.False(t, ok)
}

func TestReadOfEmptyOverflowSlotPanics(t *testing.T) {
	b := newTestStore(t, 4)
	b.Set(3, 3, 3, 9, 1)
	lane := uint16(b.lanes.Get(b.index(3, 3, 3)))
	require.True(t, b.IsReserved(lane))
	b.overflow.Remove(lane) // the lane still points at the freed slot

	err := capturePanic(func() { b.Get(3, 3, 3) })
	require.ErrorIs(t, err, ErrIllegalState)
}

func TestPackageIndexMatchesStores(t *testing.T) {
	b := newTestStore(t, 3)
	for i := 0; i < b.Volume(); i++ {
		p := PosOf(3, i)
		require.Equal(t, i, Index(3, p.X, p.Y, p.Z))
		require.Equal(t, b.PosOf(i), p)
	}
	require.Equal(t, Index(3, 1, 0, 0), Index(3, 9, 8, 8), "coordinates wrap into the grid")
}

func TestAuxObjects(t *testing.T) {
	type tile struct{ n int }
	b := newTestStore(t, 4)
	a, other := &tile{1}, &tile{2}

	b.SetAux(2, 2, 2, 10, 0, a)
	st, aux := b.GetFull(2, 2, 2)
	require.Equal(t, State{ID: 10}, st)
	require.Same(t, a, aux)
	require.Equal(t, 1, b.OverflowEntries(), "an attached object forces promotion")

	require.False(t, b.CompareAndSet(2, 2, 2, State{ID: 10}, State{ID: 11}), "plain CAS expects no object")
	require.False(t, b.RemoveAux(2, 2, 2, other))
	require.True(t, b.RemoveAux(2, 2, 2, a))
	require.Nil(t, b.GetAux(2, 2, 2))
	require.Equal(t, State{ID: 10}, b.Get(2, 2, 2))
	require.Equal(t, 0, b.OverflowEntries())
}

func TestDirtyTracking(t *testing.T) {
	b := newTestStore(t, 4, WithDirtyCapacity(10))
	require.False(t, b.ResetDirty())

	var want []Pos
	for i := 0; i < 10; i++ {
		p := Pos{X: i, Y: 15 - i, Z: i / 2}
		want = append(want, p)
		b.Set(p.X, p.Y, p.Z, uint16(i+1), 0)
	}
	require.True(t, b.IsDirty())
	require.False(t, b.IsDirtyOverflow())
	for i, p := range want {
		got, ok := b.DirtyBlock(i)
		require.True(t, ok)
		require.Equal(t, p, got)
	}
	_, ok := b.DirtyBlock(10)
	require.False(t, ok)

	lo, hi, ok := b.DirtyBounds()
	require.True(t, ok)
	require.Equal(t, Pos{X: 0, Y: 6, Z: 0}, lo)
	require.Equal(t, Pos{X: 9, Y: 15, Z: 4}, hi)

	b.Set(0, 0, 0, 1, 1)
	require.True(t, b.IsDirtyOverflow())
	require.Equal(t, 11, b.DirtyCount())

	require.True(t, b.ResetDirty())
	require.Equal(t, 0, b.DirtyCount())
	require.False(t, b.IsDirty())
	_, ok = b.DirtyBlock(0)
	require.False(t, ok)
	require.False(t, b.ResetDirty())

	b.Touch(4, 4, 4)
	got, ok := b.DirtyBlock(0)
	require.True(t, ok)
	require.Equal(t, Pos{X: 4, Y: 4, Z: 4}, got)
}

func TestCompressShrinksOverflow(t *testing.T) {
	b := newTestStore(t, 4)
	for i := 0; i < 200; i++ {
		p := b.PosOf(i * 7)
		b.Set(p.X, p.Y, p.Z, uint16(i), 1)
	}
	require.Equal(t, 512, b.OverflowLen())
	require.False(t, b.NeedsCompression())

	for i := 0; i < 190; i++ {
		p := b.PosOf(i * 7)
		b.Set(p.X, p.Y, p.Z, uint16(i), 0)
	}
	require.True(t, b.NeedsCompression())
	b.Compress()
	require.Equal(t, 16, b.OverflowLen())
	require.False(t, b.NeedsCompression())

	for i := 0; i < 200; i++ {
		p := b.PosOf(i * 7)
		want := State{ID: uint16(i)}
		if i >= 190 {
			want.Data = 1
		}
		require.Equal(t, want, b.Get(p.X, p.Y, p.Z))
	}
	leakCheck(t, b)
}

func TestAccessDuringCompressionPanics(t *testing.T) {
	b := newTestStore(t, 4)
	b.compressing.Store(true)
	err := capturePanic(func() { b.Get(0, 0, 0) })
	require.ErrorIs(t, err, ErrCompressing)
	err = capturePanic(func() { b.Compress() })
	require.ErrorIs(t, err, ErrIllegalState)
	b.compressing.Store(false)
	require.Equal(t, State{}, b.Get(0, 0, 0))
}

func TestConcurrentCompareAndSetDisjointCells(t *testing.T) {
	b := newTestStore(t, 4)
	const workers = 8
	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < b.Volume(); i += workers {
				p := b.PosOf(i)
				final := State{ID: uint16(i % 1000), Data: uint16(i % 3)}
				for {
					cur := b.Get(p.X, p.Y, p.Z)
					if b.CompareAndSet(p.X, p.Y, p.Z, cur, final) {
						break
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for i := 0; i < b.Volume(); i++ {
		p := b.PosOf(i)
		require.Equal(t, State{ID: uint16(i % 1000), Data: uint16(i % 3)}, b.Get(p.X, p.Y, p.Z))
	}
	leakCheck(t, b)
}

func TestNoTornReads(t *testing.T) {
	b := newTestStore(t, 4)
	b.Set(3, 3, 3, 1, 0)
	var stop atomic.Bool
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		defer stop.Store(true)
		for i := 0; i < 20000; i++ {
			b.Set(3, 3, 3, 1, uint16(7*(i%2)))
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for !stop.Load() {
				st := b.Get(3, 3, 3)
				if st != (State{ID: 1}) && st != (State{ID: 1, Data: 7}) {
					t.Errorf("torn read %v", st)
					return nil
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	leakCheck(t, b)
}

func TestResizeIsTransparentToReaders(t *testing.T) {
	b := newTestStore(t, 4)
	for i := 0; i < 8; i++ {
		b.Set(i, 0, 0, uint16(100+i), uint16(i+1))
	}
	require.Equal(t, 16, b.OverflowLen())

	var stop atomic.Bool
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		defer stop.Store(true)
		for i := 0; i < 1500; i++ {
			p := b.PosOf(256 + i)
			b.Set(p.X, p.Y, p.Z, uint16(i), 5)
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for !stop.Load() {
				for i := 0; i < 8; i++ {
					if st := b.Get(i, 0, 0); st != (State{ID: uint16(100 + i), Data: uint16(i + 1)}) {
						t.Errorf("cell %d read %v during resize", i, st)
						return nil
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Greater(t, b.OverflowLen(), 1024)
	leakCheck(t, b)
}

func TestContendedRandomUpdatesDoNotLeak(t *testing.T) {
	b := newTestStore(t, 4)
	reserved := b.overflow.ReservedFloor()
	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < 8; w++ {
		seed := int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for n := 0; n < 5000; n++ {
				x, y, z := rng.Intn(4), rng.Intn(4), rng.Intn(4)
				id := uint16(rng.Intn(64))
				if rng.Intn(8) == 0 {
					id = reserved + uint16(rng.Intn(64))
				}
				var data uint16
				if rng.Intn(4) == 0 {
					data = uint16(rng.Intn(1<<16-1) + 1)
				}
				switch rng.Intn(3) {
				case 0:
					b.Set(x, y, z, id, data)
				case 1:
					cur := b.Get(x, y, z)
					b.CompareAndSet(x, y, z, cur, State{ID: id, Data: data})
				default:
					b.CompareAndSet(x, y, z, State{ID: id + 1, Data: data}, State{ID: id})
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	leakCheck(t, b)
}
