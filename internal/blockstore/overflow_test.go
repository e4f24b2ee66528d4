package blockstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capturePanic(fn func()) (err error) {
	defer Recover(&err)
	fn()
	return nil
}

func TestOverflowReservedRange(t *testing.T) {
	s, err := NewOverflowStore(4096, 0)
	require.NoError(t, err)
	require.Equal(t, 16384, s.MaxLength())
	require.Equal(t, uint16(0xC000), s.ReservedFloor())

	assert.False(t, s.IsReserved(0xBFFF))
	assert.True(t, s.IsReserved(0xC000))
	assert.True(t, s.IsReserved(0xFFFF))

	idx := s.Add(1, 2, nil)
	assert.True(t, s.IsReserved(idx))
}

func TestOverflowRejectsOversizedRange(t *testing.T) {
	_, err := NewOverflowStore(1<<15, 0)
	require.Error(t, err)
	_, err = NewOverflowStore(0, 0)
	require.Error(t, err)
}

func TestOverflowAddGetRemove(t *testing.T) {
	s, err := NewOverflowStore(64, 0)
	require.NoError(t, err)

	type handle struct{ name string }
	h := &handle{name: "chest"}

	a := s.Add(7, 3, nil)
	b := s.Add(9, 0, h)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, s.Entries())

	assert.Equal(t, State{ID: 7, Data: 3}, s.Get(a))
	assert.Equal(t, uint16(9), s.GetID(b))
	assert.Equal(t, uint16(0), s.GetData(b))
	assert.Nil(t, s.GetAux(a))
	assert.Same(t, h, s.GetAux(b))

	seq := s.Sequence(a)
	require.NotEqual(t, Unstable, seq)
	require.True(t, s.TestSequence(a, seq))
	require.False(t, s.TestUnstable(a))

	st, aux := s.RemoveAux(b)
	assert.Equal(t, State{ID: 9}, st)
	assert.Same(t, h, aux)
	assert.Equal(t, State{ID: 7, Data: 3}, s.Remove(a))
	assert.Equal(t, 0, s.Entries())
	assert.False(t, s.TestSequence(a, seq), "remove must publish a fresh sequence")
}

func TestOverflowDoubleRemovePanics(t *testing.T) {
	s, err := NewOverflowStore(64, 0)
	require.NoError(t, err)
	idx := s.Add(1, 1, nil)
	s.Remove(idx)

	err = capturePanic(func() { s.Remove(idx) })
	require.ErrorIs(t, err, ErrIllegalState)

	err = capturePanic(func() { s.Get(idx) })
	require.ErrorIs(t, err, ErrIllegalState)
	require.Equal(t, 0, s.Entries())
}

func TestOverflowCapacityExhausted(t *testing.T) {
	s, err := NewOverflowStore(4, 0)
	require.NoError(t, err)
	require.Equal(t, 8, s.MaxLength())

	for i := 0; i < 8; i++ {
		s.Add(uint16(i), 1, nil)
	}
	err = capturePanic(func() { s.Add(99, 1, nil) })
	require.ErrorIs(t, err, ErrCapacityExhausted)
	require.ErrorIs(t, err, ErrIllegalState)
	require.Equal(t, 8, s.Entries())
}

func TestOverflowResizeKeepsRecords(t *testing.T) {
	s, err := NewOverflowStore(1000, 0)
	require.NoError(t, err)
	require.Equal(t, 16, s.Len())

	var idx []uint16
	for i := 0; i < 11; i++ {
		idx = append(idx, s.Add(uint16(i), uint16(i+100), nil))
	}
	require.Equal(t, 16, s.Len())
	idx = append(idx, s.Add(11, 111, nil))
	require.Equal(t, 32, s.Len(), "the twelfth record crosses the 75% mark")

	for i, ix := range idx {
		require.Equal(t, State{ID: uint16(i), Data: uint16(i + 100)}, s.Get(ix))
	}
}

func TestOverflowCompressPacksRecords(t *testing.T) {
	s, err := NewOverflowStore(1000, 0)
	require.NoError(t, err)

	want := map[uint16]State{}
	for i := 0; i < 100; i++ {
		st := State{ID: uint16(i), Data: 1}
		want[s.Add(st.ID, st.Data, nil)] = st
	}
	require.Equal(t, 256, s.Len())
	removed := 0
	for ix := range want {
		if removed == 90 {
			break
		}
		s.Remove(ix)
		delete(want, ix)
		removed++
	}
	require.True(t, s.IsAboveMinimumSize())

	moves := s.Compress()
	require.Equal(t, 16, s.Len())
	require.False(t, s.IsAboveMinimumSize())
	require.Equal(t, 10, s.Entries())

	for ix, st := range want {
		if next, ok := moves[ix]; ok {
			ix = next
		}
		require.Equal(t, st, s.Get(ix))
	}
}

func TestOverflowTryLock(t *testing.T) {
	s, err := NewOverflowStore(64, 0)
	require.NoError(t, err)
	idx := s.Add(1, 2, nil)

	require.True(t, s.TryLock(maxFailThreshold))
	require.True(t, s.TestUnstable(idx))
	require.False(t, s.TryLock(maxFailThreshold), "first slot already claimed")
	s.Unlock()

	require.False(t, s.TestUnstable(idx))
	require.Equal(t, State{ID: 1, Data: 2}, s.Get(idx))

	err = capturePanic(func() { s.Unlock() })
	require.True(t, errors.Is(err, ErrIllegalState))
}
