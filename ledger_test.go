package uringio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerCountsEveryAcquisition(t *testing.T) {
	buf, err := NewBuffer(64)
	require.NoError(t, err)
	defer buf.Free()

	l := NewLedger()
	for i := 0; i < 3; i++ {
		ref, err := l.Acquire(buf)
		require.NoError(t, err)
		assert.Equal(t, i+1, ref.Count())
		assert.Same(t, buf, ref.Buffer())
	}
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 3, l.Total())
	assert.Equal(t, 3, l.RefCount(buf))
	assert.Equal(t, 3, buf.InFlight())

	for want := 2; want >= 0; want-- {
		ref, left, err := l.Release(buf.ID())
		require.NoError(t, err)
		assert.Equal(t, want, left)
		assert.Same(t, buf, ref.Buffer())
	}
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Total())
	assert.Equal(t, 0, buf.InFlight())

	_, _, err = l.Release(buf.ID())
	assert.ErrorIs(t, err, ErrDanglingBuffer)
}

func TestLedgerRejectsHeapBuffers(t *testing.T) {
	l := NewLedger()

	_, err := l.Acquire(WrapBytes([]byte("heap")))
	assert.ErrorIs(t, err, ErrInvalidBuffer)
	_, err = l.Acquire(nil)
	assert.ErrorIs(t, err, ErrInvalidBuffer)
	assert.Equal(t, 0, l.Len())
}

func TestLedgerTracksBuffersIndependently(t *testing.T) {
	a, err := NewBuffer(16)
	require.NoError(t, err)
	defer a.Free()
	b, err := NewBuffer(16)
	require.NoError(t, err)
	defer b.Free()

	l := NewLedger()
	_, _ = l.Acquire(a)
	_, _ = l.Acquire(b)
	_, _ = l.Acquire(b)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 1, l.RefCount(a))
	assert.Equal(t, 2, l.RefCount(b))

	_, left, err := l.Release(a.ID())
	require.NoError(t, err)
	assert.Zero(t, left)
	assert.Equal(t, 1, l.Len())
	assert.Zero(t, l.RefCount(a))
}

func TestLedgerDrain(t *testing.T) {
	buf, err := NewBuffer(16)
	require.NoError(t, err)

	l := NewLedger()
	_, _ = l.Acquire(buf)
	_, _ = l.Acquire(buf)
	assert.ErrorIs(t, buf.Free(), ErrBufferInUse)

	l.drain()
	assert.Zero(t, l.Total())
	assert.Zero(t, buf.InFlight())
	assert.NoError(t, buf.Free())
}
