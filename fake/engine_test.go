package fake

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/uringio"
)

func TestOperationsWaitForSubmission(t *testing.T) {
	e := New()
	id, err := e.Enqueue(&uringio.Operation{Kind: uringio.OpClose, Fd: 7})
	require.NoError(t, err)

	p := e.Next(uringio.OpClose)
	require.NotNil(t, p)
	assert.Equal(t, id, p.ID)
	assert.False(t, p.Submitted)

	p.Complete(0)
	assert.Zero(t, e.Ready(), "a completion is held until collected")
	cs, err := e.SubmitAndCollect(8, false)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, id, cs[0].ID)
	assert.Equal(t, 7, cs[0].Fd)
	assert.Equal(t, 1, e.Unseen())

	e.MarkSeen(id)
	e.MarkSeen(id)
	assert.Zero(t, e.Unseen())
	assert.Equal(t, 1, e.Seen)
}

func TestOnSubmitAnswersImmediately(t *testing.T) {
	e := New()
	e.OnSubmit = func(p *Pending) { p.Fail(syscall.ECONNRESET) }
	_, err := e.Enqueue(&uringio.Operation{Kind: uringio.OpConnect, Fd: 3})
	require.NoError(t, err)

	cs, err := e.SubmitAndCollect(8, true)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.True(t, cs[0].Failed())
	assert.ErrorIs(t, cs[0].Err(), syscall.ECONNRESET)
	assert.Empty(t, e.Outstanding())
}

func TestBlockingCollectWithNothingReady(t *testing.T) {
	e := New()
	_, err := e.SubmitAndCollect(8, true)
	assert.ErrorIs(t, err, ErrWouldBlock)

	cs, err := e.SubmitAndCollect(8, false)
	assert.NoError(t, err)
	assert.Empty(t, cs)
}

func TestCompleteReadFillsBuffer(t *testing.T) {
	buf, err := uringio.NewBuffer(8)
	require.NoError(t, err)
	defer buf.Free()

	e := New()
	_, err = e.Enqueue(&uringio.Operation{Kind: uringio.OpRead, Fd: 4, Buffer: buf, Offset: 2, Length: 4})
	require.NoError(t, err)
	e.Next(uringio.OpRead).CompleteRead([]byte("abcdef"))

	cs, err := e.SubmitAndCollect(1, false)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.EqualValues(t, 4, cs[0].Result)
	assert.Equal(t, buf.ID(), cs[0].BufferID)
	assert.Equal(t, []byte("abcd"), buf.Region(2, 4))
}

func TestClose(t *testing.T) {
	e := New()
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Close(), ErrClosed)
	_, err := e.Enqueue(&uringio.Operation{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.SubmitAndCollect(1, false)
	assert.ErrorIs(t, err, ErrClosed)
}
