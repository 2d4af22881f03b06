//go:build linux
// +build linux

package uringio_test

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/y001j/uringio"
)

func newRing(t *testing.T) *uringio.Reactor {
	t.Helper()
	r, err := uringio.NewRing(
		uringio.WithRingCapacity(32),
		uringio.WithLockOSThread(false),
		uringio.WithLogger(zaptest.NewLogger(t).Sugar()),
	)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// runUntil drives r until done reports true.
func runUntil(t *testing.T, r *uringio.Reactor, done func() bool) {
	t.Helper()
	for i := 0; i < 100 && !done(); i++ {
		_, err := r.SubmitAndWait(true)
		require.NoError(t, err)
	}
	require.True(t, done(), "reactor did not reach the expected state")
}

func TestRingFileRoundTrip(t *testing.T) {
	r := newRing(t)
	path := filepath.Join(t.TempDir(), "data")
	f, err := uringio.OpenFile(path)
	require.NoError(t, err)
	f.OnException(func(err error) { t.Errorf("file: %v", err) })

	out := pinned(t, "hello ring")
	written := false
	require.NoError(t, f.OnWrite(func(*uringio.Buffer) { written = true }))
	require.NoError(t, r.EnqueueWriteAt(f, out, 0))
	runUntil(t, r, func() bool { return written })

	in := empty(t, 32)
	var got string
	require.NoError(t, f.OnRead(func(buf *uringio.Buffer) {
		buf.Flip()
		got = buf.String()
	}))
	require.NoError(t, r.EnqueueReadAt(f, in, 0))
	runUntil(t, r, func() bool { return got != "" })
	assert.Equal(t, "hello ring", got)

	closed := false
	f.OnClose(func() { closed = true })
	require.NoError(t, f.Close())
	runUntil(t, r, func() bool { return closed })

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello ring", string(data))
}

func TestRingEcho(t *testing.T) {
	r := newRing(t)
	l, err := uringio.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	require.NotZero(t, l.Port())

	echoed := false
	require.NoError(t, l.OnAccept(func(r *uringio.Reactor, conn *uringio.Channel) {
		buf, err := uringio.NewBuffer(64)
		require.NoError(t, err)
		_ = conn.OnRead(func(b *uringio.Buffer) {
			b.Flip()
			if err := r.EnqueueWrite(conn, b); err != nil {
				t.Errorf("echo: %v", err)
			}
		})
		_ = conn.OnWrite(func(*uringio.Buffer) { echoed = true })
		require.NoError(t, r.EnqueueRead(conn, buf))
	}))
	require.NoError(t, r.EnqueueAccept(l))

	reply := make(chan string, 1)
	go func() {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port())))
		if err != nil {
			reply <- err.Error()
			return
		}
		defer c.Close()
		_, _ = c.Write([]byte("ping"))
		p := make([]byte, 4)
		_, err = io.ReadFull(c, p)
		if err != nil {
			reply <- err.Error()
			return
		}
		reply <- string(p)
	}()

	runUntil(t, r, func() bool { return echoed })
	assert.Equal(t, "ping", <-reply)
	assert.Equal(t, uint64(1), r.Stats().Accepted)
}

func TestRingAcceptAndConnect(t *testing.T) {
	r := newRing(t)
	l, err := uringio.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	client, err := uringio.NewSocket("127.0.0.1", l.Port())
	require.NoError(t, err)

	accepted, connected := 0, 0
	var peer *uringio.Channel
	require.NoError(t, l.OnAccept(func(_ *uringio.Reactor, c *uringio.Channel) {
		accepted++
		peer = c
	}))
	require.NoError(t, client.OnConnect(func(*uringio.Reactor) { connected++ }))
	require.NoError(t, r.EnqueueAccept(l))
	require.NoError(t, r.EnqueueConnect(client))

	runUntil(t, r, func() bool { return accepted == 1 && connected == 1 })
	require.NotNil(t, peer)
	assert.Equal(t, "127.0.0.1", peer.Address())
	assert.NotZero(t, peer.Port())
}

func TestWakerInterruptsBlockingWait(t *testing.T) {
	r := newRing(t)
	woken := 0
	w, err := uringio.NewWaker(r, func() { woken++ })
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = w.Wake()
	}()
	runUntil(t, r, func() bool { return woken == 1 })

	go func() { _ = w.Wake() }()
	runUntil(t, r, func() bool { return woken == 2 })

	require.NoError(t, r.Close())
	assert.NoError(t, w.Close())
}
