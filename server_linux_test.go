//go:build linux
// +build linux

package uringio_test

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"github.com/y001j/uringio"
)

type echoServer struct {
	uringio.BuiltinEventEngine

	booted   *atomic.Bool
	opened   *atomic.Int32
	closed   *atomic.Int32
	shutdown *atomic.Bool
}

func newEchoServer() *echoServer {
	return &echoServer{
		booted:   atomic.NewBool(false),
		opened:   atomic.NewInt32(0),
		closed:   atomic.NewInt32(0),
		shutdown: atomic.NewBool(false),
	}
}

func (es *echoServer) OnBoot(*uringio.Server) uringio.Action {
	es.booted.Store(true)
	return uringio.None
}

func (es *echoServer) OnOpen(*uringio.Conn) uringio.Action {
	es.opened.Inc()
	return uringio.None
}

func (es *echoServer) OnTraffic(c *uringio.Conn, packet []byte) uringio.Action {
	if string(packet) == "bye" {
		return uringio.Shutdown
	}
	_, _ = c.Write(packet)
	return uringio.None
}

func (es *echoServer) OnClose(*uringio.Conn, error) uringio.Action {
	es.closed.Inc()
	return uringio.None
}

func (es *echoServer) OnShutdown(*uringio.Server) {
	es.shutdown.Store(true)
}

func startServer(t *testing.T, handler uringio.EventHandler, loops int) (*uringio.Server, <-chan error) {
	t.Helper()
	ring, err := uringio.NewRing(uringio.WithRingCapacity(8))
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	require.NoError(t, ring.Close())

	s, err := uringio.NewServer(handler, "127.0.0.1", 0,
		uringio.WithNumEventLoop(loops),
		uringio.WithRingCapacity(64),
		uringio.WithLockOSThread(false),
		uringio.WithLogger(zaptest.NewLogger(t).Sugar()),
	)
	require.NoError(t, err)
	require.NotZero(t, s.Port())
	require.Equal(t, loops, s.NumEventLoop())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return s, done
}

func waitServer(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func dial(t *testing.T, s *uringio.Server) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort(s.Address(), strconv.Itoa(s.Port())), time.Second)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c
}

func TestServerEchoesOnEveryLoop(t *testing.T) {
	handler := newEchoServer()
	s, done := startServer(t, handler, 2)

	for i := 0; i < 4; i++ {
		c := dial(t, s)
		msg := "hello " + strconv.Itoa(i)
		_, err := c.Write([]byte(msg))
		require.NoError(t, err)
		reply := make([]byte, len(msg))
		_, err = io.ReadFull(c, reply)
		require.NoError(t, err)
		assert.Equal(t, msg, string(reply))
		require.NoError(t, c.Close())
	}

	s.Stop()
	waitServer(t, done)
	assert.True(t, handler.booted.Load())
	assert.True(t, handler.shutdown.Load())
	assert.True(t, s.IsStopped())
	assert.EqualValues(t, 4, handler.opened.Load())
	assert.EqualValues(t, 4, handler.closed.Load(), "every connection is closed once")
}

func TestServerShutdownAction(t *testing.T) {
	handler := newEchoServer()
	s, done := startServer(t, handler, 1)

	c := dial(t, s)
	defer c.Close()
	_, err := c.Write([]byte("bye"))
	require.NoError(t, err)

	waitServer(t, done)
	assert.True(t, s.IsStopped())
	assert.EqualValues(t, 1, handler.closed.Load())
}

func TestServerStopsWithContext(t *testing.T) {
	ring, err := uringio.NewRing(uringio.WithRingCapacity(8))
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	require.NoError(t, ring.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- uringio.Serve(ctx, newEchoServer(), "127.0.0.1", 0,
			uringio.WithLockOSThread(false),
			uringio.WithLogger(zaptest.NewLogger(t).Sugar()))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	waitServer(t, done)
}

func TestNewServerRejectsBadOptions(t *testing.T) {
	_, err := uringio.NewServer(newEchoServer(), "127.0.0.1", 0, uringio.WithNumEventLoop(0))
	assert.ErrorIs(t, err, uringio.ErrInvalidConfig)
	_, err = uringio.NewServer(newEchoServer(), "127.0.0.1", 0, uringio.WithBufferSize(-1))
	assert.ErrorIs(t, err, uringio.ErrInvalidConfig)
}
