//go:build linux
// +build linux

package socket

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolveTCP(t *testing.T) {
	addr, err := ResolveTCP("", 8080)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr.IP.String())
	assert.Equal(t, Tcp4, Network(addr))

	addr, err = ResolveTCP("::1", 0)
	require.NoError(t, err)
	assert.Equal(t, Tcp6, Network(addr))

	_, err = ResolveTCP("localhost", 80)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = ResolveTCP("127.0.0.1", 70000)
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestSetOptions(t *testing.T) {
	opts := SetOptions("tcp4", DefaultOptions)
	assert.Len(t, opts, 3)

	opts = SetOptions("tcp4", SocketOptions{TCPNoDelay: TCPDelay, SocketRecvBuffer: 4096})
	require.Len(t, opts, 1)
	assert.Equal(t, 4096, opts[0].Opt)
}

func TestListenTCPOnEphemeralPort(t *testing.T) {
	fd, bound, err := ListenTCP("127.0.0.1", 0, DefaultBacklog, SetOptions("tcp4", DefaultOptions)...)
	require.NoError(t, err)
	defer unix.Close(fd)
	assert.NotZero(t, bound.Port)

	conn, err := net.Dial("tcp", bound.String())
	require.NoError(t, err)
	defer conn.Close()

	nfd, sa, err := unix.Accept(fd)
	require.NoError(t, err)
	defer unix.Close(nfd)
	peer := SockaddrToTCPAddr(sa)
	require.NotNil(t, peer)
	assert.Equal(t, conn.LocalAddr().(*net.TCPAddr).Port, peer.Port)
}

func TestListenTCPRejectsBadBacklog(t *testing.T) {
	_, _, err := ListenTCP("127.0.0.1", 0, 0)
	assert.ErrorIs(t, err, ErrInvalidBacklog)
}

func TestTCPSocketIsUnbound(t *testing.T) {
	fd, addr, err := TCPSocket("127.0.0.1", 9)
	require.NoError(t, err)
	defer unix.Close(fd)
	assert.Equal(t, 9, addr.Port)

	sa, family := Sockaddr(addr)
	assert.Equal(t, unix.AF_INET, family)
	assert.IsType(t, &unix.SockaddrInet4{}, sa)
}
