//go:build linux
// +build linux

package uringio

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	socket "github.com/y001j/uringio/sockets"
)

// OpenFile opens path for reading and writing, creating it when it does not exist.
func OpenFile(path string) (*Channel, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o666)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
	}
	ch := newChannel(KindFile, fd)
	ch.address = path
	return ch, nil
}

// NewSocket creates an outbound stream socket targeting address:port. The
// connection is established by queueing a connect on a reactor.
func NewSocket(address string, port int) (*Channel, error) {
	return NewSocketWithOptions(address, port, socket.DefaultOptions)
}

func NewSocketWithOptions(address string, port int, options socket.SocketOptions) (*Channel, error) {
	addr, err := socket.ResolveTCP(address, port)
	if err != nil {
		return nil, err
	}
	fd, _, err := socket.TCPSocket(address, port, socket.SetOptions(string(socket.Network(addr)), options)...)
	if err != nil {
		return nil, err
	}
	ch := newChannel(KindSocket, fd)
	ch.address, ch.port, ch.remote = addr.IP.String(), port, addr
	return ch, nil
}

// Listen creates a listening socket with the default backlog.
func Listen(address string, port int) (*Channel, error) {
	return ListenWithOptions(address, port, socket.DefaultBacklog, socket.DefaultOptions)
}

// ListenWithOptions creates a listening socket. Port 0 picks an ephemeral
// port, reported by Port afterwards.
func ListenWithOptions(address string, port, backlog int, options socket.SocketOptions) (*Channel, error) {
	addr, err := socket.ResolveTCP(address, port)
	if err != nil {
		return nil, err
	}
	fd, bound, err := socket.ListenTCP(address, port, backlog, socket.SetOptions(string(socket.Network(addr)), options)...)
	if err != nil {
		return nil, err
	}
	ch := newChannel(KindServerSocket, fd)
	ch.address, ch.port = bound.IP.String(), bound.Port
	return ch, nil
}
