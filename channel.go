package uringio

import (
	"net"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ChannelKind tells which capabilities a channel has.
type ChannelKind uint8

const (
	KindFile         ChannelKind = iota // regular file, read/write at offsets
	KindSocket                          // connected or connecting stream socket
	KindServerSocket                    // listening socket, accept only
)

func (k ChannelKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSocket:
		return "socket"
	case KindServerSocket:
		return "server-socket"
	}
	return "unknown"
}

type (
	// ReadHandler receives the buffer after Position was advanced by the bytes read.
	ReadHandler func(buf *Buffer)
	// WriteHandler receives the buffer once all of it has been written.
	WriteHandler func(buf *Buffer)
	// AcceptHandler receives the reactor and the newly accepted connection.
	AcceptHandler func(r *Reactor, conn *Channel)
	// ConnectHandler fires once an outbound socket is connected.
	ConnectHandler func(r *Reactor)
	// ExceptionHandler receives failures attributed to the channel.
	ExceptionHandler func(err error)
	// CloseHandler fires once the descriptor has been closed.
	CloseHandler func()
)

// Channel is a descriptor bound endpoint: a file, an outbound or accepted
// socket, or a listening socket. Handlers are plain function fields that may
// be replaced at any time from the reactor goroutine, including from inside
// another handler.
//
// A Channel with a read or write in flight is never closed immediately: Close
// marks it closing and the close is queued once the last pending operation
// completes. Queueing new I/O on a closing channel fails with ErrChannelClosed.
type Channel struct {
	kind    ChannelKind
	fd      int
	gen     uint64
	closed  bool
	closing bool

	// closeQueued is set once the close operation is in the engine,
	// closeSubmitted once the engine has handed it to the kernel.
	closeQueued    bool
	closeSubmitted bool

	reads  *Ledger
	writes *Ledger

	address string
	port    int
	remote  *net.TCPAddr

	reactor *Reactor

	onRead      ReadHandler
	onWrite     WriteHandler
	onAccept    AcceptHandler
	onConnect   ConnectHandler
	onException ExceptionHandler
	onClose     CloseHandler
}

func newChannel(kind ChannelKind, fd int) *Channel {
	return &Channel{
		kind:   kind,
		fd:     fd,
		reads:  NewLedger(),
		writes: NewLedger(),
	}
}

// WrapFd adopts an already open descriptor, for example one obtained from
// (*net.TCPConn).File. The channel takes ownership and closes it.
func WrapFd(kind ChannelKind, fd int) *Channel {
	return newChannel(kind, fd)
}

// newAcceptedSocket wraps a descriptor produced by an accept completion.
func newAcceptedSocket(fd int, peer *net.TCPAddr) *Channel {
	ch := newChannel(KindSocket, fd)
	if peer != nil {
		ch.address, ch.port, ch.remote = peer.IP.String(), peer.Port, peer
	}
	return ch
}

func (c *Channel) Fd() int             { return c.fd }
func (c *Channel) Kind() ChannelKind   { return c.kind }
func (c *Channel) IsOpen() bool        { return !c.closed }
func (c *Channel) IsClosed() bool      { return c.closed }
func (c *Channel) IsClosing() bool     { return c.closing && !c.closed }
func (c *Channel) ReadPending() bool   { return c.reads.Total() > 0 }
func (c *Channel) WritePending() bool  { return c.writes.Total() > 0 }
func (c *Channel) PendingReads() int   { return c.reads.Total() }
func (c *Channel) PendingWrites() int  { return c.writes.Total() }
func (c *Channel) Address() string     { return c.address }
func (c *Channel) Port() int           { return c.port }
func (c *Channel) Reactor() *Reactor   { return c.reactor }
func (c *Channel) ReadLedger() *Ledger { return c.reads }

// WriteLedger exposes the buffers the engine is currently writing from.
func (c *Channel) WriteLedger() *Ledger { return c.writes }

// RemoteAddr is the peer of an accepted connection, or the configured target of an outbound socket.
func (c *Channel) RemoteAddr() *net.TCPAddr { return c.remote }

func (c *Channel) pending() bool {
	return c.reads.Total()+c.writes.Total() > 0
}

func (c *Channel) ledger(kind OpKind) *Ledger {
	if kind == OpWrite {
		return c.writes
	}
	return c.reads
}

func (c *Channel) carriesPayload() bool {
	return c.kind != KindServerSocket
}

// OnRead sets the read handler. Listening sockets never carry payload bytes.
func (c *Channel) OnRead(fn ReadHandler) error {
	if !c.carriesPayload() {
		return errors.Wrapf(ErrUnsupportedOperation, "read handler on %s", c.kind)
	}
	c.onRead = fn
	return nil
}

// OnWrite sets the write handler. Listening sockets never carry payload bytes.
func (c *Channel) OnWrite(fn WriteHandler) error {
	if !c.carriesPayload() {
		return errors.Wrapf(ErrUnsupportedOperation, "write handler on %s", c.kind)
	}
	c.onWrite = fn
	return nil
}

// OnAccept sets the accept handler of a listening socket.
func (c *Channel) OnAccept(fn AcceptHandler) error {
	if c.kind != KindServerSocket {
		return errors.Wrapf(ErrUnsupportedOperation, "accept handler on %s", c.kind)
	}
	c.onAccept = fn
	return nil
}

// OnConnect sets the connect handler of an outbound socket.
func (c *Channel) OnConnect(fn ConnectHandler) error {
	if c.kind != KindSocket {
		return errors.Wrapf(ErrUnsupportedOperation, "connect handler on %s", c.kind)
	}
	c.onConnect = fn
	return nil
}

func (c *Channel) OnException(fn ExceptionHandler) { c.onException = fn }
func (c *Channel) OnClose(fn CloseHandler)         { c.onClose = fn }

// Close closes the channel. See the type documentation for the deferral rule.
// Closing a closed or closing channel is a no-op.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	if c.reactor == nil || c.reactor.closed {
		// a close handed to a ring may have run already and the number been reused
		return c.closeNow(!c.closeQueued)
	}
	return c.reactor.EnqueueClose(c)
}

// closeNow finishes the channel synchronously. Only used when no engine can
// reference the channel anymore.
func (c *Channel) closeNow(release bool) error {
	var err error
	if release {
		err = unix.Close(c.fd)
	}
	c.closing, c.closed = true, true
	c.invoke(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
	return errors.Wrapf(err, "close fd %d", c.fd)
}

// invoke runs fn, turning a panic into a PanicError for the exception sink.
func (c *Channel) invoke(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			c.raise(PanicError{Value: v, Fd: c.fd})
		}
	}()
	fn()
}

// raise hands err to the exception handler, or logs it when there is none.
// A panicking exception handler is logged and dropped.
func (c *Channel) raise(err error) {
	if c.onException == nil {
		c.logger().Errorf("unhandled exception on %s fd %d: %v", c.kind, c.fd, err)
		return
	}
	defer func() {
		if v := recover(); v != nil {
			c.logger().Errorf("exception handler on fd %d panicked: %v (handling %v)", c.fd, v, err)
		}
	}()
	c.onException(err)
}

func (c *Channel) logger() logging.Logger {
	if c.reactor != nil {
		return c.reactor.opts.Logger
	}
	return logging.GetDefaultLogger()
}
