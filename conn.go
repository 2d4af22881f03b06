//go:build linux
// +build linux

package uringio

import (
	"net"

	"github.com/panjf2000/gnet/v2/pkg/pool/bytebuffer"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Conn is a connection served by an event loop of a Server. It owns a pinned
// read buffer that is re-armed after every OnTraffic, and a pinned write
// buffer fed from an elastic outbound buffer, so Write never blocks and never
// fails because a write is still in flight.
type Conn struct {
	ch   *Channel
	loop *eventLoop

	in       *Buffer
	out      *Buffer
	outbound *bytebuffer.ByteBuffer // bytes staged but not yet handed to the ring
	writing  bool

	closeRequested bool
	err            error // last known connection error
	ctx            interface{}
}

func newConn(lp *eventLoop, ch *Channel) (*Conn, error) {
	size := lp.server.opts.BufferSize
	in, err := NewBuffer(size)
	if err != nil {
		return nil, err
	}
	out, err := NewBuffer(size)
	if err != nil {
		return nil, multierr.Append(err, in.Free())
	}
	c := &Conn{
		ch:       ch,
		loop:     lp,
		in:       in,
		out:      out,
		outbound: bytebuffer.Get(),
	}
	_ = ch.OnRead(c.onRead)
	_ = ch.OnWrite(c.onWrite)
	ch.OnException(c.onException)
	ch.OnClose(c.onClose)
	return c, nil
}

func (c *Conn) Fd() int { return c.ch.Fd() }

// RemoteAddr is the peer address reported by the accept, if any.
func (c *Conn) RemoteAddr() net.Addr {
	if c.ch.remote == nil {
		return nil
	}
	return c.ch.remote
}

func (c *Conn) Context() interface{}       { return c.ctx }
func (c *Conn) SetContext(ctx interface{}) { c.ctx = ctx }

// OutboundBuffered is the number of bytes written but not yet handed to the kernel.
func (c *Conn) OutboundBuffered() int {
	if c.outbound == nil {
		return 0
	}
	n := c.outbound.Len()
	if c.writing {
		n += c.out.Remaining()
	}
	return n
}

// Write stages p and starts a write when none is in flight. It must be called
// from the connection's event loop, usually from a handler.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closeRequested || c.ch.closing || c.ch.closed {
		return 0, ErrChannelClosed
	}
	_, _ = c.outbound.Write(p)
	if !c.writing {
		if err := c.flush(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close closes the connection after the staged bytes have been written.
func (c *Conn) Close() error {
	if c.closeRequested || c.ch.closing || c.ch.closed {
		return nil
	}
	c.closeRequested = true
	if c.writing {
		return nil
	}
	return c.shutdown()
}

// shutdown ends both directions first so a pending read completes and the
// reactor can run the deferred close.
func (c *Conn) shutdown() error {
	_ = unix.Shutdown(c.ch.fd, unix.SHUT_RDWR)
	return c.ch.Close()
}

func (c *Conn) flush() error {
	if c.outbound.Len() == 0 {
		return nil
	}
	c.out.Clear()
	n := c.out.Put(c.outbound.B)
	c.outbound.B = append(c.outbound.B[:0], c.outbound.B[n:]...)
	c.out.Flip()
	if err := c.loop.reactor.EnqueueWrite(c.ch, c.out); err != nil {
		return err
	}
	c.writing = true
	return nil
}

func (c *Conn) onRead(buf *Buffer) {
	buf.Flip()
	action := c.loop.server.handler.OnTraffic(c, buf.Bytes())
	buf.Clear()
	c.loop.act(c, action)
	if c.closeRequested || c.ch.closing {
		return
	}
	if err := c.loop.reactor.EnqueueRead(c.ch, buf); err != nil {
		c.fail(err)
	}
}

func (c *Conn) onWrite(*Buffer) {
	c.writing = false
	if c.outbound.Len() > 0 {
		if err := c.flush(); err != nil {
			c.fail(err)
		}
		return
	}
	if c.closeRequested {
		if err := c.shutdown(); err != nil {
			c.fail(err)
		}
		return
	}
	c.loop.act(c, c.loop.server.handler.OnWritten(c))
}

func (c *Conn) onException(err error) {
	c.err = err
	c.loop.server.opts.Logger.Debugf("event-loop %d: connection fd %d: %v", c.loop.idx, c.ch.fd, err)
}

func (c *Conn) onClose() {
	// an accept may have reused the descriptor before this close completed
	if c.loop.conns[c.ch.fd] == c {
		delete(c.loop.conns, c.ch.fd)
	}
	action := c.loop.server.handler.OnClose(c, c.err)
	if action == Shutdown {
		c.loop.server.Stop()
	}
	if err := multierr.Append(c.in.Free(), c.out.Free()); err != nil {
		c.loop.server.opts.Logger.Warnf("event-loop %d: release buffers of fd %d: %v", c.loop.idx, c.ch.fd, err)
	}
	bytebuffer.Put(c.outbound)
	c.outbound = nil
}

// fail records err and closes the connection without waiting for staged bytes.
func (c *Conn) fail(err error) {
	c.onException(err)
	c.closeRequested = true
	if cerr := c.shutdown(); cerr != nil {
		c.onException(cerr)
	}
}
