package uringio

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// process dispatches one completion and always marks it seen, even if the
// dispatch itself panics.
func (r *Reactor) process(c *Completion) {
	defer func() {
		if v := recover(); v != nil {
			r.raise(PanicError{Value: v, Fd: c.Fd})
		}
		r.engine.MarkSeen(c.ID)
	}()
	r.stats.Completed++
	if c.Kind == OpAccept {
		r.handleAccept(c)
		return
	}

	ch := r.registry.lookup(c.Fd, c.Gen)
	if owner, ok := r.closes[c.ID]; ok && c.Kind == OpClose {
		// the slot may already belong to a channel accepted on the same fd
		ch = owner
		delete(r.closes, c.ID)
	}
	if ch == nil || ch.closed {
		// stale completion for a torn-down channel
		r.stats.Discarded++
		return
	}
	defer func() {
		if ch.closed {
			r.registry.deregister(ch)
		}
	}()

	switch c.Kind {
	case OpConnect:
		r.handleConnect(ch, c)
	case OpRead, OpWrite:
		r.handleIO(ch, c)
	case OpClose:
		r.handleClose(ch, c)
	default:
		r.raise(errors.Errorf("unknown completion kind %s on fd %d", c.Kind, c.Fd))
	}
}

func (r *Reactor) handleAccept(c *Completion) {
	server := r.registry.lookup(c.Fd, c.Gen)
	if server == nil || server.closed || server.kind != KindServerSocket {
		r.stats.Discarded++
		if c.Result >= 0 {
			_ = unix.Close(int(c.Result))
		}
		return
	}

	var conn *Channel
	if c.Result >= 0 {
		conn = newAcceptedSocket(int(c.Result), c.Peer)
		if err := r.attach(conn); err != nil {
			server.raise(err)
			conn = nil
		} else {
			r.stats.Accepted++
		}
	} else {
		server.raise(errors.Wrap(c.Err(), "accept"))
	}

	// re-arm before the handler runs so the listener never stops accepting
	if !server.closing && rearmAccept(c.Result) {
		if err := r.EnqueueAccept(server); err != nil {
			server.raise(errors.Wrap(err, "re-arm accept"))
		}
	}

	if conn != nil && server.onAccept != nil {
		server.invoke(func() { server.onAccept(r, conn) })
	}
}

// rearmAccept reports whether an accept that ended with result is worth
// retrying. Failures of the listening descriptor itself would fail forever.
func rearmAccept(result int32) bool {
	if result >= 0 {
		return true
	}
	switch syscall.Errno(-result) {
	case syscall.EBADF, syscall.EINVAL, syscall.ENOTSOCK, syscall.ECANCELED:
		return false
	}
	return true
}

func (r *Reactor) handleConnect(ch *Channel, c *Completion) {
	if c.Result != 0 {
		ch.raise(&ConnectError{Addr: ch.address, Port: ch.port, Err: c.Err()})
		return
	}
	if ch.onConnect != nil {
		ch.invoke(func() { ch.onConnect(r) })
	}
}

func (r *Reactor) handleIO(ch *Channel, c *Completion) {
	ref, _, err := ch.ledger(c.Kind).Release(c.BufferID)
	if err != nil {
		err = errors.Wrapf(err, "%s completion on fd %d for buffer %#x", c.Kind, c.Fd, c.BufferID)
		r.opts.Logger.Errorf("%v", err)
		ch.raise(err)
		return
	}
	buf := ref.Buffer()
	if c.Kind == OpRead {
		r.completeRead(ch, buf, c)
	} else {
		r.completeWrite(ch, buf, c)
	}
	r.closeIfDrained(ch)
}

func (r *Reactor) completeRead(ch *Channel, buf *Buffer, c *Completion) {
	if c.Result <= 0 {
		if c.Result < 0 {
			r.opts.Logger.Debugf("read on fd %d ended: %v", ch.fd, c.Err())
		}
		r.implicitClose(ch)
		return
	}
	buf.SetPosition(c.Offset + int(c.Result))
	if ch.onRead != nil {
		ch.invoke(func() { ch.onRead(buf) })
	}
}

func (r *Reactor) completeWrite(ch *Channel, buf *Buffer, c *Completion) {
	if c.Result < 0 || (c.Result == 0 && c.Length > 0) {
		if c.Result < 0 {
			r.opts.Logger.Debugf("write on fd %d ended: %v", ch.fd, c.Err())
		}
		r.implicitClose(ch)
		return
	}
	written := int(c.Result)
	buf.SetPosition(c.Offset + written)
	if written < c.Length {
		fileOffset := c.FileOffset
		if fileOffset >= 0 {
			fileOffset += int64(written)
		}
		r.stats.Requeued++
		if err := r.submitIO(OpWrite, ch, buf, c.Offset+written, c.Length-written, fileOffset); err != nil {
			ch.raise(errors.Wrapf(err, "re-queue %d unwritten bytes", c.Length-written))
			r.implicitClose(ch)
		}
		return
	}
	if ch.onWrite != nil {
		ch.invoke(func() { ch.onWrite(buf) })
	}
}

func (r *Reactor) handleClose(ch *Channel, c *Completion) {
	if c.Result < 0 {
		ch.raise(c.Err())
	}
	ch.closed = true
	ch.invoke(func() {
		if ch.onClose != nil {
			ch.onClose()
		}
	})
}

// implicitClose closes ch after end of stream or a failed transfer. It is
// deferred like any other close while operations are pending.
func (r *Reactor) implicitClose(ch *Channel) {
	if err := r.EnqueueClose(ch); err != nil && !errors.Is(err, ErrReactorClosed) {
		ch.raise(err)
	}
}

// closeIfDrained queues a deferred close once the last pending operation is done.
func (r *Reactor) closeIfDrained(ch *Channel) {
	if !ch.closing || ch.closeQueued || ch.closed || ch.pending() || r.closed {
		return
	}
	if err := r.queueClose(ch); err != nil {
		ch.raise(err)
	}
}
