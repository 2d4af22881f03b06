//go:build linux
// +build linux

package uringio

import (
	"os"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Waker lets another goroutine interrupt a reactor blocked in SubmitAndWait.
// It keeps a read of an eventfd pending on the reactor; Wake completes that
// read, fn runs on the reactor goroutine and the read is queued again.
type Waker struct {
	reactor *Reactor
	ch      *Channel
	buf     *Buffer
	fn      func()
}

// NewWaker queues the eventfd read on r. fn may be nil.
func NewWaker(r *Reactor, fn func()) (*Waker, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	w := &Waker{reactor: r, ch: WrapFd(KindFile, efd), fn: fn}
	if w.buf, err = NewBuffer(8); err != nil {
		return nil, multierr.Append(err, unix.Close(efd))
	}
	_ = w.ch.OnRead(w.onRead)
	if err = r.EnqueueRead(w.ch, w.buf); err != nil {
		return nil, multierr.Combine(err, w.ch.closeNow(true), w.buf.Free())
	}
	return w, nil
}

func (w *Waker) Fd() int { return w.ch.Fd() }

// Wake is safe to call from any goroutine. Wakes that arrive before the
// reactor collects the read are coalesced into one.
func (w *Waker) Wake() error {
	var one [8]byte
	*(*uint64)(unsafe.Pointer(&one[0])) = 1
	_, err := unix.Write(w.ch.Fd(), one[:])
	return os.NewSyscallError("write eventfd", err)
}

func (w *Waker) onRead(buf *Buffer) {
	buf.Clear()
	if w.fn != nil {
		w.fn()
	}
	if w.reactor.IsClosed() || w.ch.closing {
		return
	}
	if err := w.reactor.EnqueueRead(w.ch, buf); err != nil {
		w.ch.raise(err)
	}
}

// Close releases the eventfd and its buffer. It is meant to be called after
// the reactor is closed, when the pending read can no longer complete.
func (w *Waker) Close() error {
	return multierr.Append(w.ch.Close(), w.buf.Free())
}
