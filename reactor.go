// Package uringio is a single-threaded completion-queue reactor. Channels
// queue accept, connect, read, write and close operations on an Engine; the
// reactor submits them in batches and dispatches every completion to the
// handlers of the channel that owns the descriptor. On Linux the engine is an
// io_uring, see NewRing. Server layers an event-loop API on top of it.
package uringio

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Reactor owns one engine and the channels queued on it. It submits queued
// operations in batches and dispatches each completion to the channel that
// owns the descriptor.
//
// A Reactor is driven by a single goroutine: SubmitAndWait, Run and every
// Enqueue call, including those made from handlers, must happen on it. There is
// no internal locking. Several reactors may run in parallel as long as they
// never share a descriptor.
type Reactor struct {
	engine   Engine
	opts     *Options
	registry *registry
	closed   bool
	stats    Stats

	// closes routes close completions by operation id: the descriptor of a
	// closed channel can be handed to an accept before its close completes.
	closes      map[uint64]*Channel
	unsubmitted []*Channel // closes enqueued since the last submission
	backlog     []Completion

	exceptionHandler func(error)
}

// Stats are counters kept by a reactor.
type Stats struct {
	Submitted uint64 // operations handed to the engine
	Completed uint64 // completions dispatched
	Discarded uint64 // stale completions for torn-down channels
	Accepted  uint64 // connections materialized from accept completions
	Requeued  uint64 // partial writes queued again for their remainder
	Channels  int    // channels currently registered
}

// New creates a reactor driving engine.
func New(engine Engine, options ...Option) (*Reactor, error) {
	opts := loadOptions(options...)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Reactor{
		engine:           engine,
		opts:             opts,
		registry:         newRegistry(opts.RingCapacity),
		closes:           make(map[uint64]*Channel),
		exceptionHandler: opts.ExceptionHandler,
	}, nil
}

// SetExceptionHandler installs the sink for failures that are not attributable
// to a channel, such as a failed submission.
func (r *Reactor) SetExceptionHandler(fn func(error)) {
	r.exceptionHandler = fn
}

// IsClosed reports whether Close has been called.
func (r *Reactor) IsClosed() bool { return r.closed }

// Stats returns a snapshot of the reactor's counters.
func (r *Reactor) Stats() Stats {
	s := r.stats
	s.Channels = r.registry.len()
	return s
}

// Lookup returns the registered channel owning fd, or nil.
func (r *Reactor) Lookup(fd int) *Channel {
	return r.registry.lookup(fd, 0)
}

// SubmitAndWait submits every queued operation, then processes up to
// RingCapacity completions. With blocking set it waits, without a timeout,
// until at least one completion is available; otherwise it returns at once
// when none are ready. It returns the number of completions processed.
//
// Failures of a handler never escape: they are delivered to the channel's
// exception handler. A failure of the engine itself is delivered to the
// reactor's exception handler and returned.
func (r *Reactor) SubmitAndWait(blocking bool) (int, error) {
	if r.closed {
		return 0, ErrReactorClosed
	}
	completions, err := r.engine.SubmitAndCollect(r.opts.RingCapacity, blocking && len(r.backlog) == 0)
	if err != nil {
		err = errors.Wrap(err, "submit and collect")
		r.raise(err)
		return 0, err
	}
	for _, ch := range r.unsubmitted {
		ch.closeSubmitted = true
	}
	r.unsubmitted = r.unsubmitted[:0]

	if len(r.backlog) > 0 {
		completions = append(r.backlog, completions...)
		r.backlog = nil
	}
	// an engine may hand back more than asked for; the rest waits for the next call
	if limit := r.opts.RingCapacity; len(completions) > limit {
		r.backlog = append([]Completion(nil), completions[limit:]...)
		completions = completions[:limit]
	}
	for i := range completions {
		r.process(&completions[i])
	}
	return len(completions), nil
}

// Run calls SubmitAndWait(true) until the reactor is closed or ctx is done.
// ctx is only observed between iterations: a blocked wait is not interrupted.
func (r *Reactor) Run(ctx context.Context) error {
	if r.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for !r.closed {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := r.SubmitAndWait(true); err != nil {
			if errors.Is(err, ErrReactorClosed) {
				return nil
			}
			r.opts.Logger.Debugf("reactor iteration failed: %v", err)
		}
	}
	return nil
}

// RunForever runs until the reactor is closed.
func (r *Reactor) RunForever() error {
	return r.Run(context.Background())
}

// Close releases the engine. Buffers still referenced by queued operations are
// released from their ledgers, since no completion will arrive for them.
// Channels whose close was queued are finished here; the descriptor is
// released too if the close never reached the kernel.
func (r *Reactor) Close() error {
	if r.closed {
		return ErrAlreadyClosed
	}
	r.closed = true
	r.backlog = nil
	err := errors.Wrap(r.engine.Close(), "close engine")
	for _, s := range r.registry.slots {
		if s.ch != nil {
			s.ch.reads.drain()
			s.ch.writes.drain()
		}
	}
	for id, ch := range r.closes {
		delete(r.closes, id)
		if !ch.closed {
			err = multierr.Append(err, ch.closeNow(!ch.closeSubmitted))
		}
	}
	r.unsubmitted = nil
	return err
}

// EnqueueAccept queues an accept on a listening channel. The reactor re-arms
// it after every accept completion.
func (r *Reactor) EnqueueAccept(server *Channel) error {
	if server.kind != KindServerSocket {
		return errors.Wrapf(ErrUnsupportedOperation, "accept on %s", server.kind)
	}
	if server.closing {
		return ErrChannelClosed
	}
	if err := r.attach(server); err != nil {
		return err
	}
	return r.submit(&Operation{Kind: OpAccept, Fd: server.fd, Gen: server.gen})
}

// EnqueueConnect queues a connect of an outbound socket to its target address.
func (r *Reactor) EnqueueConnect(ch *Channel) error {
	if ch.kind != KindSocket {
		return errors.Wrapf(ErrUnsupportedOperation, "connect on %s", ch.kind)
	}
	if ch.closing {
		return ErrChannelClosed
	}
	if err := r.attach(ch); err != nil {
		return err
	}
	return r.submit(&Operation{Kind: OpConnect, Fd: ch.fd, Gen: ch.gen, Addr: ch.address, Port: ch.port})
}

// EnqueueRead queues a read into [Position, Limit) of buf. For files it reads
// at the current file position.
func (r *Reactor) EnqueueRead(ch *Channel, buf *Buffer) error {
	return r.enqueueIO(OpRead, ch, buf, -1)
}

// EnqueueReadAt queues a read of a file at offset.
func (r *Reactor) EnqueueReadAt(ch *Channel, buf *Buffer, offset int64) error {
	return r.enqueueIO(OpRead, ch, buf, offset)
}

// EnqueueWrite queues a write of [Position, Limit) of buf. The write handler
// only runs once all of it has been written; partial writes are queued again.
func (r *Reactor) EnqueueWrite(ch *Channel, buf *Buffer) error {
	return r.enqueueIO(OpWrite, ch, buf, -1)
}

// EnqueueWriteAt queues a write to a file at offset.
func (r *Reactor) EnqueueWriteAt(ch *Channel, buf *Buffer, offset int64) error {
	return r.enqueueIO(OpWrite, ch, buf, offset)
}

// EnqueueClose closes ch through the engine. When ch has a read or write in
// flight the close is deferred until the last one completes.
func (r *Reactor) EnqueueClose(ch *Channel) error {
	if r.closed {
		return ErrReactorClosed
	}
	if ch.closed || ch.closeQueued {
		return nil
	}
	if err := r.attach(ch); err != nil {
		return err
	}
	ch.closing = true
	if ch.pending() {
		r.opts.Logger.Debugf("close of fd %d deferred: %d reads, %d writes pending",
			ch.fd, ch.reads.Total(), ch.writes.Total())
		return nil
	}
	return r.queueClose(ch)
}

func (r *Reactor) enqueueIO(kind OpKind, ch *Channel, buf *Buffer, fileOffset int64) error {
	if r.closed {
		return ErrReactorClosed
	}
	if !ch.carriesPayload() {
		return errors.Wrapf(ErrUnsupportedOperation, "%s on %s", kind, ch.kind)
	}
	if ch.closed || ch.closing {
		return ErrChannelClosed
	}
	if buf == nil || !buf.Pinned() {
		return ErrInvalidBuffer
	}
	if buf.Remaining() == 0 {
		return errors.Wrapf(ErrInvalidBuffer, "%s of zero bytes", kind)
	}
	if err := r.attach(ch); err != nil {
		return err
	}
	return r.submitIO(kind, ch, buf, buf.pos, buf.Remaining(), fileOffset)
}

func (r *Reactor) submitIO(kind OpKind, ch *Channel, buf *Buffer, offset, length int, fileOffset int64) error {
	ledger := ch.ledger(kind)
	if _, err := ledger.Acquire(buf); err != nil {
		return err
	}
	op := &Operation{
		Kind:       kind,
		Fd:         ch.fd,
		Gen:        ch.gen,
		Buffer:     buf,
		Offset:     offset,
		Length:     length,
		FileOffset: fileOffset,
	}
	if err := r.submit(op); err != nil {
		_, _, _ = ledger.Release(buf.ID())
		return err
	}
	return nil
}

func (r *Reactor) queueClose(ch *Channel) error {
	id, err := r.enqueue(&Operation{Kind: OpClose, Fd: ch.fd, Gen: ch.gen})
	if err != nil {
		return err
	}
	ch.closeQueued = true
	r.closes[id] = ch
	r.unsubmitted = append(r.unsubmitted, ch)
	return nil
}

func (r *Reactor) submit(op *Operation) error {
	_, err := r.enqueue(op)
	return err
}

func (r *Reactor) enqueue(op *Operation) (uint64, error) {
	if r.closed {
		return 0, ErrReactorClosed
	}
	id, err := r.engine.Enqueue(op)
	if err != nil {
		return 0, errors.Wrapf(err, "enqueue %s on fd %d", op.Kind, op.Fd)
	}
	r.stats.Submitted++
	return id, nil
}

// attach binds ch to r and registers its descriptor. Registering again is a no-op.
func (r *Reactor) attach(ch *Channel) error {
	if ch.reactor != nil && ch.reactor != r {
		return errors.Wrapf(ErrUnsupportedOperation, "fd %d is bound to another reactor", ch.fd)
	}
	if ch.closed {
		return ErrChannelClosed
	}
	ch.reactor = r
	r.registry.register(ch)
	return nil
}

// raise hands err to the reactor exception handler, or logs it.
func (r *Reactor) raise(err error) {
	if r.exceptionHandler == nil {
		r.opts.Logger.Errorf("reactor: %v", err)
		return
	}
	defer func() {
		if v := recover(); v != nil {
			r.opts.Logger.Errorf("reactor exception handler panicked: %v (handling %v)", v, err)
		}
	}()
	r.exceptionHandler(err)
}
