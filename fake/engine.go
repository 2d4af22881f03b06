// Package fake provides a scripted, in-memory uringio.Engine for tests.
//
// Operations enqueued by a reactor wait in a submission queue until the next
// SubmitAndCollect, as they would in a ring. A test completes them explicitly
// through the Pending records, or installs an OnSubmit hook that answers at
// submission time. Nothing touches a real descriptor.
package fake

import (
	"errors"
	"net"
	"syscall"

	"github.com/eapache/queue"

	"github.com/y001j/uringio"
)

var (
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("fake: engine closed")
	// ErrWouldBlock is returned by a blocking SubmitAndCollect with nothing to
	// collect: the fake cannot wait for a completion nobody will produce.
	ErrWouldBlock = errors.New("fake: blocking wait with no completion ready")
)

// Pending is an operation that has not completed yet.
type Pending struct {
	ID        uint64
	Op        uringio.Operation
	Submitted bool

	eng *Engine
}

// Engine implements uringio.Engine.
type Engine struct {
	nextID uint64
	sq     *queue.Queue // ids waiting for submission
	cq     *queue.Queue // completions waiting to be collected
	ops    map[uint64]*Pending
	order  []uint64
	unseen map[uint64]struct{}
	closed bool

	// OnSubmit, when set, is called for each operation as it is submitted.
	OnSubmit func(p *Pending)
	// FailNext is returned, once, by the next SubmitAndCollect.
	FailNext error

	SubmitCalls int
	Seen        int
}

func New() *Engine {
	return &Engine{
		nextID: 1,
		sq:     queue.New(),
		cq:     queue.New(),
		ops:    make(map[uint64]*Pending),
		unseen: make(map[uint64]struct{}),
	}
}

func (e *Engine) Enqueue(op *uringio.Operation) (uint64, error) {
	if e.closed {
		return 0, ErrClosed
	}
	id := e.nextID
	e.nextID++
	e.ops[id] = &Pending{ID: id, Op: *op, eng: e}
	e.order = append(e.order, id)
	e.sq.Add(id)
	return id, nil
}

func (e *Engine) SubmitAndCollect(max int, wait bool) ([]uringio.Completion, error) {
	if e.closed {
		return nil, ErrClosed
	}
	e.SubmitCalls++
	if err := e.FailNext; err != nil {
		e.FailNext = nil
		return nil, err
	}
	e.Flush()
	if e.cq.Length() == 0 && wait {
		return nil, ErrWouldBlock
	}
	n := e.cq.Length()
	if n > max {
		n = max
	}
	completions := make([]uringio.Completion, 0, n)
	for i := 0; i < n; i++ {
		c := e.cq.Remove().(uringio.Completion)
		e.unseen[c.ID] = struct{}{}
		completions = append(completions, c)
	}
	return completions, nil
}

// Flush submits queued operations without collecting anything.
func (e *Engine) Flush() {
	for e.sq.Length() > 0 {
		id := e.sq.Remove().(uint64)
		p, ok := e.ops[id]
		if !ok {
			continue
		}
		p.Submitted = true
		if e.OnSubmit != nil {
			e.OnSubmit(p)
		}
	}
}

func (e *Engine) MarkSeen(id uint64) {
	if _, ok := e.unseen[id]; ok {
		delete(e.unseen, id)
		e.Seen++
	}
}

func (e *Engine) Close() error {
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	return nil
}

func (e *Engine) IsClosed() bool { return e.closed }

// Unseen is the number of collected completions not yet marked seen.
func (e *Engine) Unseen() int { return len(e.unseen) }

// Ready is the number of completions waiting to be collected.
func (e *Engine) Ready() int { return e.cq.Length() }

// Outstanding returns the operations of the given kinds that have not
// completed, in enqueue order. No kinds means all of them.
func (e *Engine) Outstanding(kinds ...uringio.OpKind) []*Pending {
	var out []*Pending
	live := e.order[:0]
	for _, id := range e.order {
		p, ok := e.ops[id]
		if !ok {
			continue
		}
		live = append(live, id)
		if len(kinds) == 0 || hasKind(kinds, p.Op.Kind) {
			out = append(out, p)
		}
	}
	e.order = live
	return out
}

// Next returns the oldest outstanding operation of kind, or nil.
func (e *Engine) Next(kind uringio.OpKind) *Pending {
	if ps := e.Outstanding(kind); len(ps) > 0 {
		return ps[0]
	}
	return nil
}

func hasKind(kinds []uringio.OpKind, k uringio.OpKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Inject queues an arbitrary completion, for example one the reactor never asked for.
func (e *Engine) Inject(c uringio.Completion) {
	if c.ID == 0 {
		c.ID = e.nextID
		e.nextID++
	}
	e.cq.Add(c)
}

func (e *Engine) complete(p *Pending, result int32, peer *net.TCPAddr) {
	if _, ok := e.ops[p.ID]; !ok {
		return
	}
	delete(e.ops, p.ID)
	c := uringio.Completion{
		ID:         p.ID,
		Kind:       p.Op.Kind,
		Fd:         p.Op.Fd,
		Gen:        p.Op.Gen,
		Result:     result,
		Offset:     p.Op.Offset,
		Length:     p.Op.Length,
		FileOffset: p.Op.FileOffset,
		Peer:       peer,
	}
	if p.Op.Buffer != nil {
		c.BufferID = p.Op.Buffer.ID()
	}
	e.cq.Add(c)
}

// Complete finishes the operation with a raw result.
func (p *Pending) Complete(result int32) {
	p.eng.complete(p, result, nil)
}

// Fail finishes the operation with -errno.
func (p *Pending) Fail(errno syscall.Errno) {
	p.eng.complete(p, -int32(errno), nil)
}

// CompleteRead copies payload into the operation's buffer region, as the
// kernel would, and finishes the read with its length.
func (p *Pending) CompleteRead(payload []byte) {
	n := copy(p.Op.Buffer.Region(p.Op.Offset, p.Op.Length), payload)
	p.eng.complete(p, int32(n), nil)
}

// CompleteWrite finishes a write that transferred n bytes. A negative n
// means the whole region.
func (p *Pending) CompleteWrite(n int) {
	if n < 0 || n > p.Op.Length {
		n = p.Op.Length
	}
	p.eng.complete(p, int32(n), nil)
}

// Written returns the bytes a write operation hands to the kernel.
func (p *Pending) Written() []byte {
	return p.Op.Buffer.Region(p.Op.Offset, p.Op.Length)
}

// CompleteAccept finishes an accept with a new descriptor and its peer.
func (p *Pending) CompleteAccept(fd int, peer *net.TCPAddr) {
	p.eng.complete(p, int32(fd), peer)
}
