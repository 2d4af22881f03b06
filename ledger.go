package uringio

// BufferRef counts the in-flight operations queued against one buffer.
type BufferRef struct {
	buf   *Buffer
	count int
}

func (r *BufferRef) Buffer() *Buffer { return r.buf }
func (r *BufferRef) Count() int      { return r.count }

// Ledger tracks which buffers are owned by the engine. The same buffer may be
// acquired several times; it becomes reusable only when every acquisition has
// been released. A Ledger is not safe for concurrent use.
type Ledger struct {
	refs  map[uint64]*BufferRef
	total int
}

func NewLedger() *Ledger {
	return &Ledger{refs: make(map[uint64]*BufferRef)}
}

// Acquire increments the reference count of buf, creating the entry on first use.
func (l *Ledger) Acquire(buf *Buffer) (*BufferRef, error) {
	if buf == nil || !buf.Pinned() {
		return nil, ErrInvalidBuffer
	}
	id := buf.ID()
	ref, ok := l.refs[id]
	if !ok {
		ref = &BufferRef{buf: buf}
		l.refs[id] = ref
	}
	ref.count++
	buf.inflight++
	l.total++
	return ref, nil
}

// Release decrements the reference of the buffer with the given identity and
// returns it with the remaining count. The entry is dropped at zero.
func (l *Ledger) Release(id uint64) (*BufferRef, int, error) {
	ref, ok := l.refs[id]
	if !ok {
		return nil, 0, ErrDanglingBuffer
	}
	ref.count--
	ref.buf.inflight--
	l.total--
	if ref.count == 0 {
		delete(l.refs, id)
	}
	return ref, ref.count, nil
}

// RefCount is the number of unreleased acquisitions of buf.
func (l *Ledger) RefCount(buf *Buffer) int {
	if ref, ok := l.refs[buf.ID()]; ok {
		return ref.count
	}
	return 0
}

// Len is the number of distinct buffers tracked.
func (l *Ledger) Len() int { return len(l.refs) }

// Total is the number of unreleased acquisitions over all buffers.
func (l *Ledger) Total() int { return l.total }

// drain forgets every reference. Used when the engine is gone and no
// completion will ever release them.
func (l *Ledger) drain() {
	for id, ref := range l.refs {
		ref.buf.inflight -= ref.count
		ref.count = 0
		delete(l.refs, id)
	}
	l.total = 0
}
