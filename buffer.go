package uringio

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Buffer is a region of memory that can be handed to the engine. Only pinned
// buffers, allocated outside the Go heap, are accepted by the reactor: the
// kernel keeps the address for as long as the operation is in flight.
//
// Like a java.nio buffer it carries a cursor: reads fill [Position, Limit) and
// advance Position, writes drain [Position, Limit) and advance Position.
type Buffer struct {
	data     []byte
	pos      int
	limit    int
	pinned   bool
	inflight int
}

// NewBuffer maps size bytes of anonymous memory.
func NewBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "buffer size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap buffer")
	}
	return &Buffer{data: data, limit: size, pinned: true}, nil
}

// WrapDirect copies p into a new pinned buffer ready to be written.
func WrapDirect(p []byte) (*Buffer, error) {
	b, err := NewBuffer(len(p))
	if err != nil {
		return nil, err
	}
	b.Put(p)
	b.Flip()
	return b, nil
}

// NewBufferString is WrapDirect for a string.
func NewBufferString(s string) (*Buffer, error) {
	return WrapDirect([]byte(s))
}

// WrapBytes wraps ordinary heap memory. Such a buffer can be inspected and
// filled by the application but is rejected by the reactor.
func WrapBytes(p []byte) *Buffer {
	return &Buffer{data: p, limit: len(p)}
}

// ID is the identity the engine reports back in completions.
func (b *Buffer) ID() uint64 {
	if len(b.data) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b.data[0])))
}

func (b *Buffer) Pinned() bool  { return b.pinned && b.data != nil }
func (b *Buffer) Cap() int      { return len(b.data) }
func (b *Buffer) Position() int { return b.pos }
func (b *Buffer) Limit() int    { return b.limit }

// Remaining is Limit - Position.
func (b *Buffer) Remaining() int { return b.limit - b.pos }

// InFlight is the number of queued operations, over all channels, that have
// not completed yet.
func (b *Buffer) InFlight() int { return b.inflight }

// SetPosition moves the cursor, clamped to [0, Limit].
func (b *Buffer) SetPosition(pos int) {
	switch {
	case pos < 0:
		pos = 0
	case pos > b.limit:
		pos = b.limit
	}
	b.pos = pos
}

// SetLimit moves the limit, clamped to [0, Cap]. Position follows if it is past the new limit.
func (b *Buffer) SetLimit(limit int) {
	switch {
	case limit < 0:
		limit = 0
	case limit > len(b.data):
		limit = len(b.data)
	}
	b.limit = limit
	if b.pos > limit {
		b.pos = limit
	}
}

// Flip prepares a filled buffer for draining.
func (b *Buffer) Flip() {
	b.limit = b.pos
	b.pos = 0
}

// Clear resets the cursor to cover the whole buffer.
func (b *Buffer) Clear() {
	b.pos = 0
	b.limit = len(b.data)
}

// Put copies p at Position and advances it, returning the number of bytes copied.
func (b *Buffer) Put(p []byte) int {
	n := copy(b.data[b.pos:b.limit], p)
	b.pos += n
	return n
}

// Bytes returns [Position, Limit). The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[b.pos:b.limit]
}

func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Region returns the raw memory [offset, offset+length) regardless of the
// cursor. Engines use it to hand the memory to the kernel.
func (b *Buffer) Region(offset, length int) []byte {
	return b.data[offset : offset+length]
}

// Free unmaps a pinned buffer. It fails with ErrBufferInUse while the engine
// may still access the memory.
func (b *Buffer) Free() error {
	if b.inflight > 0 {
		return ErrBufferInUse
	}
	if !b.Pinned() {
		b.data = nil
		return nil
	}
	err := unix.Munmap(b.data)
	b.data, b.pos, b.limit, b.pinned = nil, 0, 0, false
	return errors.Wrap(err, "munmap buffer")
}
