//go:build linux
// +build linux

package uringio

import (
	"net"
	"syscall"
	"unsafe"

	"github.com/dshulyak/uring"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ringEngine is the io_uring backed Engine. Every queued operation keeps a
// request record, keyed by the user data of its SQE, until the completion has
// been marked seen: the kernel may write into the sockaddr fields of the
// record, and the record pins the buffer for the garbage collector.
type ringEngine struct {
	ring    *uring.Ring
	nextID  uint64
	pending map[uint64]*ringRequest
	closed  bool
}

type ringRequest struct {
	op Operation

	// accept writes the peer address here; connect reads the target from here.
	rsa    unix.RawSockaddrAny
	rsaLen uint32
}

// NewRingEngine sets up an io_uring with size entries.
func NewRingEngine(size uint, sqpoll bool) (Engine, error) {
	var params *uring.IOUringParams
	if sqpoll {
		params = &uring.IOUringParams{Flags: uring.IORING_SETUP_SQPOLL}
	}
	ring, err := uring.Setup(size, params)
	if err != nil {
		return nil, errors.Wrap(err, "io_uring setup")
	}
	return &ringEngine{
		ring:    ring,
		nextID:  1,
		pending: make(map[uint64]*ringRequest, size),
	}, nil
}

// NewRing creates a reactor on a new io_uring of RingCapacity entries.
func NewRing(options ...Option) (*Reactor, error) {
	opts := loadOptions(options...)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	engine, err := NewRingEngine(uint(opts.RingCapacity), opts.SQPoll)
	if err != nil {
		return nil, err
	}
	return New(engine, WithOptions(*opts))
}

func (e *ringEngine) Enqueue(op *Operation) (uint64, error) {
	if e.closed {
		return 0, ErrReactorClosed
	}
	sqe := e.ring.GetSQEntry()
	if sqe == nil {
		// make room by handing what is queued to the kernel
		if _, err := e.ring.Submit(0); err != nil {
			return 0, errors.Wrap(err, "io_uring submit")
		}
		if sqe = e.ring.GetSQEntry(); sqe == nil {
			return 0, ErrRingFull
		}
	}

	id := e.nextID
	e.nextID++
	req := &ringRequest{op: *op}

	sqe.Reset()
	sqe.SetFD(int32(op.Fd))
	sqe.SetUserData(id)
	switch op.Kind {
	case OpAccept:
		req.rsaLen = unix.SizeofSockaddrAny
		sqe.SetOpcode(uring.IORING_OP_ACCEPT)
		sqe.SetAddr(uint64(uintptr(unsafe.Pointer(&req.rsa))))
		sqe.SetOffset(uint64(uintptr(unsafe.Pointer(&req.rsaLen))))
		sqe.SetOpcodeFlags(unix.SOCK_CLOEXEC)
	case OpConnect:
		n, err := encodeSockaddr(&req.rsa, op.Addr, op.Port)
		if err != nil {
			sqe.SetOpcode(uring.IORING_OP_NOP)
			return 0, err
		}
		req.rsaLen = n
		sqe.SetOpcode(uring.IORING_OP_CONNECT)
		sqe.SetAddr(uint64(uintptr(unsafe.Pointer(&req.rsa))))
		sqe.SetOffset(uint64(n))
	case OpRead, OpWrite:
		region := op.Buffer.Region(op.Offset, op.Length)
		if op.Kind == OpRead {
			sqe.SetOpcode(uring.IORING_OP_READ)
		} else {
			sqe.SetOpcode(uring.IORING_OP_WRITE)
		}
		sqe.SetAddr(uint64(uintptr(unsafe.Pointer(&region[0]))))
		sqe.SetLen(uint32(len(region)))
		sqe.SetOffset(uint64(op.FileOffset))
	case OpClose:
		sqe.SetOpcode(uring.IORING_OP_CLOSE)
	default:
		sqe.SetOpcode(uring.IORING_OP_NOP)
		return 0, errors.Errorf("unknown operation kind %s", op.Kind)
	}
	e.pending[id] = req
	return id, nil
}

func (e *ringEngine) SubmitAndCollect(max int, wait bool) ([]Completion, error) {
	if e.closed {
		return nil, ErrReactorClosed
	}
	if _, err := e.ring.Submit(0); err != nil && err != syscall.EBUSY && err != syscall.EINTR {
		return nil, errors.Wrap(err, "io_uring submit")
	}

	var completions []Completion
	for len(completions) < max {
		cqe, err := e.ring.GetCQEntry(0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EINTR {
				break
			}
			if len(completions) > 0 {
				break
			}
			return nil, errors.Wrap(err, "io_uring peek completion")
		}
		if c, ok := e.decode(cqe); ok {
			completions = append(completions, c)
		}
	}
	for len(completions) == 0 && wait {
		cqe, err := e.ring.GetCQEntry(1)
		if err != nil {
			if err == syscall.EINTR || err == syscall.EAGAIN {
				continue
			}
			return nil, errors.Wrap(err, "io_uring wait completion")
		}
		if c, ok := e.decode(cqe); ok {
			completions = append(completions, c)
		}
	}
	return completions, nil
}

func (e *ringEngine) decode(cqe uring.CQEntry) (Completion, bool) {
	id := cqe.UserData()
	req, ok := e.pending[id]
	if !ok {
		return Completion{}, false
	}
	c := Completion{
		ID:         id,
		Kind:       req.op.Kind,
		Fd:         req.op.Fd,
		Gen:        req.op.Gen,
		Result:     cqe.Result(),
		Offset:     req.op.Offset,
		Length:     req.op.Length,
		FileOffset: req.op.FileOffset,
	}
	if req.op.Buffer != nil {
		c.BufferID = req.op.Buffer.ID()
	}
	if req.op.Kind == OpAccept && c.Result >= 0 {
		c.Peer = decodeSockaddr(&req.rsa)
	}
	return c, true
}

func (e *ringEngine) MarkSeen(id uint64) {
	delete(e.pending, id)
}

func (e *ringEngine) Close() error {
	if e.closed {
		return ErrAlreadyClosed
	}
	e.closed = true
	err := e.ring.Close()
	e.pending = nil
	return errors.Wrap(err, "io_uring close")
}

func encodeSockaddr(rsa *unix.RawSockaddrAny, address string, port int) (uint32, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return 0, errors.Wrapf(ErrInvalidConfig, "connect address %q", address)
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
		sa.Family = unix.AF_INET
		p := (*[2]byte)(unsafe.Pointer(&sa.Port))
		p[0], p[1] = byte(port>>8), byte(port)
		copy(sa.Addr[:], ip4)
		return unix.SizeofSockaddrInet4, nil
	}
	sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(rsa))
	sa.Family = unix.AF_INET6
	p := (*[2]byte)(unsafe.Pointer(&sa.Port))
	p[0], p[1] = byte(port>>8), byte(port)
	copy(sa.Addr[:], ip.To16())
	return unix.SizeofSockaddrInet6, nil
}

func decodeSockaddr(rsa *unix.RawSockaddrAny) *net.TCPAddr {
	switch rsa.Addr.Family {
	case unix.AF_INET:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
		p := (*[2]byte)(unsafe.Pointer(&sa.Port))
		ip := make(net.IP, net.IPv4len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: int(p[0])<<8 | int(p[1])}
	case unix.AF_INET6:
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(rsa))
		p := (*[2]byte)(unsafe.Pointer(&sa.Port))
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: int(p[0])<<8 | int(p[1])}
	}
	return nil
}
