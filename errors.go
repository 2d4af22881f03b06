package uringio

import (
	"errors"
	"fmt"
	"syscall"

	gerrors "github.com/panjf2000/gnet/v2/pkg/errors"
)

var (
	// ErrReactorClosed occurs when queueing or submitting on a reactor that has been closed.
	ErrReactorClosed = fmt.Errorf("uringio: reactor is closed: %w", gerrors.ErrEngineShutdown)
	// ErrAlreadyClosed occurs when closing a reactor more than once.
	ErrAlreadyClosed = fmt.Errorf("uringio: reactor already closed: %w", gerrors.ErrEngineInShutdown)
	// ErrUnsupportedOperation occurs when a channel kind does not support the requested capability.
	ErrUnsupportedOperation = fmt.Errorf("uringio: %w", gerrors.ErrUnsupportedOp)
	// ErrInvalidBuffer occurs when queueing a buffer that is not pinned memory.
	ErrInvalidBuffer = errors.New("uringio: buffer is not pinned")
	// ErrDanglingBuffer occurs when a completion arrives for a buffer that is no longer tracked.
	ErrDanglingBuffer = errors.New("uringio: completion for untracked buffer")
	// ErrBufferInUse occurs when freeing a buffer the engine may still access.
	ErrBufferInUse = errors.New("uringio: buffer has operations in flight")
	// ErrConnectionFailed is delivered to a channel's exception handler when a connect fails.
	ErrConnectionFailed = errors.New("uringio: connection failed")
	// ErrChannelClosed occurs when queueing an operation on a closed or closing channel.
	ErrChannelClosed = errors.New("uringio: channel is closed")
	// ErrRingFull occurs when the submission queue has no free entry even after a flush.
	ErrRingFull = errors.New("uringio: submission queue is full")
	// ErrInvalidConfig occurs when an option or socket parameter is out of range.
	ErrInvalidConfig = errors.New("uringio: invalid configuration")
)

// ErrnoError is the error carried by a completion with a negative result.
type ErrnoError struct {
	Kind  OpKind
	Fd    int
	Errno syscall.Errno
}

func newErrnoError(kind OpKind, fd int, result int32) *ErrnoError {
	return &ErrnoError{Kind: kind, Fd: fd, Errno: syscall.Errno(-result)}
}

func (e *ErrnoError) Error() string {
	return fmt.Sprintf("uringio: %s on fd %d: %v", e.Kind, e.Fd, e.Errno)
}

// Unwrap allows errors.Is(err, syscall.ECONNREFUSED) and friends.
func (e *ErrnoError) Unwrap() error {
	return e.Errno
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value interface{}
	Fd    int
}

func (e PanicError) Error() string {
	return fmt.Sprintf("uringio: handler for fd %d panicked: %v", e.Fd, e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ConnectError is delivered to a socket's exception handler when its connect
// completes with an error. It matches ErrConnectionFailed and unwraps to the errno.
type ConnectError struct {
	Addr string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("uringio: connect to %s:%d failed: %v", e.Addr, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectionFailed
}
