package uringio

import (
	"fmt"
	"net"
)

// OpKind is the kind of an operation queued on the engine.
type OpKind uint8

const (
	OpAccept  OpKind = iota // 0. accept a connection on a listening socket
	OpRead                  // 1. read into a buffer
	OpWrite                 // 2. write from a buffer
	OpConnect               // 3. connect an outbound socket
	OpClose                 // 4. close the descriptor
)

func (k OpKind) String() string {
	switch k {
	case OpAccept:
		return "accept"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpConnect:
		return "connect"
	case OpClose:
		return "close"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Operation is a queued I/O intent. The engine keeps it until the matching
// completion has been collected.
type Operation struct {
	Kind OpKind
	Fd   int
	// Gen is the registry generation of the channel the operation was queued for.
	Gen uint64

	// read/write only
	Buffer *Buffer
	Offset int
	Length int
	// FileOffset is the position in the file for file channels, -1 for the current position.
	FileOffset int64

	// connect only
	Addr string
	Port int
}

// Completion is the decoded result of one finished operation.
type Completion struct {
	ID   uint64
	Kind OpKind
	Fd   int
	Gen  uint64
	// Result is the byte count, the accepted descriptor, or zero on success.
	// A negative value is a negated errno.
	Result int32

	BufferID   uint64
	Offset     int
	Length     int
	FileOffset int64

	// Peer is the remote address of an accepted connection, nil if the engine
	// did not supply one.
	Peer *net.TCPAddr
}

// Failed reports whether the engine returned an error for the operation.
func (c *Completion) Failed() bool {
	return c.Result < 0
}

// Err returns the errno carried by a negative result, nil otherwise.
func (c *Completion) Err() error {
	if c.Result >= 0 {
		return nil
	}
	return newErrnoError(c.Kind, c.Fd, c.Result)
}
