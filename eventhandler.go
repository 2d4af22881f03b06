//go:build linux
// +build linux

package uringio

// Action is an action that occurs after the completion of an event.
type Action int

const (
	// None indicates that no action should occur following an event.
	None Action = iota

	// Close closes the connection once its staged writes are done.
	Close

	// Shutdown stops every event loop of the server.
	Shutdown
)

type (
	// EventHandler represents the server events' callbacks. Every callback of
	// a connection runs on the goroutine of the event loop that accepted it.
	EventHandler interface {
		// OnBoot fires before the event loops start accepting connections.
		OnBoot(s *Server) (action Action)

		// OnShutdown fires once every event loop has stopped, before the
		// remaining connections are closed.
		OnShutdown(s *Server)

		// OnOpen fires when a new connection has been accepted.
		OnOpen(c *Conn) (action Action)

		// OnClose fires when a connection has been closed.
		// The parameter err is the last known connection error.
		OnClose(c *Conn, err error) (action Action)

		// OnTraffic fires when a connection receives data from the peer.
		//
		// Note that packet aliases the connection's read buffer and is only
		// valid until OnTraffic returns. Copy it to keep it.
		OnTraffic(c *Conn, packet []byte) (action Action)

		// OnWritten fires once everything written to the connection so far
		// has been handed to the kernel.
		OnWritten(c *Conn) (action Action)
	}

	// BuiltinEventEngine is a built-in implementation of EventHandler which sets up each method with a default implementation,
	// you can compose it with your own implementation of EventHandler when you don't want to implement all methods
	// in EventHandler.
	BuiltinEventEngine struct{}
)

// OnBoot fires before the event loops start accepting connections.
func (es *BuiltinEventEngine) OnBoot(_ *Server) (action Action) {
	return
}

// OnShutdown fires once every event loop has stopped.
func (es *BuiltinEventEngine) OnShutdown(_ *Server) {
}

// OnOpen fires when a new connection has been accepted.
func (es *BuiltinEventEngine) OnOpen(_ *Conn) (action Action) {
	return
}

// OnClose fires when a connection has been closed.
func (es *BuiltinEventEngine) OnClose(_ *Conn, _ error) (action Action) {
	return
}

// OnTraffic fires when a connection receives data from the peer.
func (es *BuiltinEventEngine) OnTraffic(_ *Conn, _ []byte) (action Action) {
	return
}

// OnWritten fires once the staged writes have been handed to the kernel.
func (es *BuiltinEventEngine) OnWritten(_ *Conn) (action Action) {
	return
}
