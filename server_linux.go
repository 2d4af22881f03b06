//go:build linux
// +build linux

package uringio

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	socket "github.com/y001j/uringio/sockets"
)

// Server runs NumEventLoop event loops. Each loop owns a reactor on its own
// ring and its own listener bound to the same address with SO_REUSEPORT, so
// the kernel spreads incoming connections over the loops and a connection
// never leaves the loop that accepted it.
type Server struct {
	handler EventHandler
	opts    *Options
	address string
	port    int
	loops   []*eventLoop
	stopped *atomic.Bool
}

type eventLoop struct {
	idx      int
	server   *Server
	reactor  *Reactor
	listener *Channel
	wake     *Waker // completed by Stop
	conns    map[int]*Conn
}

// Serve creates a Server and runs it until it is stopped or ctx is done.
func Serve(ctx context.Context, handler EventHandler, address string, port int, options ...Option) error {
	s, err := NewServer(handler, address, port, options...)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// NewServer creates the rings and listeners of every event loop. Port 0 lets
// the kernel pick a port for the first loop; the others share it.
func NewServer(handler EventHandler, address string, port int, options ...Option) (*Server, error) {
	opts := loadOptions(options...)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		handler: handler,
		opts:    opts,
		address: address,
		port:    port,
		stopped: atomic.NewBool(false),
	}
	for i := 0; i < opts.NumEventLoop; i++ {
		lp, err := s.newEventLoop(i)
		if err != nil {
			return nil, multierr.Append(err, s.close())
		}
		s.loops = append(s.loops, lp)
		s.address, s.port = lp.listener.Address(), lp.listener.Port()
	}
	opts.Logger.Infof("server listening on %s:%d with %d event loops", s.address, s.port, len(s.loops))
	return s, nil
}

func (s *Server) newEventLoop(idx int) (lp *eventLoop, err error) {
	r, err := NewRing(WithOptions(*s.opts))
	if err != nil {
		return nil, err
	}
	lp = &eventLoop{idx: idx, server: s, reactor: r, conns: make(map[int]*Conn)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, lp.close())
			lp = nil
		}
	}()

	if lp.listener, err = ListenWithOptions(s.address, s.port, socket.DefaultBacklog, socket.DefaultOptions); err != nil {
		return
	}
	_ = lp.listener.OnAccept(lp.accept)
	lp.listener.OnException(func(err error) {
		s.opts.Logger.Warnf("event-loop %d: accept: %v", idx, err)
	})

	if err = r.EnqueueAccept(lp.listener); err != nil {
		return
	}
	lp.wake, err = NewWaker(r, nil)
	return
}

func (s *Server) Address() string   { return s.address }
func (s *Server) Port() int         { return s.port }
func (s *Server) NumEventLoop() int { return len(s.loops) }
func (s *Server) IsStopped() bool   { return s.stopped.Load() }

// Run drives every event loop on its own goroutine until Stop is called, a
// loop fails or ctx is done. It closes the server before returning.
func (s *Server) Run(ctx context.Context) error {
	if s.handler.OnBoot(s) == Shutdown {
		s.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, lp := range s.loops {
		lp := lp
		g.Go(lp.run)
	}

	// a failed loop cancels ctx, which wakes the others
	release := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			s.Stop()
		case <-release:
		}
	}()

	err := g.Wait()
	s.Stop()
	close(release)
	<-watcher

	s.handler.OnShutdown(s)
	return multierr.Append(err, s.close())
}

// Stop makes every event loop return. It is safe to call from any goroutine,
// including from a handler.
func (s *Server) Stop() {
	if !s.stopped.CAS(false, true) {
		return
	}
	for _, lp := range s.loops {
		if err := lp.wake.Wake(); err != nil {
			s.opts.Logger.Warnf("event-loop %d: wake: %v", lp.idx, err)
		}
	}
}

func (s *Server) close() (err error) {
	for _, lp := range s.loops {
		err = multierr.Append(err, lp.close())
	}
	s.loops = nil
	return
}

func (lp *eventLoop) run() error {
	if lp.server.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for !lp.server.stopped.Load() {
		if _, err := lp.reactor.SubmitAndWait(true); err != nil {
			if errors.Is(err, ErrReactorClosed) {
				return nil
			}
			return errors.Wrapf(err, "event-loop %d", lp.idx)
		}
	}
	return nil
}

func (lp *eventLoop) accept(r *Reactor, ch *Channel) {
	c, err := newConn(lp, ch)
	if err != nil {
		lp.server.opts.Logger.Errorf("event-loop %d: new connection fd %d: %v", lp.idx, ch.Fd(), err)
		_ = ch.Close()
		return
	}
	lp.conns[ch.Fd()] = c
	lp.act(c, lp.server.handler.OnOpen(c))
	if c.closeRequested || ch.closing {
		return
	}
	if err := r.EnqueueRead(ch, c.in); err != nil {
		c.fail(err)
	}
}

func (lp *eventLoop) act(c *Conn, action Action) {
	switch action {
	case Close:
		if err := c.Close(); err != nil {
			c.onException(err)
		}
	case Shutdown:
		lp.server.Stop()
	}
}

// close tears the loop down once its goroutine is gone. Channels still open
// are closed synchronously since the ring no longer runs.
func (lp *eventLoop) close() (err error) {
	if !lp.reactor.IsClosed() {
		err = lp.reactor.Close()
	}
	for _, c := range lp.conns {
		err = multierr.Append(err, c.ch.Close())
	}
	if lp.listener != nil {
		err = multierr.Append(err, lp.listener.Close())
	}
	if lp.wake != nil {
		err = multierr.Append(err, lp.wake.Close())
	}
	return
}
