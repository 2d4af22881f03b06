// Command proxy is a TCP reverse proxy running on a single reactor. Every
// accepted connection gets an outbound socket to the target; bytes are
// shuttled in both directions through one pinned buffer per direction.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/y001j/uringio"
)

type proxy struct {
	target     string
	targetPort int
	bufSize    int
	logger     logging.Logger
}

// session is one client connection and its upstream.
type session struct {
	client, upstream *uringio.Channel
	up, down         *uringio.Buffer // client to upstream, upstream to client
	open             int
}

func (p *proxy) accept(r *uringio.Reactor, client *uringio.Channel) {
	upstream, err := uringio.NewSocket(p.target, p.targetPort)
	if err != nil {
		p.logger.Errorf("dial %s:%d: %v", p.target, p.targetPort, err)
		_ = client.Close()
		return
	}
	s := &session{client: client, upstream: upstream, open: 2}
	if s.up, err = uringio.NewBuffer(p.bufSize); err == nil {
		s.down, err = uringio.NewBuffer(p.bufSize)
	}
	if err != nil {
		p.logger.Errorf("allocate buffers: %v", err)
		s.release(p.logger)
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	p.pipe(r, s, client, upstream)
	p.pipe(r, s, upstream, client)
	_ = upstream.OnConnect(func(r *uringio.Reactor) {
		p.logger.Debugf("proxying %s:%d to %s:%d", client.Address(), client.Port(), p.target, p.targetPort)
		if err := multierr.Append(r.EnqueueRead(client, s.up), r.EnqueueRead(upstream, s.down)); err != nil {
			p.logger.Errorf("start session: %v", err)
			s.teardown()
		}
	})
	if err := r.EnqueueConnect(upstream); err != nil {
		p.logger.Errorf("connect: %v", err)
		s.teardown()
	}
}

// pipe forwards whatever src reads to dst, and reads again once dst wrote it.
func (p *proxy) pipe(r *uringio.Reactor, s *session, src, dst *uringio.Channel) {
	_ = src.OnRead(func(buf *uringio.Buffer) {
		buf.Flip()
		if err := r.EnqueueWrite(dst, buf); err != nil {
			s.teardown()
		}
	})
	_ = dst.OnWrite(func(buf *uringio.Buffer) {
		buf.Clear()
		if err := r.EnqueueRead(src, buf); err != nil {
			s.teardown()
		}
	})
	src.OnException(func(err error) {
		p.logger.Debugf("fd %d: %v", src.Fd(), err)
		s.teardown()
	})
	src.OnClose(func() {
		s.teardown()
		if s.open--; s.open == 0 {
			s.release(p.logger)
		}
	})
}

// teardown shuts both sockets down so their pending reads complete and the
// deferred closes can run.
func (s *session) teardown() {
	for _, ch := range []*uringio.Channel{s.client, s.upstream} {
		if ch.IsOpen() && !ch.IsClosing() {
			_ = unix.Shutdown(ch.Fd(), unix.SHUT_RDWR)
			_ = ch.Close()
		}
	}
}

func (s *session) release(logger logging.Logger) {
	var err error
	for _, b := range []*uringio.Buffer{s.up, s.down} {
		if b != nil {
			err = multierr.Append(err, b.Free())
		}
	}
	if err != nil {
		logger.Warnf("release session buffers: %v", err)
	}
}

func main() {
	var (
		addr string
		port int
		p    proxy
	)
	flag.StringVar(&addr, "addr", "127.0.0.1", "listen address")
	flag.IntVar(&port, "port", 8000, "listen port")
	flag.StringVar(&p.target, "target", "127.0.0.1", "upstream address")
	flag.IntVar(&p.targetPort, "target-port", 8080, "upstream port")
	flag.IntVar(&p.bufSize, "buffer", 16*1024, "buffer size per direction")
	flag.Parse()
	p.logger = logging.GetDefaultLogger()

	r, err := uringio.NewRing(uringio.WithLogger(p.logger))
	if err != nil {
		p.logger.Fatalf("create ring: %v", err)
	}
	l, err := uringio.Listen(addr, port)
	if err != nil {
		p.logger.Fatalf("listen on %s:%d: %v", addr, port, err)
	}
	_ = l.OnAccept(p.accept)
	if err := r.EnqueueAccept(l); err != nil {
		p.logger.Fatalf("accept: %v", err)
	}
	p.logger.Infof("proxying %s:%d to %s:%d", addr, l.Port(), p.target, p.targetPort)

	// a signal only stops the loop once the blocked wait returns, so wake it
	stopped := false
	w, err := uringio.NewWaker(r, func() { stopped = true })
	if err != nil {
		p.logger.Fatalf("waker: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := w.Wake(); err != nil {
			p.logger.Errorf("wake: %v", err)
		}
	}()

	for !stopped {
		if _, err := r.SubmitAndWait(true); err != nil {
			p.logger.Errorf("reactor stopped: %v", err)
			break
		}
	}
	if err := multierr.Combine(r.Close(), l.Close(), w.Close()); err != nil {
		p.logger.Errorf("close: %v", err)
	}
}
