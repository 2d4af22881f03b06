package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/panjf2000/gnet/v2/pkg/logging"

	"github.com/y001j/uringio"
)

type echoServer struct {
	uringio.BuiltinEventEngine

	logger logging.Logger
}

func (es *echoServer) OnBoot(s *uringio.Server) uringio.Action {
	es.logger.Infof("echo server with %d event loops is listening on %s:%d", s.NumEventLoop(), s.Address(), s.Port())
	return uringio.None
}

func (es *echoServer) OnTraffic(c *uringio.Conn, packet []byte) uringio.Action {
	if _, err := c.Write(packet); err != nil {
		return uringio.Close
	}
	return uringio.None
}

func main() {
	var (
		addr    string
		port    int
		loops   int
		ring    int
		sqpoll  bool
		logPath string
	)
	flag.StringVar(&addr, "addr", "127.0.0.1", "listen address")
	flag.IntVar(&port, "port", 9000, "listen port")
	flag.IntVar(&loops, "loops", runtime.NumCPU(), "number of event loops")
	flag.IntVar(&ring, "ring", 3200, "entries of each ring")
	flag.BoolVar(&sqpoll, "sqpoll", false, "let the kernel poll the submission queues")
	flag.StringVar(&logPath, "log", "", "log to this file instead of stderr")
	flag.Parse()

	logger := logging.GetDefaultLogger()
	if logPath != "" {
		fileLogger, flush, err := logging.CreateLoggerAsLocalFile(logPath, logging.InfoLevel)
		if err != nil {
			logger.Fatalf("create log file %s: %v", logPath, err)
		}
		defer flush()
		logger = fileLogger
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := uringio.Serve(ctx, &echoServer{logger: logger}, addr, port,
		uringio.WithNumEventLoop(loops),
		uringio.WithRingCapacity(ring),
		uringio.WithSQPoll(sqpoll),
		uringio.WithLogger(logger),
	)
	if err != nil {
		logger.Errorf("echo server stopped: %v", err)
	}
}
