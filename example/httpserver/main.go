package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/panjf2000/gnet/v2/pkg/pool/bytebuffer"

	"github.com/y001j/uringio"
)

// httpServer answers every pipelined GET with a fixed response. It does not
// parse requests.
type httpServer struct {
	uringio.BuiltinEventEngine
}

var request = []byte("GET")

func appendResponse(b []byte) []byte {
	b = append(b, "HTTP/1.1 200 OK\r\nServer: uringio\r\nContent-Type: text/plain\r\nDate: "...)
	b = time.Now().UTC().AppendFormat(b, "Mon, 02 Jan 2006 15:04:05 GMT")
	return append(b, "\r\nContent-Length: 12\r\n\r\nHello World!"...)
}

func (hs *httpServer) OnTraffic(c *uringio.Conn, packet []byte) uringio.Action {
	count := bytes.Count(packet, request)
	if count == 0 {
		return uringio.None
	}
	buf := bytebuffer.Get()
	defer bytebuffer.Put(buf)
	for i := 0; i < count; i++ {
		buf.B = appendResponse(buf.B)
	}
	if _, err := c.Write(buf.B); err != nil {
		return uringio.Close
	}
	return uringio.None
}

func main() {
	var (
		addr  string
		port  int
		loops int
	)
	flag.StringVar(&addr, "addr", "127.0.0.1", "listen address")
	flag.IntVar(&port, "port", 8080, "listen port")
	flag.IntVar(&loops, "loops", runtime.NumCPU(), "number of event loops")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := uringio.Serve(ctx, &httpServer{}, addr, port,
		uringio.WithNumEventLoop(loops),
		uringio.WithRingCapacity(4096),
		uringio.WithBufferSize(4096),
	); err != nil {
		logging.Errorf("http server stopped: %v", err)
	}
}
