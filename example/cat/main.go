// Command cat copies files to standard output through a ring: every chunk is
// read at an explicit file offset and written to stdout before the next read
// is queued.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"go.uber.org/multierr"

	"github.com/y001j/uringio"
)

func cat(r *uringio.Reactor, stdout *uringio.Channel, path string, chunk int) (err error) {
	if _, err = os.Stat(path); err != nil {
		return err
	}
	f, err := uringio.OpenFile(path)
	if err != nil {
		return err
	}
	buf, err := uringio.NewBuffer(chunk)
	if err != nil {
		return multierr.Append(err, f.Close())
	}
	defer func() { err = multierr.Append(err, buf.Free()) }()

	var (
		offset int64
		done   bool
	)
	fail := func(e error) {
		err = multierr.Append(err, e)
		_ = f.Close()
	}
	f.OnException(fail)
	stdout.OnException(fail)
	f.OnClose(func() { done = true })

	_ = f.OnRead(func(b *uringio.Buffer) {
		offset += int64(b.Position())
		b.Flip()
		if e := r.EnqueueWrite(stdout, b); e != nil {
			fail(e)
		}
	})
	_ = stdout.OnWrite(func(b *uringio.Buffer) {
		b.Clear()
		if e := r.EnqueueReadAt(f, b, offset); e != nil {
			fail(e)
		}
	})

	// a read of zero bytes at the end of the file closes it
	if err = r.EnqueueReadAt(f, buf, 0); err != nil {
		return multierr.Append(err, f.Close())
	}
	for !done {
		if _, e := r.SubmitAndWait(true); e != nil {
			return multierr.Append(err, e)
		}
	}
	return err
}

func main() {
	chunk := flag.Int("chunk", 4096, "bytes per read")
	flag.Parse()

	r, err := uringio.NewRing(uringio.WithRingCapacity(8))
	if err != nil {
		logging.Fatalf("create ring: %v", err)
	}
	stdout := uringio.WrapFd(uringio.KindFile, int(os.Stdout.Fd()))

	status := 0
	for _, path := range flag.Args() {
		if err := cat(r, stdout, path, *chunk); err != nil {
			fmt.Fprintf(os.Stderr, "cat: %s: %v\n", path, err)
			status = 1
		}
	}
	_ = r.Close()
	os.Exit(status)
}
