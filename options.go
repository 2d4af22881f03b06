package uringio

import (
	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/pkg/errors"
)

// DefaultRingCapacity is the number of submission entries of a ring created by NewRing,
// and the maximum number of completions processed per SubmitAndWait.
const DefaultRingCapacity = 256

// DefaultBufferSize is the size of the per-connection buffers of a Server.
const DefaultBufferSize = 2048

// Option is a function that will set up option.
type Option func(opts *Options)

// Options are configurations for a reactor.
type Options struct {
	// RingCapacity is the ring size and the per-call completion batch.
	RingCapacity int

	// SQPoll lets a kernel thread poll the submission queue, so submitting
	// does not need a syscall. Only meaningful for NewRing.
	SQPoll bool

	// LockOSThread pins the goroutine running Run to its OS thread.
	LockOSThread bool

	// Logger is the customized logger for logging info, if it is not set,
	// then the default logger of gnet is used.
	Logger logging.Logger

	// ExceptionHandler is the reactor-wide failure sink.
	ExceptionHandler func(error)

	// NumEventLoop is the number of reactors a Server runs, each on its own
	// goroutine and its own SO_REUSEPORT listener.
	NumEventLoop int

	// BufferSize is the size of the read and write buffer of every Server connection.
	BufferSize int
}

func loadOptions(options ...Option) *Options {
	opts := &Options{
		RingCapacity: DefaultRingCapacity,
		LockOSThread: true,
		NumEventLoop: 1,
		BufferSize:   DefaultBufferSize,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	return opts
}

func (opts *Options) validate() error {
	if opts.RingCapacity <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "ring capacity %d", opts.RingCapacity)
	}
	if opts.NumEventLoop <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%d event loops", opts.NumEventLoop)
	}
	if opts.BufferSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "buffer size %d", opts.BufferSize)
	}
	return nil
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithRingCapacity sets up the ring capacity.
func WithRingCapacity(capacity int) Option {
	return func(opts *Options) {
		opts.RingCapacity = capacity
	}
}

// WithSQPoll enables kernel side submission queue polling.
func WithSQPoll(sqpoll bool) Option {
	return func(opts *Options) {
		opts.SQPoll = sqpoll
	}
}

// WithLockOSThread sets up LockOSThread mode for Run.
func WithLockOSThread(lockOSThread bool) Option {
	return func(opts *Options) {
		opts.LockOSThread = lockOSThread
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithExceptionHandler installs the reactor-wide exception handler.
func WithExceptionHandler(fn func(error)) Option {
	return func(opts *Options) {
		opts.ExceptionHandler = fn
	}
}

// WithNumEventLoop sets up the number of event loops of a Server.
func WithNumEventLoop(n int) Option {
	return func(opts *Options) {
		opts.NumEventLoop = n
	}
}

// WithBufferSize sets up the connection buffer size of a Server.
func WithBufferSize(size int) Option {
	return func(opts *Options) {
		opts.BufferSize = size
	}
}
