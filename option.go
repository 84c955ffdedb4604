package msgnet

import (
	"time"
)

// options holds the configuration shared by servers, clients and their connections.
type options struct {
	logger    Logger
	observers []Observer

	handshakeTimeout time.Duration // read deadline for the handshake exchange, 0 = none
	idleTimeout      time.Duration // read deadline per steady-state header, 0 = none
	dialTimeout      time.Duration // client connect timeout, 0 = OS default
	maxMessageSize   uint32        // largest accepted body, 0 = unlimited
	reactorQueueHint int           // initial capacity of the reactor's pending list

	emitter emitter // logger observer followed by observers, built by checkOptions
}

// Option is a function that configures a Server or Client.
type Option func(*options)

// Default configuration values.
const (
	defaultReactorQueueHint = 64
)

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ObserverOption returns an Option that adds observers.
// They receive every event after the logger has rendered it.
func ObserverOption(observers ...Observer) Option {
	return func(o *options) {
		o.observers = append(o.observers, observers...)
	}
}

// HandshakeTimeoutOption returns an Option that bounds how long a peer may take
// to complete the handshake. Zero keeps the default of waiting forever.
func HandshakeTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = timeout
	}
}

// IdleTimeoutOption returns an Option that closes a ready connection when no
// header arrives within timeout. Zero keeps the default of waiting forever.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// DialTimeoutOption returns an Option that sets the client connect timeout.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// MessageMaxSize returns an Option that sets the largest body a peer may announce.
// A header above the limit closes the connection before the body is allocated.
// Zero means unlimited: the body buffer is sized from the peer's header, so a
// peer announcing 0xFFFFFFFF bytes forces a 4 GiB allocation. Set a limit when
// peers are not trusted.
func MessageMaxSize(size uint32) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// ReactorQueueHint returns an Option that presizes the reactor's pending list.
func ReactorQueueHint(size int) Option {
	return func(o *options) {
		o.reactorQueueHint = size
	}
}

func newOptions(opt ...Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// checkOptions sets default values and builds the event fan-out.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.reactorQueueHint <= 0 {
		opts.reactorQueueHint = defaultReactorQueueHint
	}

	if opts.handshakeTimeout < 0 {
		opts.handshakeTimeout = 0
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	opts.emitter = make(emitter, 0, len(opts.observers)+1)
	opts.emitter = append(opts.emitter, LogObserver(opts.logger))
	for _, o := range opts.observers {
		if o != nil {
			opts.emitter = append(opts.emitter, o)
		}
	}
}
