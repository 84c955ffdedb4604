package msgnet

import (
	"context"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by Server operations.
var (
	// ErrServerStarted is returned when Start is called twice.
	ErrServerStarted = errors.New("server already started")
	// ErrServerNotStarted is returned when an operation needs a running server.
	ErrServerNotStarted = errors.New("server not started")
	// ErrServerStopped is the close cause of connections still registered at Stop.
	ErrServerStopped = errors.New("server stopped")
)

// firstClientID keeps assigned ids visually apart from small sentinel values.
const firstClientID uint32 = 10000

// Accept retry backoff after a failed Accept.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ServerHandler is the set of hooks a Server calls.
//
// OnConnectionRequested, OnClientValidated and OnClientDisconnected run on the
// reactor goroutine and must not block. OnMessage runs on the goroutine that
// calls Update.
type ServerHandler[T Kind] interface {
	// OnConnectionRequested decides whether an accepted socket is kept.
	OnConnectionRequested(c *Connection[T]) bool
	// OnClientDisconnected is called once when a dead connection is pruned.
	OnClientDisconnected(c *Connection[T])
	// OnMessage is called for each message drained by Update.
	OnMessage(c *Connection[T], msg *Message[T])
	// OnClientValidated is called once a client has answered the handshake correctly.
	OnClientValidated(c *Connection[T])
}

// BaseServerHandler denies every connection and ignores everything else.
// Embed it to override only the hooks you need.
type BaseServerHandler[T Kind] struct{}

func (BaseServerHandler[T]) OnConnectionRequested(*Connection[T]) bool { return false }
func (BaseServerHandler[T]) OnClientDisconnected(*Connection[T])       {}
func (BaseServerHandler[T]) OnMessage(*Connection[T], *Message[T])     {}
func (BaseServerHandler[T]) OnClientValidated(*Connection[T])          {}

// Server accepts peers, tracks them and funnels their messages into one
// inbound queue drained by Update.
type Server[T Kind] struct {
	address string
	handler ServerHandler[T]
	opts    options
	reactor *reactor
	inbound Queue[OwnedMessage[T]]

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
	started  bool
	stopped  bool

	// accepted sockets whose handleAccept has not run yet
	handoffMu sync.Mutex
	handoff   map[net.Conn]struct{}

	// reactor-owned
	conns  []*Connection[T]
	nextID uint32

	count atomic.Int32
}

// NewServer creates a server that will listen on address once started.
// A nil handler behaves like BaseServerHandler.
func NewServer[T Kind](address string, handler ServerHandler[T], opt ...Option) *Server[T] {
	if handler == nil {
		handler = BaseServerHandler[T]{}
	}

	s := &Server[T]{
		address: address,
		handler: handler,
		opts:    newOptions(opt...),
		handoff: make(map[net.Conn]struct{}),
		nextID:  firstClientID,
	}
	s.reactor = newReactor(&s.opts)

	return s
}

// Start binds the listener and launches the reactor and accept loop.
// A bind failure is returned to the caller.
func (s *Server[T]) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerStarted
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.reactor.Run(child)
	})

	group.Go(func() error {
		return s.acceptLoop(child, listener)
	})

	s.listener = listener
	s.cancel = cancel
	s.group = group
	s.started = true

	s.opts.emitter.emit(Event{Kind: EventServerStarted, Remote: listener.Addr().String()})
	return nil
}

// Stop halts the reactor, closes the listener and every registered socket,
// and waits for the server goroutines to exit. Safe to call multiple times.
func (s *Server[T]) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	_ = s.listener.Close()
	_ = s.group.Wait()

	// the reactor has exited, the registry is ours now
	for _, c := range s.conns {
		c.closeSocket(ErrServerStopped)
	}
	// accepts dropped with the reactor's pending work never reached the registry
	s.handoffMu.Lock()
	for rawConn := range s.handoff {
		_ = rawConn.Close()
	}
	clear(s.handoff)
	s.handoffMu.Unlock()
	s.conns = nil
	s.count.Store(0)

	s.opts.emitter.emit(Event{Kind: EventServerStopped, Remote: s.listener.Addr().String()})
}

// Addr returns the listening address, or nil before Start.
func (s *Server[T]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of registered connections,
// including dead ones not yet pruned.
func (s *Server[T]) ConnectionCount() int {
	return int(s.count.Load())
}

// acceptLoop re-arms after every accept, failed or not, until the listener closes.
func (s *Server[T]) acceptLoop(ctx context.Context, listener net.Listener) error {
	retry := newAcceptBackoff()

	for {
		rawConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			s.opts.emitter.emit(Event{Kind: EventAcceptError, Err: err.Error()})

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}
		retry.Reset()

		if tcpConn, ok := rawConn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		s.trackHandoff(rawConn, true)
		if err = s.reactor.Post(func() { s.handleAccept(rawConn) }); err != nil {
			s.trackHandoff(rawConn, false)
			_ = rawConn.Close()
			return nil
		}
	}
}

// newAcceptBackoff doubles from minAcceptBackoff up to maxAcceptBackoff and never gives up.
func newAcceptBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minAcceptBackoff
	b.MaxInterval = maxAcceptBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Server[T]) trackHandoff(rawConn net.Conn, pending bool) {
	s.handoffMu.Lock()
	defer s.handoffMu.Unlock()

	if pending {
		s.handoff[rawConn] = struct{}{}
	} else {
		delete(s.handoff, rawConn)
	}
}

// handleAccept runs on the reactor.
func (s *Server[T]) handleAccept(rawConn net.Conn) {
	s.trackHandoff(rawConn, false)
	c := newConnection(RoleServer, rawConn, s.reactor, &s.inbound, &s.opts)

	var accepted bool
	c.callHook(func() { accepted = s.handler.OnConnectionRequested(c) })
	if !accepted {
		c.emit(Event{Kind: EventDenied})
		c.closeSocket(nil)
		return
	}

	s.conns = append(s.conns, c)
	s.count.Add(1)

	id := s.nextID
	s.nextID++

	c.connectToClient(id, s.handler.OnClientValidated)
	c.emit(Event{Kind: EventAccepted})
}

// MessageClient sends msg to target. A target that is no longer connected is
// reported through OnClientDisconnected and pruned instead.
func (s *Server[T]) MessageClient(target *Connection[T], msg *Message[T]) error {
	if target == nil {
		return nil
	}

	if target.IsConnected() {
		return target.Send(msg)
	}

	return s.reactor.Post(func() {
		s.removeConnection(target)
	})
}

// MessageAllClients sends msg to every registered connection except except.
// Dead connections found on the way are reported and pruned after the pass.
func (s *Server[T]) MessageAllClients(msg *Message[T], except *Connection[T]) error {
	m, err := msg.clone()
	if err != nil {
		return err
	}

	return s.reactor.Post(func() {
		invalid := false
		// prune after the pass, even if a hook panics midway
		defer func() {
			if invalid {
				s.conns = slices.DeleteFunc(s.conns, func(c *Connection[T]) bool {
					return c == nil
				})
				s.count.Store(int32(len(s.conns)))
			}
		}()

		for i, c := range s.conns {
			if c.IsConnected() {
				if c != except {
					c.enqueue(m)
				}
				continue
			}

			s.conns[i] = nil
			invalid = true
			s.handler.OnClientDisconnected(c)
		}
	})
}

// removeConnection runs on the reactor.
func (s *Server[T]) removeConnection(target *Connection[T]) {
	i := slices.Index(s.conns, target)
	if i < 0 {
		return
	}

	s.conns = slices.Delete(s.conns, i, i+1)
	s.count.Store(int32(len(s.conns)))
	s.handler.OnClientDisconnected(target)
}

// Update dispatches up to maxMessages inbound messages to OnMessage on the
// calling goroutine; maxMessages <= 0 means no limit. With wait set it first
// blocks until at least one message is queued. It returns the number handled.
func (s *Server[T]) Update(maxMessages int, wait bool) int {
	if wait {
		s.inbound.Wait()
	}

	n := 0
	for maxMessages <= 0 || n < maxMessages {
		owned, ok := s.inbound.PopFront()
		if !ok {
			break
		}

		s.handler.OnMessage(owned.Remote(), &owned.Msg)
		n++
	}

	return n
}
