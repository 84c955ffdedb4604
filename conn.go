// Package msgnet provides point-to-point messaging over TCP.
// A process acts as a Server accepting many peers or as a Client connected
// to one server. Peers exchange length-prefixed, typed binary messages after
// a challenge-response handshake, and received messages are handed to the
// application through a shared inbound Queue.
package msgnet

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
)

// Errors returned or reported by connections.
var (
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrHandshakeMismatch is reported when a client answers the challenge incorrectly.
	ErrHandshakeMismatch = errors.New("handshake response mismatch")
	// ErrMessageTooLarge is reported when a peer announces a body above MessageMaxSize.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrHookPanic is the close cause of a connection whose hook panicked.
	ErrHookPanic = errors.New("connection hook panicked")
)

// Role tells which side of the link a connection belongs to.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the lifecycle stage of a connection.
// Transitions only move forward and nothing leaves StateClosed.
type State int32

const (
	StateCreated State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection owns one socket. It performs the handshake and then runs a
// perpetual read chain plus a write chain draining its outbound queue.
//
// All socket continuations run on the owning coordinator's reactor; the
// exported methods are safe to call from any goroutine.
type Connection[T Kind] struct {
	role    Role
	rawConn net.Conn
	remote  string
	reactor *reactor
	opts    *options

	outbound Queue[Message[T]]
	inbound  *Queue[OwnedMessage[T]]

	id        atomic.Uint32
	state     atomic.Int32
	open      atomic.Bool
	closed    syncx.DoneChan
	closeOnce sync.Once

	// reactor-owned
	handshakeOut   uint64
	handshakeIn    uint64
	handshakeCheck uint64
	headerBuf      []byte
	incoming       Message[T]
	hasDeadline    bool
}

func newConnection[T Kind](role Role, rawConn net.Conn, r *reactor, inbound *Queue[OwnedMessage[T]], opts *options) *Connection[T] {
	c := &Connection[T]{
		role:      role,
		rawConn:   rawConn,
		remote:    rawConn.RemoteAddr().String(),
		reactor:   r,
		opts:      opts,
		inbound:   inbound,
		closed:    syncx.NewDoneChan(),
		headerBuf: make([]byte, HeaderSize[T]()),
	}
	c.open.Store(true)

	if role == RoleServer {
		// the challenge for the client and the answer it must return
		c.handshakeOut = newChallenge()
		c.handshakeCheck = Scramble(c.handshakeOut)
	}

	return c
}

// dialConnection connects to address and starts the client side of the handshake.
func dialConnection[T Kind](ctx context.Context, address string, r *reactor, inbound *Queue[OwnedMessage[T]], opts *options) (*Connection[T], error) {
	dialer := net.Dialer{Timeout: opts.dialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", address)
	}
	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	c := newConnection(RoleClient, rawConn, r, inbound, opts)
	if err = r.Post(c.connectToServer); err != nil {
		c.closeSocket(err)
		return nil, err
	}

	return c, nil
}

// ID returns the identifier the server assigned, or 0 on the client side.
func (c *Connection[T]) ID() uint32 {
	return c.id.Load()
}

// Role returns which side of the link this connection is.
func (c *Connection[T]) Role() Role {
	return c.role
}

// State returns the current lifecycle stage.
func (c *Connection[T]) State() State {
	return State(c.state.Load())
}

// RemoteAddr returns the peer address.
func (c *Connection[T]) RemoteAddr() string {
	return c.remote
}

// IsConnected reports whether the socket is still open.
func (c *Connection[T]) IsConnected() bool {
	return c.open.Load()
}

// Closed is signaled once the socket has been closed.
func (c *Connection[T]) Closed() syncx.DoneChanR {
	return c.closed.R()
}

// Send queues a copy of msg for transmission.
// Messages sent before the handshake completes are flushed once it does.
func (c *Connection[T]) Send(msg *Message[T]) error {
	if !c.IsConnected() {
		return ErrConnectionClosed
	}

	m, err := msg.clone()
	if err != nil {
		return err
	}
	return c.reactor.Post(func() {
		c.enqueue(m)
	})
}

// enqueue runs on the reactor. The emptiness check and the push happen as
// one step, so only the Send that finds the queue empty starts a write chain.
func (c *Connection[T]) enqueue(m Message[T]) {
	if !c.IsConnected() {
		return
	}

	// a non-empty queue means a write chain is already running
	wasEmpty := c.outbound.pushBackIfEmpty(m)
	if wasEmpty && c.State() == StateReady {
		c.writeHeader()
	}
}

// Disconnect closes the socket on the reactor goroutine.
func (c *Connection[T]) Disconnect() {
	if !c.IsConnected() {
		return
	}

	if err := c.reactor.Post(func() { c.closeSocket(nil) }); err != nil {
		// reactor is gone, nothing else can touch the socket
		c.closeSocket(err)
	}
}

// connectToClient sends the challenge and waits for the answer.
// onValidated runs on the reactor once the answer checks out.
func (c *Connection[T]) connectToClient(id uint32, onValidated func(*Connection[T])) {
	if c.role != RoleServer || !c.IsConnected() {
		return
	}

	c.id.Store(id)
	c.state.Store(int32(StateHandshaking))

	c.writeValidation()
	c.readValidation(onValidated)
}

func (c *Connection[T]) connectToServer() {
	if c.role != RoleClient || !c.IsConnected() {
		return
	}

	c.state.Store(int32(StateHandshaking))
	c.readValidation(nil)
}

func (c *Connection[T]) writeValidation() {
	c.asyncWrite(encodeHandshake(c.handshakeOut), func(err error) {
		if err != nil {
			c.ioFailure("write validation", err)
			return
		}

		// the server keeps waiting in readValidation
		if c.role == RoleClient {
			c.emit(Event{Kind: EventConnected})
			c.becomeReady()
		}
	})
}

func (c *Connection[T]) readValidation(onValidated func(*Connection[T])) {
	buf := make([]byte, handshakeSize)
	c.asyncRead(buf, c.opts.handshakeTimeout, func(err error) {
		if err != nil {
			c.ioFailure("read validation", err)
			return
		}
		c.handshakeIn = decodeHandshake(buf)

		if c.role == RoleClient {
			c.handshakeOut = Scramble(c.handshakeIn)
			c.writeValidation()
			return
		}

		if c.handshakeIn != c.handshakeCheck {
			c.emit(Event{Kind: EventHandshakeFailed, Err: ErrHandshakeMismatch.Error()})
			c.closeSocket(ErrHandshakeMismatch)
			return
		}

		c.emit(Event{Kind: EventValidated})
		c.state.Store(int32(StateReady))
		if onValidated != nil {
			c.callHook(func() { onValidated(c) })
		}
		c.becomeReady()
	})
}

// becomeReady enters the steady state: flush anything queued during the
// handshake and arm the read chain.
func (c *Connection[T]) becomeReady() {
	if !c.IsConnected() {
		return
	}

	c.state.Store(int32(StateReady))
	if !c.outbound.Empty() {
		c.writeHeader()
	}
	c.readHeader()
}

func (c *Connection[T]) readHeader() {
	c.asyncRead(c.headerBuf, c.opts.idleTimeout, func(err error) {
		if err != nil {
			c.ioFailure("read header", err)
			return
		}

		c.incoming = Message[T]{Header: decodeHeader[T](c.headerBuf)}
		size := c.incoming.Header.Size

		if c.opts.maxMessageSize > 0 && size > c.opts.maxMessageSize {
			err = errors.Wrapf(ErrMessageTooLarge, "size %d exceeds %d", size, c.opts.maxMessageSize)
			c.emit(Event{Kind: EventIOError, MsgID: uint64(c.incoming.Header.ID), Size: size, Err: err.Error()})
			c.closeSocket(err)
			return
		}

		if size > 0 {
			c.incoming.Body = make([]byte, size)
			c.readBody()
			return
		}
		c.addToIncomingMessageQueue()
	})
}

func (c *Connection[T]) readBody() {
	c.asyncRead(c.incoming.Body, c.opts.idleTimeout, func(err error) {
		if err != nil {
			c.ioFailure("read body", err)
			return
		}
		c.addToIncomingMessageQueue()
	})
}

func (c *Connection[T]) addToIncomingMessageQueue() {
	msg := c.incoming
	c.incoming = Message[T]{}

	// only the server needs to know who sent it
	var origin *Connection[T]
	if c.role == RoleServer {
		origin = c
	}
	c.inbound.PushBack(newOwnedMessage(origin, msg))
	c.emit(Event{Kind: EventMessageRead, MsgID: uint64(msg.Header.ID), Size: msg.Header.Size})

	c.readHeader()
}

func (c *Connection[T]) writeHeader() {
	front, ok := c.outbound.Front()
	if !ok {
		return
	}

	c.asyncWrite(encodeHeader(front.Header), func(err error) {
		if err != nil {
			c.ioFailure("write header", err)
			return
		}

		if len(front.Body) > 0 {
			c.writeBody(front)
			return
		}
		c.finishWrite(front)
	})
}

func (c *Connection[T]) writeBody(front Message[T]) {
	c.asyncWrite(front.Body, func(err error) {
		if err != nil {
			c.ioFailure("write body", err)
			return
		}
		c.finishWrite(front)
	})
}

func (c *Connection[T]) finishWrite(done Message[T]) {
	c.outbound.PopFront()
	c.emit(Event{Kind: EventMessageWritten, MsgID: uint64(done.Header.ID), Size: done.Header.Size})

	if !c.outbound.Empty() {
		c.writeHeader()
	}
}

// asyncRead fills buf on a helper goroutine and runs then on the reactor.
func (c *Connection[T]) asyncRead(buf []byte, timeout time.Duration, then func(error)) {
	if !c.IsConnected() {
		return
	}
	c.setReadDeadline(timeout)

	go func() {
		_, err := io.ReadFull(c.rawConn, buf)
		c.complete(err, then)
	}()
}

// asyncWrite writes buf on a helper goroutine and runs then on the reactor.
// Callers keep at most one write in flight.
func (c *Connection[T]) asyncWrite(buf []byte, then func(error)) {
	if !c.IsConnected() {
		return
	}

	go func() {
		_, err := c.rawConn.Write(buf)
		c.complete(err, then)
	}()
}

func (c *Connection[T]) complete(err error, then func(error)) {
	perr := c.reactor.Post(func() {
		if !c.IsConnected() {
			return
		}
		then(err)
	})
	if perr != nil {
		c.closeSocket(perr)
	}
}

func (c *Connection[T]) setReadDeadline(timeout time.Duration) {
	if timeout > 0 {
		_ = c.rawConn.SetReadDeadline(time.Now().Add(timeout))
		c.hasDeadline = true
	} else if c.hasDeadline {
		_ = c.rawConn.SetReadDeadline(time.Time{})
		c.hasDeadline = false
	}
}

// ioFailure closes the connection after a failed socket operation.
// A peer hanging up is a normal close, not an I/O error.
func (c *Connection[T]) ioFailure(stage string, err error) {
	if !c.IsConnected() {
		return
	}

	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.emit(Event{Kind: EventIOError, Err: stage + ": " + err.Error()})
	}
	c.closeSocket(errors.Wrap(err, stage))
}

// callHook runs an application hook for c. A panicking hook closes c before
// the panic continues to the reactor, which reports it.
func (c *Connection[T]) callHook(hook func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.closeSocket(errors.Wrapf(ErrHookPanic, "%v", rec))
			panic(rec)
		}
	}()
	hook()
}

// closeSocket is idempotent.
func (c *Connection[T]) closeSocket(cause error) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.state.Store(int32(StateClosed))
		_ = c.rawConn.Close()
		c.outbound.Clear()

		c.emit(Event{Kind: EventClosed, Err: errString(cause)})
		c.closed.SetDone()
	})
}

func (c *Connection[T]) emit(e Event) {
	e.ConnID = c.ID()
	e.Remote = c.remote
	c.opts.emitter.emit(e)
}
