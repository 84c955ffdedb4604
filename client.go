package msgnet

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyConnected is returned by Connect while a connection is live.
var ErrAlreadyConnected = errors.New("client already connected")

// Client owns a single connection to a server and the reactor driving it.
// Messages from the server accumulate in Incoming.
type Client[T Kind] struct {
	opts    options
	inbound Queue[OwnedMessage[T]]

	mu     sync.Mutex
	conn   *Connection[T]
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewClient creates a disconnected client.
func NewClient[T Kind](opt ...Option) *Client[T] {
	return &Client[T]{
		opts: newOptions(opt...),
	}
}

// Connect dials host:port and starts the handshake. A resolution or connect
// failure is returned; there is no retry. The handshake itself completes
// asynchronously.
func (c *Client[T]) Connect(ctx context.Context, host string, port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return ErrAlreadyConnected
	}
	c.teardown()

	r := newReactor(&c.opts)
	runCtx, cancel := context.WithCancel(context.Background())
	group, child := errgroup.WithContext(runCtx)

	group.Go(func() error {
		return r.Run(child)
	})

	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := dialConnection[T](ctx, address, r, &c.inbound, &c.opts)
	if err != nil {
		cancel()
		_ = group.Wait()
		return err
	}

	c.conn = conn
	c.cancel = cancel
	c.group = group
	return nil
}

// Disconnect closes the connection and stops the reactor.
func (c *Client[T]) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardown()
}

// teardown is called with c.mu held.
func (c *Client[T]) teardown() {
	if c.cancel == nil {
		return
	}

	c.cancel()
	_ = c.group.Wait()

	// the reactor has exited, close from here
	c.conn.closeSocket(nil)

	c.conn = nil
	c.cancel = nil
	c.group = nil
}

// IsConnected reports whether the connection to the server is open.
func (c *Client[T]) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil && c.conn.IsConnected()
}

// Send queues msg for the server.
func (c *Client[T]) Send(msg *Message[T]) error {
	conn := c.Connection()
	if conn == nil {
		return ErrConnectionClosed
	}
	return conn.Send(msg)
}

// Incoming returns the queue of messages received from the server.
// Their Remote is always nil.
func (c *Client[T]) Incoming() *Queue[OwnedMessage[T]] {
	return &c.inbound
}

// Connection returns the current connection, or nil when disconnected.
func (c *Client[T]) Connection() *Connection[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}
