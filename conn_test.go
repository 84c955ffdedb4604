package msgnet

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKind uint32

const (
	kindAccept testKind = iota
	kindDeny
	kindPing
	kindMessageAll
	kindServerMessage
)

// eventRecorder is an Observer that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func discardLogger() Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestOptions(rec *eventRecorder, opt ...Option) *options {
	opt = append([]Option{LoggerOption(discardLogger())}, opt...)
	if rec != nil {
		opt = append(opt, ObserverOption(rec))
	}
	opts := newOptions(opt...)
	return &opts
}

// startTestReactor runs a reactor until the test ends.
func startTestReactor(t *testing.T, opts *options) *reactor {
	t.Helper()

	r := newReactor(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})

	return r
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err, "failed to create listener")
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	require.NoError(t, err, "failed to accept")

	select {
	case clientConn := <-clientChan:
		t.Cleanup(func() {
			serverConn.Close()
			clientConn.Close()
		})
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		require.NoError(t, err, "client dial failed")
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		require.FailNow(t, "timeout waiting for client connection")
		return nil, nil
	}
}

func waitClosed(t *testing.T, c *Connection[testKind]) {
	t.Helper()

	select {
	case <-c.Closed():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout waiting for connection to close")
	}
}

func waitState(t *testing.T, c *Connection[testKind], want State) {
	t.Helper()

	require.Eventually(t, func() bool { return c.State() == want }, 5*time.Second, time.Millisecond*5,
		"state never reached %v", want)
}

func waitInbound(t *testing.T, q *Queue[OwnedMessage[testKind]]) OwnedMessage[testKind] {
	t.Helper()

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout waiting for inbound message")
	}

	owned, ok := q.PopFront()
	require.True(t, ok, "inbound queue empty after Wait")
	return owned
}

// writeRawMessage writes a framed message the way a peer would.
func writeRawMessage(t *testing.T, w io.Writer, id testKind, body []byte) {
	t.Helper()

	_, err := w.Write(encodeHeader(Header[testKind]{ID: id, Size: uint32(len(body))}))
	require.NoError(t, err, "write header")
	if len(body) == 0 {
		return
	}
	_, err = w.Write(body)
	require.NoError(t, err, "write body")
}

// readRawMessage reads one framed message the way a peer would.
func readRawMessage(r io.Reader) (Message[testKind], error) {
	buf := make([]byte, HeaderSize[testKind]())
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message[testKind]{}, err
	}

	msg := Message[testKind]{Header: decodeHeader[testKind](buf)}
	if msg.Header.Size > 0 {
		msg.Body = make([]byte, msg.Header.Size)
		if _, err := io.ReadFull(r, msg.Body); err != nil {
			return Message[testKind]{}, err
		}
	}
	return msg, nil
}

// answerChallenge plays the client side of the handshake on a raw socket.
func answerChallenge(t *testing.T, raw net.Conn, scramble func(uint64) uint64) {
	t.Helper()

	buf := make([]byte, handshakeSize)
	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadFull(raw, buf)
	require.NoError(t, err, "read challenge")
	_ = raw.SetReadDeadline(time.Time{})

	_, err = raw.Write(encodeHandshake(scramble(decodeHandshake(buf))))
	require.NoError(t, err, "write response")
}

// issueChallenge plays the server side of the handshake on a raw socket and
// returns the client's response.
func issueChallenge(t *testing.T, raw net.Conn, challenge uint64) uint64 {
	t.Helper()

	_, err := raw.Write(encodeHandshake(challenge))
	require.NoError(t, err, "write challenge")

	buf := make([]byte, handshakeSize)
	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(raw, buf)
	require.NoError(t, err, "read response")
	_ = raw.SetReadDeadline(time.Time{})

	return decodeHandshake(buf)
}

// newReadyClientConn returns a client-role connection that completed the
// handshake against a raw server socket.
func newReadyClientConn(t *testing.T, opts *options) (*Connection[testKind], *Queue[OwnedMessage[testKind]], net.Conn) {
	t.Helper()

	serverSide, clientSide := createTestTCPPair(t)
	r := startTestReactor(t, opts)
	inbound := new(Queue[OwnedMessage[testKind]])

	c := newConnection(RoleClient, clientSide, r, inbound, opts)
	require.NoError(t, r.Post(c.connectToServer))

	const challenge = 0x0123456789ABCDEF
	require.Equal(t, Scramble(challenge), issueChallenge(t, serverSide, challenge))
	waitState(t, c, StateReady)

	return c, inbound, serverSide
}

func TestNewConnection(t *testing.T) {
	serverSide, _ := createTestTCPPair(t)
	opts := newTestOptions(nil)
	r := newReactor(opts)

	c := newConnection(RoleServer, serverSide, r, new(Queue[OwnedMessage[testKind]]), opts)

	assert.Equal(t, net.Conn(serverSide), c.rawConn)
	assert.Equal(t, StateCreated, c.State())
	assert.True(t, c.IsConnected())
	assert.Equal(t, Scramble(c.handshakeOut), c.handshakeCheck, "expected response is not the scrambled challenge")
	assert.Equal(t, serverSide.RemoteAddr().String(), c.RemoteAddr())
}

func TestNewConnection_ClientHasNoChallenge(t *testing.T) {
	_, clientSide := createTestTCPPair(t)
	opts := newTestOptions(nil)

	c := newConnection(RoleClient, clientSide, newReactor(opts), new(Queue[OwnedMessage[testKind]]), opts)

	assert.Zero(t, c.handshakeOut)
	assert.Zero(t, c.handshakeCheck)
	assert.Equal(t, RoleClient, c.Role())
}

func TestConnection_ServerHandshake_Valid(t *testing.T) {
	serverSide, clientSide := createTestTCPPair(t)
	opts := newTestOptions(&eventRecorder{})
	r := startTestReactor(t, opts)
	inbound := new(Queue[OwnedMessage[testKind]])

	c := newConnection(RoleServer, serverSide, r, inbound, opts)

	validated := make(chan *Connection[testKind], 1)
	require.NoError(t, r.Post(func() {
		c.connectToClient(10000, func(v *Connection[testKind]) { validated <- v })
	}))

	answerChallenge(t, clientSide, Scramble)

	select {
	case v := <-validated:
		assert.Same(t, c, v)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout waiting for validation")
	}
	waitState(t, c, StateReady)
	assert.Equal(t, uint32(10000), c.ID())

	writeRawMessage(t, clientSide, kindPing, []byte("hello"))

	owned := waitInbound(t, inbound)
	assert.Same(t, c, owned.Remote(), "server-side message should be tagged with its connection")
	assert.Equal(t, kindPing, owned.Msg.Header.ID)
	assert.Equal(t, "hello", string(owned.Msg.Body))
	assert.Equal(t, uint32(5), owned.Msg.Header.Size)
}

func TestConnection_ServerHandshake_Mismatch(t *testing.T) {
	serverSide, clientSide := createTestTCPPair(t)
	rec := &eventRecorder{}
	opts := newTestOptions(rec)
	r := startTestReactor(t, opts)

	c := newConnection(RoleServer, serverSide, r, new(Queue[OwnedMessage[testKind]]), opts)

	validated := make(chan struct{}, 1)
	require.NoError(t, r.Post(func() {
		c.connectToClient(10000, func(*Connection[testKind]) { validated <- struct{}{} })
	}))

	// echo the challenge back instead of scrambling it
	answerChallenge(t, clientSide, func(x uint64) uint64 { return x })

	waitClosed(t, c)

	select {
	case <-validated:
		assert.Fail(t, "mismatched response must not validate")
	default:
	}

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, rec.count(EventHandshakeFailed))
	assert.Equal(t, 0, rec.count(EventValidated))
}

func TestConnection_ValidatedHookPanicClosesConnection(t *testing.T) {
	serverSide, clientSide := createTestTCPPair(t)
	rec := &eventRecorder{}
	opts := newTestOptions(rec)
	r := startTestReactor(t, opts)

	c := newConnection(RoleServer, serverSide, r, new(Queue[OwnedMessage[testKind]]), opts)
	require.NoError(t, r.Post(func() {
		c.connectToClient(10000, func(*Connection[testKind]) { panic("hook failed") })
	}))

	answerChallenge(t, clientSide, Scramble)

	waitClosed(t, c)
	assert.Equal(t, StateClosed, c.State())
	assert.Eventually(t, func() bool { return rec.count(EventPanic) == 1 }, 5*time.Second, time.Millisecond*5)

	_ = clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := clientSide.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnection_ClientHandshake(t *testing.T) {
	c, inbound, serverSide := newReadyClientConn(t, newTestOptions(nil))

	writeRawMessage(t, serverSide, kindServerMessage, []byte{1, 2, 3, 4})

	owned := waitInbound(t, inbound)
	assert.Nil(t, owned.Remote(), "client-side message should carry no origin")
	assert.Equal(t, kindServerMessage, owned.Msg.Header.ID)
	assert.Len(t, owned.Msg.Body, 4)
	assert.Equal(t, uint32(0), c.ID())
}

func TestConnection_HeaderOnlyMessage(t *testing.T) {
	_, inbound, serverSide := newReadyClientConn(t, newTestOptions(nil))

	writeRawMessage(t, serverSide, kindAccept, nil)
	writeRawMessage(t, serverSide, kindDeny, nil)

	first := waitInbound(t, inbound)
	second := waitInbound(t, inbound)

	assert.Equal(t, kindAccept, first.Msg.Header.ID)
	assert.Equal(t, 0, first.Msg.Len())
	assert.Equal(t, kindDeny, second.Msg.Header.ID)
	assert.Equal(t, 0, second.Msg.Len())
}

func TestConnection_Send(t *testing.T) {
	c, _, serverSide := newReadyClientConn(t, newTestOptions(nil))

	require.NoError(t, c.Send(NewMessage(kindPing).Append(int64(42))))
	require.NoError(t, c.Send(NewMessage(kindAccept)))

	_ = serverSide.SetReadDeadline(time.Now().Add(5 * time.Second))

	got, err := readRawMessage(serverSide)
	require.NoError(t, err)
	var v int64
	got.Extract(&v)
	assert.Equal(t, kindPing, got.Header.ID)
	assert.Equal(t, int64(42), v)

	got, err = readRawMessage(serverSide)
	require.NoError(t, err)
	assert.Equal(t, kindAccept, got.Header.ID)
	assert.Equal(t, 0, got.Len())
}

func TestConnection_SendCopiesMessage(t *testing.T) {
	c, _, serverSide := newReadyClientConn(t, newTestOptions(nil))

	msg := &Message[testKind]{Header: Header[testKind]{ID: kindPing}, Body: []byte("abc")}
	require.NoError(t, c.Send(msg))
	msg.Body[0] = 'x'

	_ = serverSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := readRawMessage(serverSide)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got.Body))
}

func TestConnection_SendBeforeHandshakeIsFlushedAfter(t *testing.T) {
	serverSide, clientSide := createTestTCPPair(t)
	opts := newTestOptions(nil)
	r := startTestReactor(t, opts)

	c := newConnection(RoleClient, clientSide, r, new(Queue[OwnedMessage[testKind]]), opts)
	require.NoError(t, c.Send(NewMessage(kindPing).Append(uint32(7))))
	require.NoError(t, r.Post(c.connectToServer))

	// the first bytes must be the handshake response, not the queued message
	require.Equal(t, Scramble(99), issueChallenge(t, serverSide, 99))

	_ = serverSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := readRawMessage(serverSide)
	require.NoError(t, err)

	var v uint32
	got.Extract(&v)
	assert.Equal(t, kindPing, got.Header.ID)
	assert.Equal(t, uint32(7), v)
}

func TestConnection_ConcurrentSendDoesNotInterleave(t *testing.T) {
	c, _, serverSide := newReadyClientConn(t, newTestOptions(nil))

	const (
		senders   = 8
		perSender = 50
	)

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(sender uint32) {
			defer wg.Done()
			for seq := uint32(0); seq < perSender; seq++ {
				// varying body sizes so a torn frame cannot decode cleanly
				body := make([]byte, 8+int(seq%7)*13)
				binary.NativeEndian.PutUint32(body[0:], sender)
				binary.NativeEndian.PutUint32(body[4:], seq)
				for i := 8; i < len(body); i++ {
					body[i] = byte(sender)
				}

				msg := &Message[testKind]{Header: Header[testKind]{ID: testKind(sender)}, Body: body}
				if !assert.NoError(t, c.Send(msg)) {
					return
				}
			}
		}(uint32(s))
	}

	next := make([]uint32, senders)
	_ = serverSide.SetReadDeadline(time.Now().Add(10 * time.Second))

	for i := 0; i < senders*perSender; i++ {
		msg, err := readRawMessage(serverSide)
		require.NoError(t, err, "read message %d", i)

		sender := binary.NativeEndian.Uint32(msg.Body[0:])
		seq := binary.NativeEndian.Uint32(msg.Body[4:])

		require.Less(t, sender, uint32(senders), "corrupted frame")
		require.Equal(t, testKind(sender), msg.Header.ID, "corrupted frame")
		require.Equal(t, next[sender], seq, "sender %d out of order", sender)
		require.Len(t, msg.Body, 8+int(seq%7)*13, "sender %d seq %d", sender, seq)
		for _, b := range msg.Body[8:] {
			require.Equal(t, byte(sender), b, "sender %d seq %d: foreign byte in body", sender, seq)
		}
		next[sender]++
	}

	wg.Wait()
}

func TestConnection_Disconnect(t *testing.T) {
	rec := &eventRecorder{}
	c, _, serverSide := newReadyClientConn(t, newTestOptions(rec))

	c.Disconnect()
	waitClosed(t, c)

	assert.False(t, c.IsConnected())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Send(NewMessage(kindPing)), ErrConnectionClosed)

	// peer observes the abrupt close
	_ = serverSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := serverSide.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	// a second Disconnect is harmless
	c.Disconnect()
	assert.Equal(t, 1, rec.count(EventClosed))
}

func TestConnection_PeerClose(t *testing.T) {
	rec := &eventRecorder{}
	c, _, serverSide := newReadyClientConn(t, newTestOptions(rec))

	serverSide.Close()
	waitClosed(t, c)

	assert.Equal(t, 0, rec.count(EventIOError), "a peer hanging up is not an I/O error")
}

func TestConnection_MessageTooLarge(t *testing.T) {
	rec := &eventRecorder{}
	c, inbound, serverSide := newReadyClientConn(t, newTestOptions(rec, MessageMaxSize(16)))

	_, err := serverSide.Write(encodeHeader(Header[testKind]{ID: kindPing, Size: 17}))
	require.NoError(t, err)

	waitClosed(t, c)
	assert.True(t, inbound.Empty(), "oversized message must not be queued")
	assert.Equal(t, 1, rec.count(EventIOError))
}

func TestConnection_LargestAnnouncedSizeRejected(t *testing.T) {
	rec := &eventRecorder{}
	c, inbound, serverSide := newReadyClientConn(t, newTestOptions(rec, MessageMaxSize(1<<20)))

	_, err := serverSide.Write(encodeHeader(Header[testKind]{ID: kindPing, Size: 0xFFFFFFFF}))
	require.NoError(t, err)

	waitClosed(t, c)
	assert.True(t, inbound.Empty())
	assert.Nil(t, c.incoming.Body, "body must not be allocated for a rejected header")
	assert.Equal(t, 1, rec.count(EventIOError))
}

func TestConnection_IdleTimeout(t *testing.T) {
	c, _, _ := newReadyClientConn(t, newTestOptions(nil, IdleTimeoutOption(time.Millisecond*100)))

	waitClosed(t, c)
}

func TestConnection_HandshakeTimeout(t *testing.T) {
	serverSide, _ := createTestTCPPair(t)
	rec := &eventRecorder{}
	opts := newTestOptions(rec, HandshakeTimeoutOption(time.Millisecond*100))
	r := startTestReactor(t, opts)

	c := newConnection(RoleServer, serverSide, r, new(Queue[OwnedMessage[testKind]]), opts)
	require.NoError(t, r.Post(func() { c.connectToClient(10000, nil) }))

	// the raw client never answers
	waitClosed(t, c)
	assert.Equal(t, 0, rec.count(EventValidated))
}

func TestConnection_ReactorStoppedClosesSocket(t *testing.T) {
	serverSide, _ := createTestTCPPair(t)
	opts := newTestOptions(nil)
	r := newReactor(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	c := newConnection(RoleServer, serverSide, r, new(Queue[OwnedMessage[testKind]]), opts)
	cancel()
	<-r.Done()

	c.Disconnect()
	assert.False(t, c.IsConnected(), "Disconnect on a stopped reactor should close immediately")
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateCreated:     "created",
		StateHandshaking: "handshaking",
		StateReady:       "ready",
		StateClosed:      "closed",
		State(42):        "unknown",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
}
