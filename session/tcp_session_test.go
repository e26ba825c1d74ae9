package session

import (
	"net"
	"testing"
	"time"

	"github.com/brightforge/netcore/executor"
	"github.com/brightforge/netcore/internal/xlog"
	"github.com/prep/socketpair"
	"github.com/stretchr/testify/require"
)

// sentEvent records one onSent callback's arguments.
type sentEvent struct {
	n       int
	pending int
}

// recordingHandler captures every callback on buffered channels so tests
// can assert ordering and payloads without racing the session's serializer.
type recordingHandler struct {
	NopHandler
	connected    chan struct{}
	disconnected chan struct{}
	received     chan []byte
	errs         chan error
	sent         chan sentEvent
	empty        chan struct{}
	handshaked   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected:    make(chan struct{}, 1),
		disconnected: make(chan struct{}, 1),
		received:     make(chan []byte, 16),
		errs:         make(chan error, 16),
		sent:         make(chan sentEvent, 64),
		empty:        make(chan struct{}, 64),
		handshaked:   make(chan struct{}, 1),
	}
}

func (h *recordingHandler) OnConnected()      { h.connected <- struct{}{} }
func (h *recordingHandler) OnDisconnected()   { h.disconnected <- struct{}{} }
func (h *recordingHandler) OnHandshaked()     { h.handshaked <- struct{}{} }
func (h *recordingHandler) OnReceived(p []byte) {
	cp := append([]byte(nil), p...)
	h.received <- cp
}
func (h *recordingHandler) OnError(err error) { h.errs <- err }
func (h *recordingHandler) OnSent(n, pending int) {
	h.sent <- sentEvent{n: n, pending: pending}
}
func (h *recordingHandler) OnEmpty() { h.empty <- struct{}{} }

func newConnectedPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b, err := socketpair.New("unix")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestTCPSessionEchoAndStats(t *testing.T) {
	connA, connB := newConnectedPair(t)

	ex := executor.NewInline()
	t.Cleanup(ex.Close)

	hA := newRecordingHandler()
	hB := newRecordingHandler()

	sessA := NewTCPSession(connA, ex.MakeStrand(), hA, nil, xlog.Nop(), Options{})
	sessB := NewTCPSession(connB, ex.MakeStrand(), hB, nil, xlog.Nop(), Options{})

	sessA.Connect()
	sessB.Connect()

	requireRecv(t, hA.connected)
	requireRecv(t, hB.connected)

	n := sessA.Send([]byte("hello"))
	require.Equal(t, 5, n)

	got := requireRecvBytes(t, hB.received)
	require.Equal(t, "hello", string(got))

	require.True(t, sessA.Disconnect(true))
	requireRecv(t, hA.disconnected)
	requireRecv(t, hB.disconnected)

	require.EqualValues(t, 5, sessA.Stats().BytesSent())
	require.EqualValues(t, 5, sessB.Stats().BytesReceived())
}

func TestTCPSessionSendBeforeHandshakeIsRejected(t *testing.T) {
	connA, _ := newConnectedPair(t)
	ex := executor.NewInline()
	t.Cleanup(ex.Close)

	sess := NewTCPSession(connA, ex.MakeStrand(), newRecordingHandler(), nil, xlog.Nop(), Options{})
	require.Equal(t, 0, sess.Send([]byte("too early")))
}

func TestTCPSessionDisconnectIsIdempotent(t *testing.T) {
	connA, connB := newConnectedPair(t)
	ex := executor.NewInline()
	t.Cleanup(ex.Close)

	hA := newRecordingHandler()
	sessA := NewTCPSession(connA, ex.MakeStrand(), hA, nil, xlog.Nop(), Options{})
	sessB := NewTCPSession(connB, ex.MakeStrand(), newRecordingHandler(), nil, xlog.Nop(), Options{})
	sessA.Connect()
	sessB.Connect()
	requireRecv(t, hA.connected)

	require.True(t, sessA.Disconnect(true))
	requireRecv(t, hA.disconnected)
	require.False(t, sessA.Disconnect(true))
}

func requireRecv(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func requireRecvBytes(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data")
		return nil
	}
}

func requireRecvSent(t *testing.T, ch <-chan sentEvent) sentEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onSent")
		return sentEvent{}
	}
}

// TestTCPSessionStaysConnectedUntilFinishShutdown exercises spec.md §4.2's
// documented Disconnect sequencing directly: connected must stay true for
// the duration of ShuttingDown, and only flip false once finishShutdown
// actually closes the socket — not the instant beginShutdown enters
// ShuttingDown. A custom shutdownHook stands in for TLSSession's real
// async close_notify/grace-timer sequencing so the window between the two
// is deterministic instead of racing real TLS handshake timing.
func TestTCPSessionStaysConnectedUntilFinishShutdown(t *testing.T) {
	connA, _ := newConnectedPair(t)
	ex := executor.NewInline()
	t.Cleanup(ex.Close)

	hA := newRecordingHandler()
	sessA := NewTCPSession(connA, ex.MakeStrand(), hA, nil, xlog.Nop(), Options{})

	shutdownStarted := make(chan struct{})
	release := make(chan struct{})
	sessA.shutdownHook = func(causeErr error) {
		close(shutdownStarted)
		<-release
		sessA.finishShutdown(causeErr)
	}

	sessA.Connect()
	requireRecv(t, hA.connected)

	require.True(t, sessA.Disconnect(true))

	select {
	case <-shutdownStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook never started")
	}

	require.Equal(t, StateShuttingDown, sessA.State())
	require.True(t, sessA.IsConnected(), "connected must stay true until finishShutdown actually closes the socket")

	close(release)
	requireRecv(t, hA.disconnected)
	require.False(t, sessA.IsConnected())
}

// TestTCPSessionOrderedMultiMessageEcho covers spec.md §8 scenario 1: three
// Send calls issued back to back with no delay must arrive at the peer
// concatenated in call order, and the sender's onSent pending values must
// fall monotonically to zero before the trailing onEmpty.
func TestTCPSessionOrderedMultiMessageEcho(t *testing.T) {
	connA, connB := newConnectedPair(t)

	ex := executor.NewInline()
	t.Cleanup(ex.Close)

	hA := newRecordingHandler()
	hB := newRecordingHandler()

	sessA := NewTCPSession(connA, ex.MakeStrand(), hA, nil, xlog.Nop(), Options{})
	sessB := NewTCPSession(connB, ex.MakeStrand(), hB, nil, xlog.Nop(), Options{})

	sessA.Connect()
	sessB.Connect()

	requireRecv(t, hA.connected)
	requireRecv(t, hB.connected)

	// Connect itself emits one onEmpty before any data is queued; drain it
	// so it isn't mistaken for the send completion below.
	requireRecv(t, hA.empty)

	sessA.Send([]byte("A"))
	sessA.Send([]byte("BB"))
	sessA.Send([]byte("CCC"))

	want := "ABBCCC"
	got := make([]byte, 0, len(want))
	for len(got) < len(want) {
		got = append(got, requireRecvBytes(t, hB.received)...)
	}
	require.Equal(t, want, string(got))

	var events []sentEvent
	total := 0
	for total < len(want) {
		ev := requireRecvSent(t, hA.sent)
		events = append(events, ev)
		total += ev.n
	}
	for i := 1; i < len(events); i++ {
		require.Less(t, events[i].pending, events[i-1].pending)
	}
	require.Equal(t, 0, events[len(events)-1].pending)
	requireRecv(t, hA.empty)
}

// TestTCPSessionLargeMessageGrowsReceiveBuffer covers spec.md §8 scenario 2:
// a 64KiB write over a real socket must be delivered intact and must push
// the receiver's adaptively-sized buffer past its initial chunk+1 capacity.
func TestTCPSessionLargeMessageGrowsReceiveBuffer(t *testing.T) {
	connA, connB := newConnectedPair(t)

	ex := executor.NewInline()
	t.Cleanup(ex.Close)

	hA := newRecordingHandler()
	hB := newRecordingHandler()

	sessA := NewTCPSession(connA, ex.MakeStrand(), hA, nil, xlog.Nop(), Options{})
	sessB := NewTCPSession(connB, ex.MakeStrand(), hB, nil, xlog.Nop(), Options{})

	sessA.Connect()
	sessB.Connect()
	requireRecv(t, hA.connected)
	requireRecv(t, hB.connected)

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	n := sessA.Send(payload)
	require.Equal(t, len(payload), n)

	got := make([]byte, 0, len(payload))
	deadline := time.After(5 * time.Second)
	for len(got) < len(payload) {
		select {
		case b := <-hB.received:
			got = append(got, b...)
		case <-deadline:
			t.Fatalf("timed out after receiving %d/%d bytes", len(got), len(payload))
		}
	}
	require.Equal(t, payload, got)
	require.GreaterOrEqual(t, len(sessB.recv.bytes()), 2*(chunk+1))
}

// shortWriteConn truncates every Write to at most max bytes, simulating the
// short writes a real socket can produce under backpressure so tests can
// deterministically interject between a sender's writes.
type shortWriteConn struct {
	net.Conn
	max int
}

func (c *shortWriteConn) Write(p []byte) (int, error) {
	if len(p) > c.max {
		p = p[:c.max]
	}
	return c.Conn.Write(p)
}

// disconnectOnFirstSentHandler calls Disconnect the first time onSent fires,
// from inside the callback itself — exercising a mid-send disconnect.
type disconnectOnFirstSentHandler struct {
	*recordingHandler
	session   *TCPSession
	triggered bool
}

func newDisconnectOnFirstSentHandler() *disconnectOnFirstSentHandler {
	return &disconnectOnFirstSentHandler{recordingHandler: newRecordingHandler()}
}

func (h *disconnectOnFirstSentHandler) OnSent(n, pending int) {
	h.recordingHandler.OnSent(n, pending)
	if !h.triggered {
		h.triggered = true
		h.session.Disconnect(false)
	}
}

// TestTCPSessionDisconnectDuringActiveSend covers spec.md §8 scenario 3: a
// Disconnect issued from within the first onSent of a large in-flight send
// must stop after the bytes already acknowledged, emit exactly one
// onDisconnected, and never raise onError for the resulting abort.
func TestTCPSessionDisconnectDuringActiveSend(t *testing.T) {
	rawA, connB := newConnectedPair(t)
	connA := &shortWriteConn{Conn: rawA, max: 64 * 1024}

	ex := executor.NewInline()
	t.Cleanup(ex.Close)

	hB := newRecordingHandler()
	sessB := NewTCPSession(connB, ex.MakeStrand(), hB, nil, xlog.Nop(), Options{})

	hA := newDisconnectOnFirstSentHandler()
	sessA := NewTCPSession(connA, ex.MakeStrand(), hA, nil, xlog.Nop(), Options{})
	hA.session = sessA

	sessA.Connect()
	sessB.Connect()
	requireRecv(t, hA.connected)
	requireRecv(t, hB.connected)

	payload := make([]byte, 1024*1024)
	n := sessA.Send(payload)
	require.Equal(t, len(payload), n)

	requireRecv(t, hA.disconnected)
	select {
	case <-hA.disconnected:
		t.Fatal("onDisconnected fired more than once")
	default:
	}

	ev := requireRecvSent(t, hA.sent)
	require.Equal(t, 64*1024, ev.n)
	require.Greater(t, ev.pending, 0)
	require.EqualValues(t, ev.n, sessA.Stats().BytesSent())

	select {
	case err := <-hA.errs:
		t.Fatalf("unexpected onError for the resulting operation_aborted: %v", err)
	default:
	}
}
