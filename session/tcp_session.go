package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/brightforge/netcore/internal/xlog"
)

// ServerRef is the non-owning back-reference a session holds to its owning
// server, used for statistic aggregation and deregistration (spec.md §3:
// "server-ref ... non-owning; server outlives its sessions").
type ServerRef interface {
	Aggregator
	Deregister(id ID)
}

// TCPSession is the per-connection state machine for a plain TCP
// connection: the core of this package (spec.md §3, §4.2). TLSSession
// embeds it and overrides the handshake steps.
type TCPSession struct {
	id     ID
	server ServerRef
	logger xlog.Logger
	opts   Options
	ser    Serializer

	handler Handler

	conn net.Conn

	state atomic.Int32 // State

	// connected mirrors the original source's _connected flag
	// (original_source/include/server/asio/ssl_session.inl): it is set true
	// once doConnect reaches StateConnected and only set false inside
	// finishShutdown, once the socket is actually closed — not the instant
	// beginShutdown sets StateShuttingDown. This lets a write/read that was
	// already in flight when Disconnect was merely requested still
	// complete, be counted, and reach its onSent/onReceived callback,
	// rather than being silently dropped while the TLS shutdown grace
	// timer (or any other shutdownHook) is still running.
	connected atomic.Bool

	receiving atomic.Bool
	sending   atomic.Bool

	send sendBuffer
	recv *recvBuffer

	stats Stats

	doneMu   sync.Mutex
	doneChan chan struct{}
	doneOnce sync.Once

	// afterConnect, if set (by TLSSession), runs instead of onReachedActive
	// right after Connected is entered and onConnected has been emitted —
	// this is where TLSSession inserts the Handshaking state.
	afterConnect func()

	// shutdownHook, if set (by TLSSession), runs instead of finishShutdown
	// when beginShutdown fires, and is responsible for eventually calling
	// finishShutdown itself (after an async TLS close_notify attempt).
	shutdownHook func(causeErr error)

	// requiresHandshake is set by TLSSession so IsHandshaked checks for the
	// Handshaked state explicitly rather than treating Connected as enough.
	requiresHandshake bool
}

// NewTCPSession constructs a TCPSession around an already-open net.Conn
// (accepted by a server, or dialed by a client) with a fresh 128-bit id.
// The session does not begin I/O until Connect is called.
func NewTCPSession(conn net.Conn, ser Serializer, handler Handler, server ServerRef, logger xlog.Logger, opts Options) *TCPSession {
	return NewTCPSessionWithID(NewID(), conn, ser, handler, server, logger, opts)
}

// NewTCPSessionWithID is NewTCPSession with a caller-supplied id, used by
// callers (server.Server's accept loop) that need the id before the
// session's Handler can be constructed.
func NewTCPSessionWithID(id ID, conn net.Conn, ser Serializer, handler Handler, server ServerRef, logger xlog.Logger, opts Options) *TCPSession {
	s := &TCPSession{
		id:       id,
		server:   server,
		logger:   logger.Fork("session.%s", "tcp"),
		opts:     opts,
		ser:      ser,
		handler:  handler,
		conn:     conn,
		recv:     newRecvBuffer(),
		doneChan: make(chan struct{}),
	}
	return s
}

// ID returns this session's stable identifier.
func (s *TCPSession) ID() ID { return s.id }

// State returns the session's current lifecycle state.
func (s *TCPSession) State() State { return State(s.state.Load()) }

func (s *TCPSession) setState(st State) { s.state.Store(int32(st)) }

// IsConnected reports the session's connected flag, which — per spec.md
// §4.2's Disconnect sequencing — stays true for the duration of
// ShuttingDown and only flips false once finishShutdown actually closes
// the socket, not the instant beginShutdown is entered.
func (s *TCPSession) IsConnected() bool { return s.connected.Load() }

// IsHandshaked reports whether application data may flow. Plain TCP
// sessions collapse Handshaking/Handshaked into Connected, so connected
// implies handshaked (spec.md §3 invariant, §4.2); TLSSession overrides
// requiresHandshake so this instead checks for the Handshaked state.
func (s *TCPSession) IsHandshaked() bool {
	if s.requiresHandshake {
		return s.State() == StateHandshaked
	}
	return s.IsConnected()
}

// Stats exposes this session's byte counters.
func (s *TCPSession) Stats() *Stats { return &s.stats }

// DoneChan is closed exactly once, after onDisconnected has been delivered,
// giving Reconnect (and tests) a way to wait for a prior Disconnect to
// finish instead of busy-spinning (resolves spec.md §9's Open Question; see
// DESIGN.md). Safe to call from any goroutine, including before the first
// Connect (doneMu guards it against a concurrent doConnect swapping in a
// fresh channel for a new connection cycle).
func (s *TCPSession) DoneChan() <-chan struct{} {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	return s.doneChan
}

func (s *TCPSession) markDone() {
	s.doneMu.Lock()
	ch := s.doneChan
	s.doneMu.Unlock()
	s.doneOnce.Do(func() { close(ch) })
}

// resetDoneChanForNewCycle swaps in a fresh doneChan/doneOnce only if the
// current one has already been closed by a prior markDone — i.e. only on a
// reconnect cycle, never on the first Connect. A caller may have captured
// DoneChan() before this Connect() was even dispatched (server.Client's
// dialAndRun does exactly that); blindly replacing the channel here would
// orphan that capture and leave it waiting on a channel markDone will never
// close again.
func (s *TCPSession) resetDoneChanForNewCycle() {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	select {
	case <-s.doneChan:
		s.doneChan = make(chan struct{})
		s.doneOnce = sync.Once{}
	default:
	}
}

// Connect transitions Idle/Closed → Connecting → Connected, applies socket
// options, resets statistics, and emits onConnected, onEmpty, then starts
// the first read (spec.md §4.2).
func (s *TCPSession) Connect() {
	s.ser.Dispatch(func() { s.doConnect() })
}

func (s *TCPSession) doConnect() {
	if s.State() != StateIdle && s.State() != StateClosed {
		return
	}
	s.setState(StateConnecting)

	if tc, ok := s.conn.(*net.TCPConn); ok {
		applyTCPOptions(tc, s.opts)
	}

	s.stats.reset()
	s.resetDoneChanForNewCycle()

	s.setState(StateConnected)
	s.connected.Store(true)
	s.handler.OnConnected()
	if s.afterConnect != nil {
		s.afterConnect()
		return
	}
	s.onReachedActive()
}

// onReachedActive is the point both plain-TCP Connect and TLS Handshake
// converge on: emit onEmpty, then begin receiving (spec.md §4.2).
func (s *TCPSession) onReachedActive() {
	s.handler.OnEmpty()
	s.tryReceive()
}

// Send appends buf to send-main under the send-lock, then dispatches
// TrySend on the serializer. Returns the resulting size of send-main (the
// back-pressure signal), or 0 without touching state if the session is not
// yet handshaked (spec.md §4.2 Send contract) or buf is empty (spec.md §7:
// argument errors are rejected synchronously with no state change).
func (s *TCPSession) Send(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	if !s.IsHandshaked() {
		return 0
	}
	n := s.send.append(buf)
	s.ser.Dispatch(func() { s.trySend() })
	return n
}

// SendAsync behaves like Send but only ever posts (never dispatches
// inline), and reports whether the session was in a state to accept the
// write at all.
func (s *TCPSession) SendAsync(buf []byte) bool {
	if len(buf) == 0 || !s.IsHandshaked() {
		return false
	}
	s.send.append(buf)
	s.ser.Post(func() { s.trySend() })
	return true
}

// trySend implements spec.md §4.2's TrySend, run on the serializer.
func (s *TCPSession) trySend() {
	if s.sending.Load() {
		return
	}
	s.send.swapIfFlushEmpty()
	if len(s.send.pending()) == 0 {
		s.handler.OnEmpty()
		return
	}
	s.sending.Store(true)
	s.writeAsync(s.send.pending())
}

// writeAsync issues one async write of p, invoking onWriteComplete with the
// result. TCPSession does the write on its own goroutine (net.Conn has no
// native async write); the completion is always funneled back through the
// serializer before touching any session state, preserving the single
// outstanding-write invariant.
func (s *TCPSession) writeAsync(p []byte) {
	conn := s.conn
	go func() {
		n, err := conn.Write(p)
		s.ser.Dispatch(func() { s.onWriteComplete(n, err) })
	}()
}

func (s *TCPSession) onWriteComplete(n int, err error) {
	if !s.IsConnected() {
		return
	}
	if n > 0 {
		s.stats.addSent(n)
		if s.server != nil {
			s.server.AddSent(int64(n))
		}
		s.send.advance(n)
	}
	pending := s.send.remaining() + s.send.mainLen()
	s.sending.Store(false)

	if err != nil {
		if isOperationAborted(err) {
			return
		}
		if classify(err) == classFatal {
			s.handler.OnError(err)
		}
		s.beginShutdown(err)
		return
	}

	s.handler.OnSent(n, pending)
	s.trySend()
}

// tryReceive implements spec.md §4.2's TryReceive, run on the serializer.
func (s *TCPSession) tryReceive() {
	if s.receiving.Load() || !s.IsHandshaked() {
		return
	}
	s.receiving.Store(true)
	s.readAsync()
}

func (s *TCPSession) readAsync() {
	conn := s.conn
	buf := s.recv.bytes()
	go func() {
		n, err := conn.Read(buf)
		s.ser.Dispatch(func() { s.onReadComplete(buf, n, err) })
	}()
}

func (s *TCPSession) onReadComplete(buf []byte, n int, err error) {
	if !s.IsConnected() {
		return
	}
	s.receiving.Store(false)

	if n > 0 {
		s.stats.addReceived(n)
		if s.server != nil {
			s.server.AddReceived(int64(n))
		}
		s.recv.growIfFull(n)
		s.handler.OnReceived(buf[:n])
	}

	if err != nil {
		if isOperationAborted(err) {
			return
		}
		if classify(err) == classFatal {
			s.handler.OnError(err)
		}
		s.beginShutdown(err)
		return
	}

	s.tryReceive()
}

// Disconnect implements spec.md §4.2's Disconnect(dispatch). Returns false
// without effect if the session is not connected.
func (s *TCPSession) Disconnect(dispatch bool) bool {
	if !s.IsConnected() {
		return false
	}
	task := func() { s.beginShutdown(nil) }
	if dispatch {
		s.ser.Dispatch(task)
	} else {
		s.ser.Post(task)
	}
	return true
}

// beginShutdown runs on the serializer. For plain TCP there is no handshake
// teardown step, so it closes the socket immediately; TLSSession overrides
// this to attempt a TLS shutdown first (see tls_session.go).
func (s *TCPSession) beginShutdown(causeErr error) {
	if s.State() == StateShuttingDown || s.State() == StateClosed {
		return
	}
	s.setState(StateShuttingDown)
	if s.shutdownHook != nil {
		s.shutdownHook(causeErr)
		return
	}
	s.finishShutdown(causeErr)
}

// finishShutdown closes the socket, clears buffers, flips the flags, emits
// onDisconnected, and deregisters from the server. Must run on the
// serializer.
func (s *TCPSession) finishShutdown(_ error) {
	_ = s.conn.Close()
	s.send.clear()
	s.setState(StateClosed)
	s.connected.Store(false)
	s.handler.OnDisconnected()
	if s.server != nil {
		s.server.Deregister(s.id)
	}
	s.markDone()
}

// Reconnect implements spec.md §4.2's Reconnect, resolving the Open
// Question in spec.md §9/DESIGN.md by waiting on DoneChan instead of
// spinning. The wait runs on a dedicated goroutine rather than the calling
// one: Reconnect is documented to be callable from a Handler callback
// (which always runs on the session's own serializer), and for a
// TLSSession the shutdown triggered by Disconnect only completes later, via
// a Dispatch from an unrelated goroutine back onto that same serializer —
// blocking the serializer's own runner goroutine here would deadlock it
// against its own pending completion. Post (never Dispatch) is used
// throughout so Reconnect never depends on which goroutine called it.
func (s *TCPSession) Reconnect(reopen func() net.Conn) {
	go func() {
		done := s.DoneChan()
		wasConnected := s.Disconnect(false)
		if wasConnected {
			<-done
		}
		s.ser.Post(func() {
			s.conn = reopen()
			s.doConnect()
		})
	}()
}

func (s *TCPSession) String() string {
	return fmt.Sprintf("TCPSession(%s)", s.id)
}
