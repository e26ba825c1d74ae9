package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/brightforge/netcore/internal/xlog"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// UDPEndpoint is the datagram session variant described in spec.md §4.3: no
// handshake, synchronous Send with an explicit destination, dispatched
// multicast join/leave, and receive reporting (from, bytes). It supports
// both connectionless use (SendTo with a per-call destination) and the
// connected duality the original UDP client carries
// (original_source/source/server/asio/udp_client.cpp: Connect(endpoint)
// fixes a default destination for Send; the socket is otherwise still free
// to receive from any peer — see SPEC_FULL.md "Supplemented features").
type UDPEndpoint struct {
	id     ID
	server ServerRef
	logger xlog.Logger
	opts   Options
	ser    Serializer

	handler DatagramHandler

	conn *net.UDPConn

	state atomic.Int32

	receiving atomic.Bool

	// defaultDest is the fixed peer address set by Connect, used by Send;
	// SendTo always takes an explicit destination regardless.
	defaultDest net.Addr

	recv *recvBuffer

	stats Stats

	doneMu   sync.Mutex
	doneChan chan struct{}
	doneOnce sync.Once

	pconn4 *ipv4.PacketConn
	pconn6 *ipv6.PacketConn
}

// NewUDPEndpoint wraps an already-bound *net.UDPConn (via net.ListenUDP for
// a server-style listener, or net.DialUDP for a connected client).
func NewUDPEndpoint(conn *net.UDPConn, ser Serializer, handler DatagramHandler, server ServerRef, logger xlog.Logger, opts Options) *UDPEndpoint {
	return &UDPEndpoint{
		id:       NewID(),
		server:   server,
		logger:   logger.Fork("session.%s", "udp"),
		opts:     opts,
		ser:      ser,
		handler:  handler,
		conn:     conn,
		recv:     newRecvBuffer(),
		doneChan: make(chan struct{}),
	}
}

func (e *UDPEndpoint) ID() ID         { return e.id }
func (e *UDPEndpoint) Stats() *Stats  { return &e.stats }
func (e *UDPEndpoint) String() string { return fmt.Sprintf("UDPEndpoint(%s)", e.id) }

// DoneChan mirrors TCPSession.DoneChan: it is safe to call before the first
// Connect (doneMu guards it against a concurrent doConnect swapping in a
// fresh channel for a new connection cycle).
func (e *UDPEndpoint) DoneChan() <-chan struct{} {
	e.doneMu.Lock()
	defer e.doneMu.Unlock()
	return e.doneChan
}

func (e *UDPEndpoint) markDone() {
	e.doneMu.Lock()
	ch := e.doneChan
	e.doneMu.Unlock()
	e.doneOnce.Do(func() { close(ch) })
}

// resetDoneChanForNewCycle mirrors TCPSession's: it only swaps in a fresh
// doneChan/doneOnce if the current one has already been closed by a prior
// markDone, so a caller that captured DoneChan() before the first Connect
// is never orphaned.
func (e *UDPEndpoint) resetDoneChanForNewCycle() {
	e.doneMu.Lock()
	defer e.doneMu.Unlock()
	select {
	case <-e.doneChan:
		e.doneChan = make(chan struct{})
		e.doneOnce = sync.Once{}
	default:
	}
}

func (e *UDPEndpoint) State() State { return State(e.state.Load()) }

// IsHandshaked is always true once Connected: UDP has no handshake
// (spec.md §4.3(a)).
func (e *UDPEndpoint) IsHandshaked() bool {
	st := e.State()
	return st >= StateConnected && st < StateShuttingDown
}

// Connect marks the endpoint active and, if dest is non-nil, fixes it as
// the default destination for Send (the "connected" half of the
// connectionless/connected duality). Pass a nil dest for a pure
// connectionless listener that only ever uses SendTo/receives from
// whoever sends to it.
func (e *UDPEndpoint) Connect(dest net.Addr) {
	e.ser.Dispatch(func() { e.doConnect(dest) })
}

func (e *UDPEndpoint) doConnect(dest net.Addr) {
	if e.State() != StateIdle && e.State() != StateClosed {
		return
	}
	e.defaultDest = dest
	e.stats.reset()
	e.resetDoneChanForNewCycle()
	e.state.Store(int32(StateConnected))
	e.handler.OnConnected()
	e.handler.OnEmpty()
	e.tryReceive()
}

// Send transmits buf to the fixed destination set by Connect. It is
// synchronous (spec.md §4.3(b)): datagrams are bounded, so there is no
// buffering or backpressure signal to report.
func (e *UDPEndpoint) Send(buf []byte) (int, error) {
	if e.defaultDest == nil {
		return 0, fmt.Errorf("session: udp endpoint has no default destination; use SendTo")
	}
	return e.SendTo(buf, e.defaultDest)
}

// SendTo transmits buf to dest synchronously, regardless of any default
// destination set by Connect.
func (e *UDPEndpoint) SendTo(buf []byte, dest net.Addr) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if !e.IsHandshaked() {
		return 0, ErrNotHandshaked
	}
	udpAddr, ok := dest.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", dest.String())
		if err != nil {
			return 0, err
		}
		udpAddr = resolved
	}
	n, err := e.conn.WriteTo(buf, udpAddr)
	if err != nil {
		if classify(err) == classFatal {
			e.handler.OnError(err)
		}
		e.ser.Dispatch(func() { e.beginShutdown(err) })
		return n, err
	}
	e.stats.addSent(n)
	e.stats.addDatagramSent()
	if e.server != nil {
		e.server.AddSent(int64(n))
	}
	e.ser.Dispatch(func() { e.handler.OnSent(n, 0) })
	return n, nil
}

func (e *UDPEndpoint) tryReceive() {
	if !e.receiving.CompareAndSwap(false, true) {
		return
	}
	if !e.IsHandshaked() {
		e.receiving.Store(false)
		return
	}
	e.readAsync()
}

func (e *UDPEndpoint) readAsync() {
	conn := e.conn
	buf := e.recv.bytes()
	go func() {
		n, from, err := conn.ReadFrom(buf)
		e.ser.Dispatch(func() { e.onReadComplete(buf, n, from, err) })
	}()
}

func (e *UDPEndpoint) onReadComplete(buf []byte, n int, from net.Addr, err error) {
	if !e.IsHandshaked() {
		return
	}
	e.receiving.Store(false)

	if n > 0 {
		e.stats.addReceived(n)
		e.stats.addDatagramReceived()
		if e.server != nil {
			e.server.AddReceived(int64(n))
		}
		e.recv.growIfFull(n)
		e.handler.OnReceived(from, buf[:n])
	}

	if err != nil {
		if isOperationAborted(err) {
			return
		}
		if classify(err) == classFatal {
			e.handler.OnError(err)
		}
		e.beginShutdown(err)
		return
	}

	e.tryReceive()
}

// Disconnect closes the underlying socket. UDP has no graceful
// shutdown handshake, so this is a direct close (spec.md §4.3(a): "no
// handshake" extends symmetrically to teardown).
func (e *UDPEndpoint) Disconnect(dispatch bool) bool {
	if e.State() < StateConnected || e.State() >= StateShuttingDown {
		return false
	}
	task := func() { e.beginShutdown(nil) }
	if dispatch {
		e.ser.Dispatch(task)
	} else {
		e.ser.Post(task)
	}
	return true
}

func (e *UDPEndpoint) beginShutdown(_ error) {
	st := e.State()
	if st == StateShuttingDown || st == StateClosed {
		return
	}
	e.state.Store(int32(StateShuttingDown))
	_ = e.conn.Close()
	e.state.Store(int32(StateClosed))
	e.handler.OnDisconnected()
	if e.server != nil {
		e.server.Deregister(e.id)
	}
	e.markDone()
}

// Reconnect implements spec.md §6's Reconnect for the UDP variant, mirroring
// TCPSession.Reconnect: wait for any in-progress shutdown to finish, then
// rebind to a freshly-opened *net.UDPConn and reconnect with the same
// default destination. Like the TCP version, the wait runs on a dedicated
// goroutine and Post (not Dispatch) is used throughout so this never depends
// on which goroutine the caller is on.
func (e *UDPEndpoint) Reconnect(reopen func() *net.UDPConn) {
	go func() {
		done := e.DoneChan()
		wasConnected := e.Disconnect(false)
		if wasConnected {
			<-done
		}
		e.ser.Post(func() {
			dest := e.defaultDest
			e.conn = reopen()
			e.doConnect(dest)
		})
	}()
}

// SendAsync implements spec.md §6's fire-and-forget Send(buf,n) variant for
// UDP: unlike Send/SendTo, which write synchronously from the calling
// goroutine, SendAsync posts the write onto the serializer and returns
// immediately. buf is defensively copied since the caller may reuse or
// free it before the posted write actually runs.
func (e *UDPEndpoint) SendAsync(buf []byte) bool {
	if len(buf) == 0 || e.defaultDest == nil || !e.IsHandshaked() {
		return false
	}
	cp := append([]byte(nil), buf...)
	dest := e.defaultDest
	e.ser.Post(func() {
		_, _ = e.SendTo(cp, dest)
	})
	return true
}

// JoinMulticastGroup dispatches a join to the serializer (spec.md §4.3(c))
// and binds the socket to the given multicast group using golang.org/x/net's
// ipv4/ipv6 packet-conn wrappers, picking the family from group's address.
func (e *UDPEndpoint) JoinMulticastGroup(group *net.UDPAddr, iface *net.Interface) error {
	result := make(chan error, 1)
	e.ser.Dispatch(func() {
		result <- e.doJoinMulticastGroup(group, iface)
	})
	return <-result
}

func (e *UDPEndpoint) doJoinMulticastGroup(group *net.UDPAddr, iface *net.Interface) error {
	if group.IP.To4() != nil {
		if e.pconn4 == nil {
			e.pconn4 = ipv4.NewPacketConn(e.conn)
		}
		return e.pconn4.JoinGroup(iface, &net.UDPAddr{IP: group.IP})
	}
	if e.pconn6 == nil {
		e.pconn6 = ipv6.NewPacketConn(e.conn)
	}
	return e.pconn6.JoinGroup(iface, &net.UDPAddr{IP: group.IP})
}

// LeaveMulticastGroup dispatches a leave to the serializer, mirroring Join.
func (e *UDPEndpoint) LeaveMulticastGroup(group *net.UDPAddr, iface *net.Interface) error {
	result := make(chan error, 1)
	e.ser.Dispatch(func() {
		result <- e.doLeaveMulticastGroup(group, iface)
	})
	return <-result
}

func (e *UDPEndpoint) doLeaveMulticastGroup(group *net.UDPAddr, iface *net.Interface) error {
	if group.IP.To4() != nil && e.pconn4 != nil {
		return e.pconn4.LeaveGroup(iface, &net.UDPAddr{IP: group.IP})
	}
	if e.pconn6 != nil {
		return e.pconn6.LeaveGroup(iface, &net.UDPAddr{IP: group.IP})
	}
	return nil
}
