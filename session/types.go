package session

import "net"

// State is a session's position in the lifecycle state machine described in
// spec.md §4.2.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateHandshaking
	StateHandshaked
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateHandshaked:
		return "handshaked"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives the lifecycle callbacks a TCP or TLS session delivers.
// Every method is invoked on the session's serializer (spec.md §5); a
// Handler implementation must not block or it will stall that session's
// strand. Embed NopHandler to implement only the callbacks you care about.
type Handler interface {
	OnConnected()
	OnHandshaked()
	OnDisconnected()
	OnReceived(p []byte)
	OnSent(sentNow, pending int)
	OnEmpty()
	OnError(err error)
}

// NopHandler is a Handler implementation whose methods all do nothing; embed
// it to override only the callbacks you need.
type NopHandler struct{}

func (NopHandler) OnConnected()                   {}
func (NopHandler) OnHandshaked()                  {}
func (NopHandler) OnDisconnected()                {}
func (NopHandler) OnReceived(p []byte)            {}
func (NopHandler) OnSent(sentNow, pending int)    {}
func (NopHandler) OnEmpty()                       {}
func (NopHandler) OnError(err error)              {}

// DatagramHandler receives the lifecycle callbacks a UDP endpoint delivers.
// Datagram receipt reports the sender's address alongside the payload
// (spec.md §4.3(d)).
type DatagramHandler interface {
	OnConnected()
	OnDisconnected()
	OnReceived(from net.Addr, p []byte)
	OnSent(sentNow, pending int)
	OnEmpty()
	OnError(err error)
}

// NopDatagramHandler is the UDP analogue of NopHandler.
type NopDatagramHandler struct{}

func (NopDatagramHandler) OnConnected()                          {}
func (NopDatagramHandler) OnDisconnected()                       {}
func (NopDatagramHandler) OnReceived(from net.Addr, p []byte)    {}
func (NopDatagramHandler) OnSent(sentNow, pending int)           {}
func (NopDatagramHandler) OnEmpty()                              {}
func (NopDatagramHandler) OnError(err error)                     {}

// Options holds the socket-level configuration recognized at construction or
// via setters (spec.md §6). Sessions wrap sockets that are already open, so
// only NoDelay and KeepAlive are applied by this package, in
// TCPSession's Connect and only when the session's connection is a
// *net.TCPConn (a TLSSession's connection is a *tls.Conn, so neither is
// applied there). ReuseAddress, ReusePort and Multicast are not applied to
// any socket by this package.
type Options struct {
	// NoDelay disables transport-level coalescing (TCP_NODELAY) on TCP sockets.
	NoDelay bool
	// ReuseAddress permits local address reuse (SO_REUSEADDR).
	ReuseAddress bool
	// ReusePort permits local port reuse (SO_REUSEPORT, POSIX only).
	ReusePort bool
	// Multicast binds the socket to the interface endpoint rather than an
	// ephemeral port; UDP only.
	Multicast bool
	// KeepAlive enables transport keepalive probes.
	KeepAlive bool
}

// Option configures an Options value.
type Option func(*Options)

func WithNoDelay() Option      { return func(o *Options) { o.NoDelay = true } }
func WithReuseAddress() Option { return func(o *Options) { o.ReuseAddress = true } }
func WithReusePort() Option    { return func(o *Options) { o.ReusePort = true } }
func WithMulticast() Option    { return func(o *Options) { o.Multicast = true } }
func WithKeepAlive() Option    { return func(o *Options) { o.KeepAlive = true } }

func buildOptions(opts ...Option) Options {
	var o Options
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

func applyTCPOptions(conn *net.TCPConn, o Options) {
	if o.NoDelay {
		_ = conn.SetNoDelay(true)
	}
	if o.KeepAlive {
		_ = conn.SetKeepAlive(true)
	}
}
