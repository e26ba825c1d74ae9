package session

import "sync/atomic"

// Stats holds the monotonic counters spec.md §3 requires ("bytes-sent /
// bytes-received; also mirrored to server aggregates"), plus the
// datagram counters the original UDP client carries
// (original_source/source/server/asio/udp_client.cpp: _datagrams_sent,
// _datagrams_received).
type Stats struct {
	bytesSent         atomic.Int64
	bytesReceived     atomic.Int64
	datagramsSent     atomic.Int64
	datagramsReceived atomic.Int64
}

func (s *Stats) addSent(n int)         { s.bytesSent.Add(int64(n)) }
func (s *Stats) addReceived(n int)     { s.bytesReceived.Add(int64(n)) }
func (s *Stats) addDatagramSent()      { s.datagramsSent.Add(1) }
func (s *Stats) addDatagramReceived()  { s.datagramsReceived.Add(1) }

func (s *Stats) reset() {
	s.bytesSent.Store(0)
	s.bytesReceived.Store(0)
	s.datagramsSent.Store(0)
	s.datagramsReceived.Store(0)
}

// BytesSent returns the total bytes successfully transmitted so far.
func (s *Stats) BytesSent() int64 { return s.bytesSent.Load() }

// BytesReceived returns the total bytes successfully read so far.
func (s *Stats) BytesReceived() int64 { return s.bytesReceived.Load() }

// DatagramsSent returns the total datagrams successfully sent so far (UDP only).
func (s *Stats) DatagramsSent() int64 { return s.datagramsSent.Load() }

// DatagramsReceived returns the total datagrams received so far (UDP only).
func (s *Stats) DatagramsReceived() int64 { return s.datagramsReceived.Load() }

// Aggregator receives statistic deltas mirrored up from a session, matching
// spec.md §3's "also mirrored to server aggregates" and §5's guidance to use
// atomic addition for server-level statistics.
type Aggregator interface {
	AddSent(n int64)
	AddReceived(n int64)
}

// ServerStats is the default Aggregator implementation used by server.Server.
type ServerStats struct {
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	sessions      atomic.Int64
}

func (a *ServerStats) AddSent(n int64)     { a.bytesSent.Add(n) }
func (a *ServerStats) AddReceived(n int64) { a.bytesReceived.Add(n) }
func (a *ServerStats) AddSession(delta int64) { a.sessions.Add(delta) }

func (a *ServerStats) BytesSent() int64     { return a.bytesSent.Load() }
func (a *ServerStats) BytesReceived() int64 { return a.bytesReceived.Load() }
func (a *ServerStats) Sessions() int64      { return a.sessions.Load() }
