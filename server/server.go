// Package server hosts TCP/TLS session listeners and UDP endpoints, and
// drives reconnecting outbound clients. It is the multi-session layer built
// on top of package session (spec.md §4.4).
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/brightforge/netcore/executor"
	"github.com/brightforge/netcore/internal/shutdown"
	"github.com/brightforge/netcore/internal/xlog"
	"github.com/brightforge/netcore/session"
	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/sizestr"
	"golang.org/x/sync/errgroup"
)

// trackedSession is the subset of *session.TCPSession / *session.TLSSession
// the session table needs: enough to broadcast and to force-disconnect.
type trackedSession interface {
	ID() session.ID
	Connect()
	Send(buf []byte) int
	Disconnect(dispatch bool) bool
}

// Config configures a Server (spec.md §4.4's session table owner).
type Config struct {
	// Addr is the TCP listen address, e.g. ":9443".
	Addr string

	// TLSConfig, if non-nil, makes this a TLS listener. CertFile/KeyFile,
	// if both set alongside TLSConfig, enable certificate hot-reload.
	TLSConfig *tls.Config
	CertFile  string
	KeyFile   string

	// Executor drives session completions; defaults to a 4-worker Pool.
	Executor executor.Executor

	// NewHandler builds the per-connection Handler for a freshly accepted
	// session. Required.
	NewHandler func(id session.ID) session.Handler

	Logger  xlog.Logger
	Options session.Options

	// MaxBroadcastFanout bounds concurrent Send calls issued by Broadcast
	// (spec.md §4.4, SPEC_FULL.md DOMAIN STACK: golang.org/x/sync/errgroup
	// bounded fan-out). Defaults to 64.
	MaxBroadcastFanout int
}

// Server accepts TCP/TLS connections, keeps a session table keyed by
// session.ID, aggregates statistics, and supports broadcast (spec.md §4.4).
// Grounded on share/server.go's Server (ShutdownHelper embedding,
// DoOnceActivate/ListenAndServe sequencing) and share/http_server.go's
// listener-ownership pattern, generalized from HTTP request handling to raw
// session lifecycle.
type Server struct {
	shutdown.Helper

	cfg      Config
	ex       executor.Executor
	ownsExec bool
	logger   xlog.Logger

	listener net.Listener

	mu       sync.Mutex
	sessions map[session.ID]trackedSession
	stats    session.ServerStats

	certMu   sync.Mutex
	tlsConf  *tls.Config
	watcher  *fsnotify.Watcher
}

// NewServer constructs a Server from cfg but does not start listening.
func NewServer(cfg Config) (*Server, error) {
	if cfg.NewHandler == nil {
		return nil, fmt.Errorf("server: Config.NewHandler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = xlog.Nop()
	}
	logger = logger.Fork("server")

	ex := cfg.Executor
	ownsExec := false
	if ex == nil {
		ex = executor.NewPool(4)
		ownsExec = true
	}
	if cfg.MaxBroadcastFanout <= 0 {
		cfg.MaxBroadcastFanout = 64
	}

	s := &Server{
		cfg:      cfg,
		ex:       ex,
		ownsExec: ownsExec,
		logger:   logger,
		sessions: make(map[session.ID]trackedSession),
		tlsConf:  cfg.TLSConfig,
	}
	s.Helper.Init(logger, s)
	return s, nil
}

// ListenAndServe opens the listener and runs the accept loop until ctx is
// cancelled or Close is called, then returns the final completion error
// (grounded on share/http_server.go's ListenAndServe).
func (s *Server) ListenAndServe(ctx context.Context) error {
	err := s.DoOnceActivate(func() error {
		s.ShutdownOnContext(ctx)

		l, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
		}
		s.mu.Lock()
		s.listener = l
		s.mu.Unlock()

		if s.tlsConf != nil && s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			if err := s.watchCertificate(s.cfg.CertFile, s.cfg.KeyFile); err != nil {
				l.Close()
				return err
			}
		}

		go s.acceptLoop(l)
		return nil
	})
	if err != nil {
		return err
	}
	return s.WaitShutdown()
}

func (s *Server) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.IsStartedShutdown() {
				return
			}
			s.logger.WLogf("accept failed, stopping: %s", err)
			s.StartShutdown(err)
			return
		}
		s.onAccept(conn)
	}
}

func (s *Server) onAccept(conn net.Conn) {
	strand := s.ex.MakeStrand()
	id := session.NewID()
	handler := s.cfg.NewHandler(id)

	var sess trackedSession
	if s.tlsConf != nil {
		s.certMu.Lock()
		cfg := s.tlsConf
		s.certMu.Unlock()
		sess = session.NewTLSSessionWithID(id, conn, cfg, true, strand, handler, s, s.logger, s.cfg.Options)
	} else {
		sess = session.NewTCPSessionWithID(id, conn, strand, handler, s, s.logger, s.cfg.Options)
	}
	sess.Connect()

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.stats.AddSession(1)
	s.logger.DLogf("accepted session %s (%s total sent)", id, sizestr.ToString(s.stats.BytesSent()))
}

// AddSent implements session.Aggregator.
func (s *Server) AddSent(n int64) { s.stats.AddSent(n) }

// AddReceived implements session.Aggregator.
func (s *Server) AddReceived(n int64) { s.stats.AddReceived(n) }

// Deregister implements session.ServerRef.
func (s *Server) Deregister(id session.ID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.stats.AddSession(-1)
}

// Broadcast sends buf to every currently-registered session, fanning out
// with a bounded number of concurrent Send calls (spec.md §4.4;
// SPEC_FULL.md DOMAIN STACK wires golang.org/x/sync/errgroup here).
func (s *Server) Broadcast(buf []byte) error {
	s.mu.Lock()
	targets := make([]trackedSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxBroadcastFanout)
	for _, sess := range targets {
		sess := sess
		g.Go(func() error {
			sess.Send(buf)
			return nil
		})
	}
	return g.Wait()
}

// Stats returns the server-wide byte/session counters.
func (s *Server) Stats() *session.ServerStats { return &s.stats }

// DisconnectAll force-disconnects every registered session, used during
// shutdown.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	targets := make([]trackedSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()
	for _, sess := range targets {
		sess.Disconnect(true)
	}
}

// HandleOnceShutdown is called exactly once, in its own goroutine
// (internal/shutdown.Helper contract): close the listener, disconnect every
// session, and stop the certificate watcher and executor if we own them.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	var err error
	if l != nil {
		err = l.Close()
	}
	s.DisconnectAll()
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.ownsExec {
		s.ex.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Close starts shutdown (if not already started) and waits for it to
// complete.
func (s *Server) Close() error { return s.Shutdown(nil) }

// watchCertificate hot-reloads the listener's certificate/key pair whenever
// either file changes, atomically swapping the *tls.Config used by the next
// accepted connection (existing sessions are unaffected — grounded on
// original_source/include/server/asio/ssl_session.inl, which treats a
// handshake's certificate as fixed for the life of that session).
func (s *Server) watchCertificate(certFile, keyFile string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("server: cannot start certificate watcher: %w", err)
	}
	if err := w.Add(certFile); err != nil {
		w.Close()
		return err
	}
	if err := w.Add(keyFile); err != nil {
		w.Close()
		return err
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cert, err := tls.LoadX509KeyPair(certFile, keyFile)
				if err != nil {
					s.logger.WLogf("certificate reload failed, keeping previous cert: %s", err)
					continue
				}
				s.swapCertificate(cert)
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-s.ShutdownStartedChan():
				return
			}
		}
	}()
	return nil
}

func (s *Server) swapCertificate(cert tls.Certificate) {
	s.certMu.Lock()
	defer s.certMu.Unlock()
	next := s.tlsConf.Clone()
	next.Certificates = []tls.Certificate{cert}
	s.tlsConf = next
	s.logger.ILogf("certificate reloaded")
}
