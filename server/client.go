package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/brightforge/netcore/executor"
	"github.com/brightforge/netcore/internal/shutdown"
	"github.com/brightforge/netcore/internal/xlog"
	"github.com/brightforge/netcore/session"
	"github.com/jpillora/backoff"
)

// ClientConfig configures an outbound, auto-reconnecting session (spec.md
// §9's Open Question: whole-session reconnect policy).
type ClientConfig struct {
	// Addr is the remote address to dial, "host:port".
	Addr string

	// TLSConfig, if non-nil, dials with TLS.
	TLSConfig *tls.Config

	// DialTimeout bounds each connection attempt. Defaults to 30s.
	DialTimeout time.Duration

	// MaxRetryInterval caps the backoff delay between attempts. Defaults to
	// 5 minutes, matching share/client.go's default.
	MaxRetryInterval time.Duration

	// MaxRetryCount bounds the number of consecutive failed attempts before
	// giving up; zero or negative means unlimited.
	MaxRetryCount int

	Executor executor.Executor
	NewHandler func(id session.ID) session.Handler
	Logger     xlog.Logger
	Options    session.Options
}

// Client dials Addr, runs the session until it disconnects, and reconnects
// with exponential backoff — grounded on share/client.go's connectionLoop,
// generalized from the teacher's fixed SSH-over-websocket protocol to a
// reusable TCP/TLS session. Uses github.com/jpillora/backoff exactly as the
// teacher does (Attempt/Duration/Reset).
type Client struct {
	shutdown.Helper

	cfg      ClientConfig
	ex       executor.Executor
	ownsExec bool
	logger   xlog.Logger

	mu      sync.Mutex
	current trackedSession
}

// NewClient constructs a Client from cfg but does not dial yet.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.NewHandler == nil {
		return nil, fmt.Errorf("server: ClientConfig.NewHandler is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.MaxRetryInterval < time.Second {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = xlog.Nop()
	}
	logger = logger.Fork("client")

	ex := cfg.Executor
	ownsExec := false
	if ex == nil {
		ex = executor.NewInline()
		ownsExec = true
	}

	c := &Client{cfg: cfg, ex: ex, ownsExec: ownsExec, logger: logger}
	c.Helper.Init(logger, c)
	return c, nil
}

// Run starts the connect/reconnect loop and blocks until the client is shut
// down via Close or ctx is cancelled (grounded on share/client.go's Run).
func (c *Client) Run(ctx context.Context) error {
	err := c.DoOnceActivate(func() error {
		c.ShutdownOnContext(ctx)
		go c.connectionLoop(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	return c.WaitShutdown()
}

func (c *Client) connectionLoop(ctx context.Context) {
	b := &backoff.Backoff{Max: c.cfg.MaxRetryInterval}
	var lastErr error

	for !c.IsStartedShutdown() {
		if lastErr != nil {
			attempt := int(b.Attempt())
			d := b.Duration()
			msg := fmt.Sprintf("connection error: %s (attempt %d", lastErr, attempt)
			if c.cfg.MaxRetryCount > 0 {
				msg += fmt.Sprintf("/%d", c.cfg.MaxRetryCount)
			}
			msg += ")"
			c.logger.DLogf(msg)
			if c.cfg.MaxRetryCount > 0 && attempt >= c.cfg.MaxRetryCount {
				c.StartShutdown(lastErr)
				return
			}
			c.logger.ILogf("retrying in %s...", d)
			lastErr = nil
			select {
			case <-time.After(d):
			case <-c.ShutdownStartedChan():
				return
			}
		}

		done, err := c.dialAndRun(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		b.Reset()
		<-done
		c.logger.ILogf("disconnected")
	}
}

// dialAndRun dials once, wires the session into c.current, and returns a
// channel closed when that session finishes (its DoneChan).
func (c *Client) dialAndRun(ctx context.Context) (<-chan struct{}, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, err
	}

	strand := c.ex.MakeStrand()
	id := session.NewID()
	handler := c.cfg.NewHandler(id)

	var sess trackedSession
	var done <-chan struct{}
	if c.cfg.TLSConfig != nil {
		tlsSess := session.NewTLSSessionWithID(id, conn, c.cfg.TLSConfig, false, strand, handler, nil, c.logger, c.cfg.Options)
		sess, done = tlsSess, tlsSess.DoneChan()
	} else {
		tcpSess := session.NewTCPSessionWithID(id, conn, strand, handler, nil, c.logger, c.cfg.Options)
		sess, done = tcpSess, tcpSess.DoneChan()
	}

	c.mu.Lock()
	c.current = sess
	c.mu.Unlock()

	sess.Connect()
	return done, nil
}

// Send forwards to the current session, if any, returning the resulting
// send-main size, or 0 if not currently connected.
func (c *Client) Send(buf []byte) int {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return 0
	}
	return sess.Send(buf)
}

// HandleOnceShutdown disconnects the current session and releases the
// executor if this Client created it.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess != nil {
		sess.Disconnect(true)
	}
	if c.ownsExec {
		c.ex.Close()
	}
	return completionErr
}

// Close starts shutdown (if not already started) and waits for it.
func (c *Client) Close() error { return c.Shutdown(nil) }
