package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/brightforge/netcore/session"
	"github.com/stretchr/testify/require"
)

func TestServerAcceptsAndTracksSessions(t *testing.T) {
	connected := make(chan session.ID, 1)

	srv, err := NewServer(Config{
		Addr: "127.0.0.1:0",
		NewHandler: func(id session.ID) session.Handler {
			return &trackingHandler{id: id, connected: connected}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.ListenAndServe(ctx)
	addr := waitForListener(t, srv)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a session")
	}

	require.EqualValues(t, 1, srv.Stats().Sessions())
	require.NoError(t, srv.Close())
}

type trackingHandler struct {
	session.NopHandler
	id        session.ID
	connected chan session.ID
}

func (h *trackingHandler) OnConnected() { h.connected <- h.id }

func waitForListener(t *testing.T, srv *Server) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		l := srv.listener
		srv.mu.Unlock()
		if l != nil {
			return l.Addr().String()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("server never started listening")
	return ""
}
