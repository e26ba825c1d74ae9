package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/brightforge/netcore/session"
	"github.com/stretchr/testify/require"
)

func TestClientConnectsAndSends(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	connected := make(chan struct{}, 1)
	client, err := NewClient(ClientConfig{
		Addr: ln.Addr().String(),
		NewHandler: func(id session.ID) session.Handler {
			return &clientConnectedHandler{connected: connected}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	client.Send([]byte("hi"))

	select {
	case got := <-received:
		require.Equal(t, "hi", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received client data")
	}

	require.NoError(t, client.Close())
}

type clientConnectedHandler struct {
	session.NopHandler
	connected chan struct{}
}

func (h *clientConnectedHandler) OnConnected() { h.connected <- struct{}{} }
