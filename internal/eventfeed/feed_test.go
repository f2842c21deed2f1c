package eventfeed

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func newServer(t *testing.T) (*Hub, *httptest.Server) {
	hub := NewHub(logrus.New())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func TestNewMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	m := NewMessage(session.Event{Type: session.EventDataReceived, Address: "aa", Time: ts, Data: []byte{0x00, 0x0c}})
	assert.Equal(t, Message{Type: "dataReceived", Address: "aa", Time: ts, Data: "000c"}, m)

	m = NewMessage(session.Event{Type: session.EventStateChanged, From: session.Ready, To: session.Dropped})
	assert.Equal(t, "ready", m.From)
	assert.Equal(t, "dropped", m.To)

	m = NewMessage(session.Event{Type: session.EventRestoreFailed, Err: errors.New("boom")})
	assert.Equal(t, "boom", m.Error)
	assert.Empty(t, m.From)
}

func TestBroadcast(t *testing.T) {
	hub, srv := newServer(t)
	a, b := dial(t, srv), dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, time.Millisecond)

	hub.Broadcast(session.Event{Type: session.EventRestored, Address: "aa:bb"})

	for _, conn := range []*websocket.Conn{a, b} {
		m := readMessage(t, conn)
		assert.Equal(t, "restored", m.Type)
		assert.Equal(t, "aa:bb", m.Address)
	}
}

func TestClientDisconnect(t *testing.T) {
	hub, srv := newServer(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, time.Millisecond)

	hub.Broadcast(session.Event{Type: session.EventConnect})
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub, srv := newServer(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServe(t *testing.T) {
	hub := NewHub(logrus.New())
	ctx, cancel := context.WithCancel(context.Background())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx, listener) }()

	url := "ws://" + listener.Addr().String() + Path
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)
	hub.Broadcast(session.Event{Type: session.EventConnectionDrop, Address: "aa"})
	assert.Equal(t, "connectionDrop", readMessage(t, conn).Type)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
