// Package eventfeed broadcasts session events as JSON to WebSocket clients.
package eventfeed

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/groutine"
	"github.com/srg/teleble/internal/session"
)

const (
	// Path is where the feed is served.
	Path = "/ws"

	sendBufferSize = 64
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = pongWait * 9 / 10
)

// Message is the JSON form of a session event.
type Message struct {
	Type    string    `json:"type"`
	Address string    `json:"address"`
	Time    time.Time `json:"time"`
	Data    string    `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
}

// NewMessage converts ev; payloads are hex encoded.
func NewMessage(ev session.Event) Message {
	m := Message{
		Type:    string(ev.Type),
		Address: ev.Address,
		Time:    ev.Time.UTC(),
	}
	if len(ev.Data) > 0 {
		m.Data = hex.EncodeToString(ev.Data)
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	if ev.Type == session.EventStateChanged {
		m.From, m.To = ev.From.String(), ev.To.String()
	}
	return m
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub tracks connected clients. Slow clients drop messages rather than
// blocking the broadcaster.
type Hub struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{logger: logger, clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithField("error", err).Warn("WebSocket upgrade failed")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBufferSize)}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	groutine.Go(context.Background(), "eventfeed-write-"+c.id[:8], func(context.Context) { h.writePump(c) })
	groutine.Go(context.Background(), "eventfeed-read-"+c.id[:8], func(context.Context) { h.readPump(c) })
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.WithFields(logrus.Fields{
		"client":  c.id,
		"clients": len(h.clients),
	}).Debug("Event feed client connected")
	return true
}

// unregister closes the send channel once, whoever gets here first.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
		h.logger.WithField("client", c.id).Debug("Event feed client disconnected")
	}
}

// readPump only serves pongs and close frames; client messages are ignored.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithField("error", err).Debug("Event feed read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast sends ev to every connected client.
func (h *Hub) Broadcast(ev session.Event) {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.WithField("client", c.id).Debug("Event feed client too slow, message dropped")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Attach broadcasts every event of stream until it closes or ctx is done.
func (h *Hub) Attach(ctx context.Context, stream *session.EventStream) {
	groutine.Go(ctx, "eventfeed-attach", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stream.C():
				if !ok {
					return
				}
				h.Broadcast(ev)
			}
		}
	})
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Serve runs an HTTP server exposing the hub at Path until ctx is done.
func (h *Hub) Serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	groutine.Go(ctx, "eventfeed-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	h.logger.WithField("addr", listener.Addr().String()).Info("Event feed listening")
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves the hub until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, listener)
}
