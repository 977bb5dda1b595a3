// Package web exposes the REST API, the live event stream and the metrics
// endpoint.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
	"github.com/lcalzada-xor/netinsight/internal/telemetry"
)

const (
	writeDeadline  = 5 * time.Second
	retryDeadline  = 2 * time.Second
	readBufferSize = 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: readBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range []string{
			"http://localhost:8080",
			"http://127.0.0.1:8080",
			"http://[::1]:8080",
		} {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// subscriber is one connected client. The connection is only ever written
// from its writePump goroutine; everyone else enqueues on send.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// shutdown closes the connection and wakes the pumps. Safe to call from
// any goroutine, any number of times.
func (s *subscriber) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Hub fans events out to connected websocket clients. It implements
// ports.Notifier; Publish never blocks, it hands the event to each client's
// buffered queue and the per-client writer does the rest.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*subscriber]struct{}
}

// NewHub returns a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*subscriber]struct{}),
	}
}

// HandleWebSocket upgrades the request, registers the client and starts its
// pumps. Inbound messages are drained and discarded; the stream is one-way.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[sub] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	telemetry.Subscribers.Set(float64(count))

	h.logger.Info("subscriber connected", "remote", r.RemoteAddr, "subscribers", count)

	go h.writePump(sub)
	go h.readPump(sub)
}

// readPump drains inbound frames until the peer goes away.
func (h *Hub) readPump(s *subscriber) {
	defer h.remove(s)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump owns all writes to the connection. A write that misses the
// deadline gets one retry on a shorter one; a second failure drops the
// client.
func (h *Hub) writePump(s *subscriber) {
	defer h.remove(s)
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err == nil {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(retryDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Info("dropping slow subscriber", "error", err)
				return
			}
		}
	}
}

// Publish broadcasts the event to every connected client without blocking.
// A client whose queue is full is disconnected rather than holding up the
// caller.
func (h *Hub) Publish(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.clients))
	for s := range h.clients {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.send <- data:
		case <-s.done:
		default:
			h.logger.Info("dropping subscriber with full send queue")
			h.remove(s)
		}
	}
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.clients))
	for s := range h.clients {
		subs = append(subs, s)
	}
	h.clients = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	telemetry.Subscribers.Set(0)
}

func (h *Hub) remove(s *subscriber) {
	s.shutdown()
	h.mu.Lock()
	delete(h.clients, s)
	count := len(h.clients)
	h.mu.Unlock()
	telemetry.Subscribers.Set(float64(count))
}

var _ ports.Notifier = (*Hub)(nil)
