// Package relay streams orchestration events to UI clients over websockets.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/troupehq/troupe/internal/events"
)

const clientBufferSize = 64

// Relay serves a /ws endpoint and broadcasts every core event as a JSON
// message. Slow clients get dropped rather than ever backing up the bus.
type Relay struct {
	addr     string
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	server *http.Server
	unsub  func()
}

type client struct {
	conn *websocket.Conn
	send chan events.Event
	done chan struct{}
}

func New(addr string, logger *log.Logger) *Relay {
	return &Relay{
		addr:   addr,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start begins listening and subscribes to the full event stream. It
// returns once the listener is bound so callers can treat a busy port as a
// startup error.
func (r *Relay) Start(bus *events.Bus) error {
	listener, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", r.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWS)
	r.server = &http.Server{Handler: mux}

	r.addr = listener.Addr().String()
	r.unsub = bus.SubscribeAll(r.broadcast)

	go func() {
		if err := r.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.logf("relay server error: %v", err)
		}
	}()

	r.logf("relay listening addr=%s", r.addr)
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (r *Relay) Addr() string {
	return r.addr
}

func (r *Relay) Stop(ctx context.Context) error {
	if r.unsub != nil {
		r.unsub()
	}

	r.mu.Lock()
	for c := range r.clients {
		close(c.done)
	}
	r.clients = make(map[*client]struct{})
	r.mu.Unlock()

	if r.server != nil {
		return r.server.Shutdown(ctx)
	}
	return nil
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logf("relay upgrade error: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan events.Event, clientBufferSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	go r.writeLoop(c)
	go r.readLoop(c)
}

func (r *Relay) broadcast(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		select {
		case c.send <- ev:
		default:
			// client can't keep up, disconnect it
			delete(r.clients, c)
			close(c.done)
		}
	}
}

func (r *Relay) writeLoop(c *client) {
	defer c.conn.Close()
	for {
		select {
		case ev := <-c.send:
			payload, err := json.Marshal(ev)
			if err != nil {
				r.logf("relay marshal error: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				r.remove(c)
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

// readLoop drains and discards inbound messages; the relay is one-way but
// reads are needed to notice a closed connection.
func (r *Relay) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			r.remove(c)
			return
		}
	}
}

func (r *Relay) remove(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.done)
	}
}

func (r *Relay) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
