package transport

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketTransport broadcasts measurements as JSON to every
// connected client. Send never blocks: measurements past the rate cap
// or beyond the queue depth are dropped, since a stale reading is
// worthless to a tuner display.
type WebSocketTransport struct {
	path     string
	upgrader websocket.Upgrader
	log      *logrus.Entry

	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	broadcast chan any
	done      chan struct{}
	closeOnce sync.Once

	listener net.Listener
	server   *http.Server

	minInterval time.Duration
	lastSendNS  atomic.Int64
}

// NewWebSocketTransport starts an HTTP server on addr and serves the
// measurement stream at path. maxRateHz caps the broadcast rate;
// values below 1 leave it uncapped. Port 0 picks a free port, which
// Addr reports.
func NewWebSocketTransport(addr, path string, maxRateHz int) (*WebSocketTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket transport: listening on %s: %w", addr, err)
	}

	wst := &WebSocketTransport{
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The stream is read-only telemetry; any origin may watch it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:       logrus.WithField("component", "websocket"),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan any, 256),
		done:      make(chan struct{}),
		listener:  ln,
	}
	if maxRateHz >= 1 {
		wst.minInterval = time.Second / time.Duration(maxRateHz)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, wst.handleWebSocket)
	wst.server = &http.Server{Handler: mux}

	go func() {
		wst.log.WithField("addr", ln.Addr().String()).Info("measurement stream listening")
		if err := wst.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			wst.log.WithError(err).Error("websocket server stopped")
		}
	}()
	go wst.handleBroadcasts()

	return wst, nil
}

// Addr returns the bound listen address, useful when the configured
// port was 0.
func (wst *WebSocketTransport) Addr() string {
	return wst.listener.Addr().String()
}

// ClientCount reports how many clients are currently connected.
func (wst *WebSocketTransport) ClientCount() int {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return len(wst.clients)
}

// handleWebSocket upgrades HTTP connections and registers the client.
func (wst *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wst.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	wst.clientsMu.Lock()
	wst.clients[conn] = true
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	wst.log.WithField("clients", total).Info("client connected")

	// The stream is one-way; the read loop only notices disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		wst.clientsMu.Lock()
		delete(wst.clients, conn)
		total := len(wst.clients)
		wst.clientsMu.Unlock()
		conn.Close()
		wst.log.WithField("clients", total).Info("client disconnected")
	}()
}

// handleBroadcasts fans queued measurements out to every client.
func (wst *WebSocketTransport) handleBroadcasts() {
	for {
		select {
		case <-wst.done:
			return
		case data := <-wst.broadcast:
			wst.clientsMu.Lock()
			for client := range wst.clients {
				if err := client.WriteJSON(data); err != nil {
					wst.log.WithError(err).Debug("dropping client after write error")
					client.Close()
					delete(wst.clients, client)
				}
			}
			wst.clientsMu.Unlock()
		}
	}
}

// Send queues data for broadcast. It never blocks and never fails;
// data past the rate cap or a full queue is silently dropped.
func (wst *WebSocketTransport) Send(data any) error {
	if wst.minInterval > 0 {
		now := time.Now().UnixNano()
		last := wst.lastSendNS.Load()
		if now-last < int64(wst.minInterval) {
			return nil
		}
		if !wst.lastSendNS.CompareAndSwap(last, now) {
			return nil // a concurrent Send won this slot
		}
	}

	select {
	case wst.broadcast <- data:
	default:
	}
	return nil
}

// Close disconnects all clients, stops the broadcaster, and shuts the
// server down. Safe to call more than once.
func (wst *WebSocketTransport) Close() error {
	wst.closeOnce.Do(func() { close(wst.done) })

	wst.clientsMu.Lock()
	for client := range wst.clients {
		client.Close()
	}
	wst.clients = make(map[*websocket.Conn]bool)
	wst.clientsMu.Unlock()

	if wst.server != nil {
		return wst.server.Close()
	}
	return nil
}

var _ Transport = (*WebSocketTransport)(nil)
