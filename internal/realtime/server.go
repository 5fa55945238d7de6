// Package realtime serves the JSON-RPC protocol over websocket and HTTP,
// the session inspection endpoints, and the WHIP ingest routes.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"home-sentinel/internal/device/whip"
	"home-sentinel/internal/jsonrpc"
	"home-sentinel/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendQueueSize  = 256
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Authentication is handled upstream.
	},
}

// Options configure a Server.
type Options struct {
	Sessions  *session.Registry
	RPC       *jsonrpc.Server
	WHIP      *whip.Handler
	StaticDir string
	Logger    *slog.Logger
}

// Server routes transport messages to the JSON-RPC server.
type Server struct {
	sessions  *session.Registry
	rpc       *jsonrpc.Server
	whip      *whip.Handler
	staticDir string
	logger    *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		sessions:  opts.Sessions,
		rpc:       opts.RPC,
		whip:      opts.WHIP,
		staticDir: opts.StaticDir,
		logger:    opts.Logger,
		clients:   make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// JSON-RPC.
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("POST /rpc", s.handleRPC)

	// Inspection.
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)

	if s.whip != nil {
		s.whip.Register(mux)
	}

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-Match")
		w.Header().Set("Access-Control-Expose-Headers", "Location, ETag")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr, "clients", s.ClientCount())

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection. Each message is
// handled on its own goroutine so a slow call (e.g. ICE gathering) does
// not stall pong processing.
func (c *client) readPump() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if reply := c.server.rpc.HandleMessage(c.ctx, message); reply != nil {
				c.enqueue(reply)
			}
		}()
	}
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn("websocket send queue full, dropping reply")
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	close(c.send)
	s.logger.Debug("websocket client disconnected", "clients", s.ClientCount())
}
