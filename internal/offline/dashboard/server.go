// Package dashboard serves queue status over HTTP and pushes drain summaries
// to WebSocket clients.
//
// Besides the read endpoints it exposes the manual actions: retry one item,
// retry all failed items, and drain now.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/metrics"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/syncer"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSummary carries a drain summary.
	MessageTypeSummary MessageType = "sync_summary"

	// MessageTypeStats carries queue counts by status.
	MessageTypeStats MessageType = "stats"

	// MessageTypeConnectivity carries an online/offline transition.
	MessageTypeConnectivity MessageType = "connectivity"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConnectivityData is the payload of a connectivity message.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// Coordinator is the sync surface the dashboard drives.
type Coordinator interface {
	DrainAll(ctx context.Context) syncer.Summary
	RetryOne(ctx context.Context, id int64) (syncer.Summary, error)
	RetryAll(ctx context.Context) (syncer.Summary, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Lister reads queue items.
type Lister interface {
	List(ctx context.Context) ([]*queue.Item, error)
	ListFailed(ctx context.Context) ([]*queue.Item, error)
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8080")
	Addr string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8080",
		Logger: zap.NewNop(),
	}
}

// Server manages HTTP routes, WebSocket connections and broadcasts.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	router   chi.Router

	coord   Coordinator
	items   Lister
	metrics *metrics.Metrics

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewServer creates a dashboard server. The broadcast loop starts
// immediately; Start only begins listening.
func NewServer(coord Coordinator, items Lister, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      config.Addr,
		coord:     coord,
		items:     items,
		metrics:   config.Metrics,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("dashboard"),
	}
	s.router = s.routes()

	s.wg.Add(1)
	go s.broadcastLoop()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.handleQueue)
		r.Get("/failed", s.handleFailed)
		r.Post("/retry-all", s.handleRetryAll)
		r.Post("/{id}/retry", s.handleRetry)
	})
	r.Post("/sync", s.handleSync)
	return r
}

// Handler returns the HTTP handler, for mounting or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop closes client connections and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients. It never blocks; when
// the buffer is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("client connected", zap.Int("clients", clientCount))

	// Greet with the current counts.
	if msg, err := s.statsMessage(r.Context()); err == nil {
		data, _ := json.Marshal(msg)
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("client disconnected", zap.Int("clients", clientCount))
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) statsMessage(ctx context.Context) (Message, error) {
	st, err := s.coord.Stats(ctx)
	if err != nil {
		return Message{}, err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

type queueResponse struct {
	Stats queue.Stats   `json:"stats"`
	Items []*queue.Item `json:"items"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.items.List(r.Context())
	if err != nil {
		writeErr(w, "queue_unavailable", err.Error(), http.StatusInternalServerError)
		return
	}
	st, err := s.coord.Stats(r.Context())
	if err != nil {
		writeErr(w, "queue_unavailable", err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{Stats: st, Items: items})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	items, err := s.items.ListFailed(r.Context())
	if err != nil {
		writeErr(w, "queue_unavailable", err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{Stats: queue.Stats{Failed: len(items)}, Items: items})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, "invalid_id", "id must be a positive integer", http.StatusBadRequest)
		return
	}
	sum, err := s.coord.RetryOne(r.Context(), id)
	if err != nil {
		writeErr(w, "retry_failed", err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	sum, err := s.coord.RetryAll(r.Context())
	if err != nil {
		writeErr(w, "retry_failed", err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.DrainAll(r.Context()))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Outbox Dashboard</title>
</head>
<body>
    <h1>Outbox Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Queue: <a href="/queue">/queue</a> &middot; failed: <a href="/queue/failed">/queue/failed</a></p>
    <p>Health check: <a href="/health">/health</a> &middot; metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code, desc string, status int) {
	writeJSON(w, status, map[string]any{
		"error": code, "error_description": desc,
	})
}
