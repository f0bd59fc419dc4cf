// Package statusserver exposes a local, read-only HTTP status
// endpoint plus a WebSocket event hub for operational visibility.
// Never a control channel — the coordinator is the only entity that
// issues commands, and it does so over its own HTTP API, not this one.
package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"collectoragent/internal/logging"
)

// StatusProvider supplies the current snapshot for /status.
type StatusProvider interface {
	StatusSnapshot() map[string]interface{}
}

// Hub tracks connected WebSocket clients and broadcasts events,
// grounded on the teacher's internal/server/server.go Hub.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) register(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	c.Close()
}

// Broadcast sends an event to every connected client, dropping
// clients whose write fails.
func (h *Hub) Broadcast(event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(h.clients, c)
			c.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the local status HTTP+WebSocket surface.
type Server struct {
	addr     string
	provider StatusProvider
	hub      *Hub
	limiter  *rate.Limiter
	log      *logging.Logger
	httpSrv  *http.Server
}

// New creates a Server listening on addr. The inbound rate limiter
// matches the teacher's apiLimiter shape: a steady-state rate with a
// burst allowance. metrics, when non-nil, is exposed unauthenticated
// at /metrics alongside the other read-only endpoints.
func New(addr string, provider StatusProvider, metrics prometheus.Gatherer, log *logging.Logger) *Server {
	s := &Server{
		addr:     addr,
		provider: provider,
		hub:      newHub(),
		limiter:  rate.NewLimiter(rate.Limit(20), 40),
		log:      log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.rateLimited(s.handleHealthz))
	mux.HandleFunc("/status", s.rateLimited(s.handleStatus))
	mux.HandleFunc("/ws", s.rateLimited(s.handleWS))
	if metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.provider.StatusSnapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed")
		return
	}
	s.hub.register(conn)
	defer s.hub.unregister(conn)

	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast emits an event to every connected status client.
func (s *Server) Broadcast(event interface{}) { s.hub.Broadcast(event) }

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
