// Package admin exposes the operator surface of the bot service:
// Prometheus metrics, a health probe, and a live websocket feed of the
// core's bus events.
package admin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filegram-io/filegram/core/infra/bus"
	"github.com/filegram-io/filegram/core/infra/logging"
	"github.com/filegram-io/filegram/core/infra/metrics"
)

const component = "admin"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HealthCheck probes a dependency; non-nil means unhealthy.
type HealthCheck func(ctx context.Context) error

// Server is the admin HTTP listener.
type Server struct {
	addr   string
	events bus.Bus
	health HealthCheck

	eventsCh  chan []byte
	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]chan []byte

	httpSrv *http.Server
}

// Option tunes a Server.
type Option func(*Server)

// WithHealthCheck attaches a dependency probe to /healthz.
func WithHealthCheck(h HealthCheck) Option {
	return func(s *Server) { s.health = h }
}

// New builds an admin server that taps every core event on the bus.
func New(addr string, events bus.Bus, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		events:   events,
		eventsCh: make(chan []byte, 256),
		clients:  make(map[*websocket.Conn]chan []byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes the event tap and serves HTTP until Shutdown. It
// blocks; run it in a goroutine.
func (s *Server) Start() error {
	if err := s.events.Subscribe(bus.SubjectAll, "", func(_ string, data []byte) error {
		select {
		case s.eventsCh <- data:
		default:
			// feed is best-effort; drop rather than block the bus
		}
		return nil
	}); err != nil {
		logging.Error(component, "event tap subscribe failed", "error", err)
	}
	go s.broadcast()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logging.Info(component, "listening", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the admin mux without binding a listener. Used by
// tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// broadcast fans bus events out to connected websocket clients,
// dropping clients that cannot keep up.
func (s *Server) broadcast() {
	for data := range s.eventsCh {
		var slow []*websocket.Conn
		s.clientsMu.RLock()
		for conn, ch := range s.clients {
			select {
			case ch <- data:
			default:
				slow = append(slow, conn)
			}
		}
		s.clientsMu.RUnlock()

		if len(slow) > 0 {
			s.clientsMu.Lock()
			for _, conn := range slow {
				delete(s.clients, conn)
			}
			s.clientsMu.Unlock()
			for _, conn := range slow {
				if err := conn.Close(); err != nil {
					logging.Warn(component, "slow client close failed", "error", err)
				}
			}
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(component, "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info(component, "event feed connected", "remote", r.RemoteAddr)

	clientCh := make(chan []byte, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	for {
		select {
		case msg, ok := <-clientCh:
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
