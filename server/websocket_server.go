package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

// Options configure the scripted realtime service
type Options struct {
	Addr string
	// APIKey, when set, must match the api-key header of every dial
	APIKey string
	// Responder reacts to client events. Nil leaves the connection fully
	// under the control of whoever calls Accept.
	Responder Responder
	Log       pslog.Logger
}

// Server is a local stand-in for the realtime speech service. It speaks the
// same wire protocol and is used by tests and for offline development.
type Server struct {
	opts       Options
	log        pslog.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader

	conns chan *Conn

	mu     sync.Mutex
	active map[string]*Conn
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	s := &Server{
		opts:   opts,
		log:    log,
		conns:  make(chan *Conn, 16),
		active: make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.httpServer = &http.Server{
		Addr:    opts.Addr,
		Handler: s.Handler(),
		// No ReadTimeout/WriteTimeout, they break long-lived websockets
	}
	return s
}

// Handler returns the routes, for use with httptest
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/openai/realtime", s.handleRealtime)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.log.Info("mock realtime server starting", "addr", s.opts.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes every connection and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down mock realtime server")
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.active))
	for _, c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Accept returns the next connection that completed the handshake
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ActiveCount returns the number of open connections
func (s *Server) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if s.opts.APIKey != "" && r.Header.Get("api-key") != s.opts.APIKey {
		http.Error(w, "invalid api-key", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	if q.Get("deployment") == "" || q.Get("api-version") == "" {
		http.Error(w, "deployment and api-version are required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := newConn(uuid.NewString(), ws, s.log)
	c.Deployment = q.Get("deployment")
	c.APIVersion = q.Get("api-version")

	s.mu.Lock()
	s.active[c.ID] = c
	s.mu.Unlock()
	s.log.Info("realtime session opened", "conn", c.ID[:8], "deployment", c.Deployment)

	select {
	case s.conns <- c:
	default:
		// nobody is accepting; the responder (if any) drives the session
	}

	c.serve(s.opts.Responder)

	s.mu.Lock()
	delete(s.active, c.ID)
	s.mu.Unlock()
	s.log.Info("realtime session closed", "conn", c.ID[:8])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"time":%q}`, s.ActiveCount(), time.Now().UTC().Format(time.RFC3339))
}
