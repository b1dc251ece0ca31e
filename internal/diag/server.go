package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server accepts websocket connections on /diag and streams entries from a
// Store to each of them. Connections are read only for close frames.
type Server struct {
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader
	store    *Store
	nextID   atomic.Uint64
	outSize  int
	log      *zap.Logger

	mu      sync.Mutex
	clients map[uint64]*client
	closed  bool
}

func NewServer(bindAddr string, outSize int, store *Store, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("diag listen %s: %w", bindAddr, err)
	}
	if outSize < 1 {
		outSize = 64
	}
	s := &Server{
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		store:   store,
		outSize: outSize,
		log:     log,
		clients: make(map[uint64]*client),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/diag", s.handle)
	s.http = &http.Server{Handler: mux}
	return s, nil
}

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("diag upgrade failed", zap.Error(err))
		return
	}
	script := r.URL.Query().Get("script")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	id := s.nextID.Add(1)
	c := newClient(conn, id, script, s.outSize, s.log)
	s.clients[id] = c
	s.mu.Unlock()

	s.log.Info("diag client connected", zap.Uint64("client", id), zap.String("addr", conn.RemoteAddr().String()))
	c.run(s.store)

	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
	s.log.Info("diag client gone", zap.Uint64("client", id))
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown stops accepting connections and closes the live ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
