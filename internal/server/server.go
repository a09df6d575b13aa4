// Package server exposes the sync protocol over WebSocket.
//
// Each accepted connection is served by its own goroutine running an
// explicit state machine (see conn.go). The server owns the listener
// lifecycle; protocol handling is delegated to the sync coordinator.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dtavner/calsync/internal/registry"
	syncer "github.com/dtavner/calsync/internal/sync"
)

// SessionResolver yields the authenticated user id for an incoming
// connection. Authentication itself lives outside this module.
type SessionResolver interface {
	ResolveUser(r *http.Request) (string, error)
}

// SessionResolverFunc adapts a function to the SessionResolver interface.
type SessionResolverFunc func(r *http.Request) (string, error)

// ResolveUser implements SessionResolver.
func (f SessionResolverFunc) ResolveUser(r *http.Request) (string, error) {
	return f(r)
}

// TokenResolver resolves the "token" query parameter through a lookup
// function. The default lookup treats the token itself as the user id,
// which is enough for local development and tests.
func TokenResolver(lookup func(token string) (string, error)) SessionResolver {
	if lookup == nil {
		lookup = func(token string) (string, error) { return token, nil }
	}
	return SessionResolverFunc(func(r *http.Request) (string, error) {
		token := r.URL.Query().Get("token")
		if token == "" {
			return "", fmt.Errorf("missing session token")
		}
		return lookup(token)
	})
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default :8787; use ":0" for a random port).
	Addr string

	// Resolver authenticates incoming connections.
	Resolver SessionResolver

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:     ":8787",
		Resolver: TokenResolver(nil),
		Logger:   log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server accepts device connections and feeds them to the coordinator.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	coordinator *syncer.Coordinator
	resolver    SessionResolver
	logger      *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sync server over the given coordinator.
func New(coordinator *syncer.Coordinator, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if config.Resolver == nil {
		config.Resolver = TokenResolver(nil)
	}
	if config.Addr == "" {
		config.Addr = ":8787"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        config.Addr,
		coordinator: coordinator,
		resolver:    config.Resolver,
		logger:      config.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins listening and serving connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down: no new connections, open ones
// closed, goroutines drained. Safe to call when Start never ran.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Sync server stopped")
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// handleWebSocket authenticates and upgrades a connection, then hands it
// to a per-connection state machine goroutine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.resolver.ResolveUser(r)
	if err != nil {
		s.logger.Printf("Rejected connection: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := newConn(s, ws, userID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run(s.ctx)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok"}`)
}

// wsTransport adapts a websocket connection to registry.Transport.
type wsTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

// Send implements registry.Transport.
func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if !t.Open() {
		return fmt.Errorf("transport closed")
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.markClosed()
		return fmt.Errorf("transport write failed: %w", err)
	}
	return nil
}

// Open implements registry.Transport.
func (t *wsTransport) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close implements registry.Transport.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

func (t *wsTransport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

var _ registry.Transport = (*wsTransport)(nil)
