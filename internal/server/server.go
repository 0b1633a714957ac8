// Package server is the ECP transport: it accepts WebSocket connections,
// walks each one through the authentication handshake, and runs the
// per-connection multiplexing loop that feeds the router.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/zorz/ultra-ecp-sub000/internal/broadcast"
	"github.com/zorz/ultra-ecp-sub000/internal/config"
	"github.com/zorz/ultra-ecp-sub000/internal/logger"
	"github.com/zorz/ultra-ecp-sub000/internal/registry"
	"github.com/zorz/ultra-ecp-sub000/internal/router"
	"github.com/zorz/ultra-ecp-sub000/internal/securemem"
)

// Server accepts ECP connections and owns the shared core: the registry,
// the router, and the process-wide notification channel.
type Server struct {
	cfg      *config.Config
	version  string
	token    *securemem.String
	registry *registry.Registry
	router   *router.Router
	notifier *broadcast.Broadcaster
	log      *logger.Logger

	httpServer      *http.Server
	certFingerprint string

	// defaultWorkspaceID is set when a default workspace was pre-opened at
	// startup; connections with no workspace of their own fall back to it.
	defaultWorkspaceID string

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// New creates a server over the given core components. The shared secret,
// if any, is moved into protected memory immediately.
func New(cfg *config.Config, version string, reg *registry.Registry, rt *router.Router) *Server {
	var token *securemem.String
	if cfg.Auth.Token != "" {
		token = securemem.NewString(cfg.Auth.Token)
		cfg.Auth.Token = ""
	}

	return &Server{
		cfg:      cfg,
		version:  version,
		token:    token,
		registry: reg,
		router:   rt,
		notifier: broadcast.New(0),
		log:      logger.Global().WithScope("server"),
		clients:  make(map[string]*Client),
	}
}

// SetDefaultWorkspace records the pre-opened default workspace id.
func (s *Server) SetDefaultWorkspace(id string) {
	s.defaultWorkspaceID = id
}

// DefaultWorkspace returns the default workspace id, or empty.
func (s *Server) DefaultWorkspace() string {
	return s.defaultWorkspaceID
}

// Notifier returns the process-wide notification channel. Global services
// publish server-level events through it.
func (s *Server) Notifier() *broadcast.Broadcaster {
	return s.notifier
}

// routes builds the HTTP endpoint table.
func (s *Server) routes() http.Handler {
	mux := httprouter.New()
	mux.GET("/ecp", s.handleUpgrade)
	mux.GET("/healthz", s.handleHealth)
	return mux
}

// Start begins listening. It returns once the listener is running; serve
// errors are logged from the background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Listen,
		Handler:     s.routes(),
		ReadTimeout: 60 * time.Second,
	}

	if s.cfg.TLSEnabled() {
		fp, err := certFingerprint(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.certFingerprint = fp

		go func() {
			s.log.Info("ECP server listening on wss://%s", s.cfg.Listen)
			err := s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			if err != nil && err != http.ErrServerClosed {
				s.log.Error("HTTPS server error: %v", err)
			}
		}()
		return nil
	}

	go func() {
		s.log.Info("ECP server listening on ws://%s", s.cfg.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down: no new connections, existing clients closed,
// workspaces torn down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping ECP server...")
	s.router.SetLifecycle(router.LifecycleShuttingDown)

	s.mu.Lock()
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Stop()
	}

	s.notifier.Close()
	s.registry.ShutdownAll(ctx)

	if s.token != nil {
		s.token.Destroy()
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// handleUpgrade upgrades an HTTP request to an ECP WebSocket connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	if len(s.clients) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.log.Warn("Connection rejected: limit of %d reached", s.cfg.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	// Legacy clients may present the token on the upgrade request instead
	// of performing the handshake.
	legacyAuthed := false
	if queryToken := r.URL.Query().Get("token"); queryToken != "" {
		if !s.cfg.Auth.AllowLegacyToken || s.token == nil || !s.token.Equal(queryToken) {
			s.log.Warn("Connection rejected: invalid legacy token from %s", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		legacyAuthed = true
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true // local tooling connects from arbitrary origins
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	authed := legacyAuthed || !s.authRequired()
	client := newClient(s, conn, authed)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.log.Info("Client %s connected from %s (legacy_auth=%v)", client.ID, r.RemoteAddr, legacyAuthed)

	go client.writePump()
	go client.readPump()
	go client.run()
}

// handleHealth reports liveness and the current client count.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// removeClient drops the connection record and releases any workspace the
// client still held.
func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.ID)
	s.mu.Unlock()

	s.registry.ClientDisconnected(context.Background(), c.ID)
	s.log.Info("Client %s disconnected", c.ID)
}

func (s *Server) authRequired() bool {
	return s.token != nil && !s.token.IsEmpty()
}

// validateToken compares a presented handshake token against the shared
// secret in constant time.
func (s *Server) validateToken(presented string) bool {
	if s.token == nil {
		return true
	}
	return s.token.Equal(presented)
}

// certFingerprint returns the SHA-256 fingerprint of the leaf certificate,
// lowercase hex, for clients that pin the server identity.
func certFingerprint(certFile, keyFile string) (string, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(pair.Certificate[0])
	return hex.EncodeToString(sum[:]), nil
}
