// Package server is the socket server's HTTP side: the upgrade gateway, the
// per-connection pumps and the registration protocol that classifies each
// socket as a TV or an admin dashboard.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/tvfleet/internal/config"
	"github.com/markus-barta/tvfleet/internal/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusSync is told when a TV binds to and loses its socket. OnConnect
// returns the correlation id the TV was marked online under, and
// OnDisconnect receives it back.
type StatusSync interface {
	OnConnect(ctx context.Context, tvID string) (socketID string, known bool)
	OnDisconnect(ctx context.Context, tvID, socketID string)
}

// Server accepts WebSocket connections and hands them to the registration
// protocol.
type Server struct {
	cfg      config.ServerConfig
	log      zerolog.Logger
	reg      *registry.Registry
	status   StatusSync
	router   *chi.Mux
	upgrader websocket.Upgrader

	// ctx outlives individual requests; status calls run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

// New creates a server. status may be nil when no store is attached.
func New(cfg config.ServerConfig, reg *registry.Registry, status StatusSync, log zerolog.Logger) *Server {
	if status == nil {
		status = nopStatus{}
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "server").Logger(),
		reg:     reg,
		status:  status,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(s.rejectStrayUpgrades)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/connections", s.handleConnections)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket (TVs and admin dashboards)
	if s.cfg.RateLimit > 0 {
		r.With(httprate.LimitByIP(s.cfg.RateLimit, time.Minute)).Get(s.cfg.WSPath, s.handleWebSocket)
	} else {
		r.Get(s.cfg.WSPath, s.handleWebSocket)
	}

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// rejectStrayUpgrades drops WebSocket upgrade attempts on any path other than
// the socket path. The TCP connection is closed without a handshake or an
// HTTP response.
func (s *Server) rejectStrayUpgrades(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.cfg.WSPath || !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		s.log.Debug().
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Msg("destroying upgrade request for unknown path")

		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		_ = conn.Close()
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Devices and scripts don't send one.
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Serve listens until ctx is cancelled, then shuts down HTTP and closes every
// open socket. It implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Str("ws_path", s.cfg.WSPath).Msg("starting socket server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down socket server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	s.Shutdown(shutdownCtx)
	return ctx.Err()
}

// Shutdown closes every open socket and waits, bounded by ctx, for their
// disconnect handling to finish.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Int("sockets", len(clients)).Msg("timed out waiting for sockets to close")
	}
	s.cancel()
}

func (s *Server) String() string {
	return "socket-server"
}

func (s *Server) track(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

type nopStatus struct{}

func (nopStatus) OnConnect(context.Context, string) (string, bool) { return "", false }
func (nopStatus) OnDisconnect(context.Context, string, string)     {}
