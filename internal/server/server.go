// Package server wires the chat room together and exposes it over HTTP:
// the websocket endpoint, health and metrics, and the admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/williamchildres/terminal-messenger/internal/announce"
	"github.com/williamchildres/terminal-messenger/internal/auth"
	"github.com/williamchildres/terminal-messenger/internal/command"
	"github.com/williamchildres/terminal-messenger/internal/config"
	"github.com/williamchildres/terminal-messenger/internal/history"
	"github.com/williamchildres/terminal-messenger/internal/hub"
	"github.com/williamchildres/terminal-messenger/internal/metrics"
	"github.com/williamchildres/terminal-messenger/internal/monitoring"
	"github.com/williamchildres/terminal-messenger/internal/protocol"
	"github.com/williamchildres/terminal-messenger/internal/session"
)

// Server owns the room state and the HTTP surface in front of it.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry   *hub.Registry
	router     *hub.Router
	dispatcher *command.Dispatcher
	history    *history.Ring
	creds      *auth.Store
	tokens     *auth.TokenManager
	bridge     *announce.Bridge
	sampler    *monitoring.Sampler

	httpSrv   *http.Server
	listener  net.Listener
	sessions  sync.WaitGroup
	liveConns atomic.Int64
	maxConns  int

	runCtx  context.Context
	runStop context.CancelFunc

	startedAt time.Time
}

// New builds a server from validated configuration. Nothing is listening
// yet; call Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	users, err := config.ParseUsers(cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("parse chat users: %w", err)
	}
	creds, err := auth.NewStore(users)
	if err != nil {
		return nil, fmt.Errorf("build credential store: %w", err)
	}

	registry := hub.NewRegistry(logger)
	router := hub.NewRouter(registry, logger)

	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "server").Logger(),
		registry:   registry,
		router:     router,
		dispatcher: command.NewDispatcher(registry, router, logger),
		history:    history.NewRing(cfg.HistorySize),
		creds:      creds,
		sampler:    monitoring.NewSampler(cfg.MetricsInterval, logger),
		startedAt:  time.Now(),
	}
	s.runCtx, s.runStop = context.WithCancel(context.Background())

	s.maxConns = cfg.MaxConnections
	if s.maxConns == 0 {
		s.maxConns = monitoring.EstimateMaxConnections(cfg.SendBuffer)
		s.logger.Info().Int("max_connections", s.maxConns).Msg("connection cap derived from memory limit")
	}

	if cfg.AdminEnabled() {
		s.tokens = auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	}
	return s, nil
}

// Handler returns the full HTTP surface. Exposed separately so tests can
// mount it without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if s.tokens != nil {
		mux.HandleFunc("/api/login", s.handleLogin)
		mux.HandleFunc("/api/users", s.tokens.Middleware(s.handleUsers))
		mux.HandleFunc("/api/announce", s.tokens.Middleware(s.handleAnnounce))
	}
	return mux
}

// Start opens the listener, connects the announcement bridge when one is
// configured, and begins serving. It returns once the listener is up.
func (s *Server) Start() error {
	if s.cfg.NATSURL != "" {
		bridge, err := announce.Connect(s.cfg.NATSURL, s.cfg.NATSSubject, s.deliverAnnouncement, s.logger)
		if err != nil {
			s.runStop()
			return fmt.Errorf("announcement bridge: %w", err)
		}
		s.bridge = bridge
	}

	s.sampler.Start(s.runCtx)

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.runStop()
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
	return nil
}

// Addr returns the bound listen address, useful when the configured port
// is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr()
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, tears down every live session,
// and waits for them within the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down")

	var httpErr error
	if s.httpSrv != nil {
		httpErr = s.httpSrv.Shutdown(ctx)
	}

	// Upgraded connections are hijacked from net/http, so they are
	// stopped through the run context instead.
	s.runStop()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown deadline hit with sessions still open")
		return ctx.Err()
	}

	if s.bridge != nil {
		s.bridge.Close()
	}
	s.sampler.Wait()
	s.logger.Info().Msg("shutdown complete")
	return httpErr
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.liveConns.Load() >= int64(s.maxConns) {
		metrics.ConnectionsRejectedTotal.Inc()
		s.logger.Warn().Int64("live", s.liveConns.Load()).Int("limit", s.maxConns).Msg("rejecting connection at capacity")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(conn, session.Config{
		PingInterval:    s.cfg.PingInterval,
		PongTimeout:     s.cfg.PongTimeout,
		MaxAuthAttempts: s.cfg.AuthMaxAttempts,
		SendBuffer:      s.cfg.SendBuffer,
	}, session.Deps{
		Registry:    s.registry,
		Router:      s.router,
		Dispatcher:  s.dispatcher,
		Credentials: s.creds,
		History:     s.history,
	}, s.logger)

	s.liveConns.Add(1)
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		defer s.liveConns.Add(-1)
		sess.Serve(s.runCtx)
	}()
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Connections   int     `json:"connections"`
	HistorySize   int     `json:"history_size"`
	MemoryMB      float64 `json:"memory_mb"`
	Goroutines    int     `json:"goroutines"`
	NATSConnected *bool   `json:"nats_connected,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.sampler.Stats()
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Connections:   s.registry.Len(),
		HistorySize:   s.history.Len(),
		MemoryMB:      float64(stats.MemoryBytes) / 1024.0 / 1024.0,
		Goroutines:    stats.Goroutines,
	}
	if s.bridge != nil {
		connected := s.bridge.Connected()
		resp.NATSConnected = &connected
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// deliverAnnouncement drops an operator message into the room: recorded
// in history and fanned out like any other system line.
func (s *Server) deliverAnnouncement(text string) {
	e := protocol.NewSystem(text)
	s.history.Append(e)
	s.router.FanOut(e)
}
