// Package server exposes the agent over a WebSocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mstrand/valet/internal/agent"
	"github.com/mstrand/valet/internal/config"
	"github.com/mstrand/valet/internal/connwatch"
	"github.com/mstrand/valet/internal/events"
)

// Server accepts WebSocket clients and routes their messages through
// the agent.
type Server struct {
	cfg      config.ListenConfig
	agent    *agent.Agent
	sessions *agent.Registry
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	httpSrv   *http.Server
	connWatch *connwatch.Manager

	connMu sync.Mutex
	conns  map[*conn]struct{}
}

// New creates a server. bus may be nil; reminder push is then disabled.
func New(cfg config.ListenConfig, ag *agent.Agent, sessions *agent.Registry, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		agent:    ag,
		sessions: sessions,
		bus:      bus,
		logger:   logger,
		conns:    make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetConnWatch attaches a connection watch manager whose per-service
// health appears in the /health response. Call before Start.
func (s *Server) SetConnWatch(m *connwatch.Manager) {
	s.connWatch = m
}

// checkOrigin allows any origin when no allowlist is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withLogging(mux)
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Address, fmt.Sprintf("%d", s.cfg.Port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.bus != nil {
		go s.forwardReminders(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket server listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("websocket server shutting down")
	s.closeAllConns()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	clientID := uuid.NewString()
	c := &conn{
		ws:       ws,
		clientID: clientID,
		logger:   s.logger.With("client_id", clientID),
		state:    stateConnecting,
	}

	s.connMu.Lock()
	s.conns[c] = struct{}{}
	total := len(s.conns)
	s.connMu.Unlock()

	c.logger.Info("client connected", "remote", r.RemoteAddr, "connections", total)
	s.bus.Publish(events.Event{
		Source: events.SourceServer,
		Kind:   events.KindConnectionOpen,
		Data:   map[string]any{"client_id": clientID},
	})

	defer func() {
		ws.Close()
		s.connMu.Lock()
		delete(s.conns, c)
		remaining := len(s.conns)
		s.connMu.Unlock()
		c.logger.Info("client disconnected", "connections", remaining)
		s.bus.Publish(events.Event{
			Source: events.SourceServer,
			Kind:   events.KindConnectionClosed,
			Data:   map[string]any{"client_id": clientID},
		})
	}()

	if err := c.writeJSON(connectionEnvelope{
		Type:     "connection",
		Status:   "connected",
		Message:  "Connected to Valet. Send a message to get started.",
		ClientID: clientID,
	}); err != nil {
		c.logger.Debug("connection envelope write failed", "error", err)
		return
	}
	c.setState(stateOpen)

	s.readLoop(r.Context(), c)
}

// forwardReminders pushes notifier reminders to every open connection.
func (s *Server) forwardReminders(ctx context.Context) {
	ch := s.bus.Subscribe(16)
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.KindReminderDue {
				continue
			}
			payload, err := reminderFromEvent(e)
			if err != nil {
				s.logger.Warn("unusable reminder event", "error", err)
				continue
			}
			s.broadcast(payload)
		}
	}
}

func reminderFromEvent(e events.Event) (reminderEnvelope, error) {
	raw, ok := e.Data["schedule"].(json.RawMessage)
	if !ok {
		// The bus carries map[string]any; re-encode anything else.
		encoded, err := json.Marshal(e.Data["schedule"])
		if err != nil {
			return reminderEnvelope{}, fmt.Errorf("encode reminder schedule: %w", err)
		}
		raw = encoded
	}
	return reminderEnvelope{Type: "reminder", Schedule: raw}, nil
}

func (s *Server) broadcast(v any) {
	s.connMu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.connMu.Unlock()

	for _, c := range targets {
		if err := c.writeJSON(v); err != nil {
			c.logger.Debug("broadcast write failed", "error", err)
		}
	}
}

func (s *Server) closeAllConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		c.setState(stateClosing)
		c.ws.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.connMu.Lock()
	connections := len(s.conns)
	s.connMu.Unlock()

	body := map[string]any{
		"status":      "ok",
		"connections": connections,
		"sessions":    s.sessions.Count(),
	}
	if s.connWatch != nil {
		body["services"] = s.connWatch.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// withLogging logs each HTTP request after it completes.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}
