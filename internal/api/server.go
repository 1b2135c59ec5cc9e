// Package api exposes the collaboration server over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/serroba/patchsync/internal/auth"
	"github.com/serroba/patchsync/internal/collab"
	"github.com/serroba/patchsync/internal/ws"
)

// Heartbeat defaults.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second
)

// Server handles HTTP requests for the collaboration API.
type Server struct {
	manager  *collab.Manager
	hub      *ws.Hub
	verifier *auth.Verifier
	logger   *slog.Logger
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration
	queueSize    int
}

// ServerConfig holds configuration for creating a server.
type ServerConfig struct {
	Manager  *collab.Manager
	Hub      *ws.Hub
	Verifier *auth.Verifier
	Logger   *slog.Logger

	// PingInterval is how often connections are pinged. PongWait is how
	// long a connection may stay silent before it is dropped; it must be
	// longer than PingInterval.
	PingInterval time.Duration
	PongWait     time.Duration

	// QueueSize bounds the outbound queue of each connection.
	QueueSize int
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Verifier == nil {
		cfg.Verifier = auth.NewVerifier(auth.Config{})
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}

	return &Server{
		manager:      cfg.Manager,
		hub:          cfg.Hub,
		verifier:     cfg.Verifier,
		logger:       cfg.Logger,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		queueSize:    cfg.QueueSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true // Clients authenticate with tokens, not cookies
			},
		},
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware(s.logger), loggingMiddleware(s.logger))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)

	authed.HandleFunc("/documents", s.handleCreateDocument).Methods(http.MethodPost)
	authed.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	authed.HandleFunc("/documents/{id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	authed.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	return r
}

// Shutdown tells every connection the server is going away, so clients do
// not reconnect on their own, then closes all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.DisconnectAll(websocket.CloseGoingAway, "server shutting down")

	return s.manager.CloseAll(ctx)
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Clients  int    `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.manager.SessionCount(),
		Clients:  s.hub.TotalClients(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}
