// Package gateway serves the HTTP and WebSocket API that browsers use to
// reach the shared store.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/loopsync/internal/gateway/api"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/presence"
	"github.com/goodtune/loopsync/internal/session"
	"github.com/goodtune/loopsync/internal/stats"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/gorilla/mux"
	"github.com/jub0bs/fcors"
	"github.com/rs/zerolog"
)

// Config holds the gateway configuration.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	RateLimit       int
	RateLimitWindow time.Duration
	ClipDuration    float64
}

// Server represents the gateway HTTP server.
type Server struct {
	config      Config
	store       storage.Store
	controller  *session.Controller
	reaper      *presence.Reaper
	poller      *stats.Poller
	clock       playback.Clock
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger
}

// NewServer creates a new gateway server.
func NewServer(cfg Config, store storage.Store, reaper *presence.Reaper, poller *stats.Poller, clock playback.Clock, logger zerolog.Logger) (*Server, error) {
	if clock == nil {
		clock = playback.RealClock{}
	}

	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 600 // Default: 600 writes per minute per address
	}
	rateLimitWindow := cfg.RateLimitWindow
	if rateLimitWindow == 0 {
		rateLimitWindow = time.Minute
	}

	logger = logger.With().Str("component", "gateway").Logger()

	s := &Server{
		config:      cfg,
		store:       store,
		controller:  session.NewController(store.Clock(), clock, logger),
		reaper:      reaper,
		poller:      poller,
		clock:       clock,
		rateLimiter: NewRateLimiter(rateLimit, rateLimitWindow),
		router:      mux.NewRouter(),
		logger:      logger,
	}

	s.setupRoutes()

	cors, err := newCORS(cfg.AllowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("invalid CORS configuration: %w", err)
	}

	s.server = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     cors(s.router),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// newCORS builds the CORS middleware; no configured origins means any origin
func newCORS(origins []string) (func(http.Handler) http.Handler, error) {
	originOpt := fcors.FromAnyOrigin()
	if len(origins) > 0 && origins[0] != "*" {
		originOpt = fcors.FromOrigins(origins[0], origins[1:]...)
	}

	return fcors.AllowAccess(
		originOpt,
		fcors.WithMethods(
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		),
		fcors.WithRequestHeaders("Content-Type"),
	)
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Reads
	clockHandler := api.NewClockHandler(s.store.Clock(), s.controller, s.clock, s.config.ClipDuration, s.logger)
	usersHandler := api.NewUsersHandler(s.store.Presence(), s.reaper, s.clock, s.logger)
	statsHandler := api.NewStatsHandler(s.poller, s.logger)
	eventsHandler := api.NewEventsHandler(s.store, s.logger)

	s.router.HandleFunc("/api/clock", clockHandler.Get).Methods("GET")
	s.router.HandleFunc("/api/users", usersHandler.List).Methods("GET")
	s.router.HandleFunc("/api/users/departed", usersHandler.Departed).Methods("GET")
	s.router.HandleFunc("/api/users/{id}", usersHandler.Get).Methods("GET")
	s.router.HandleFunc("/api/stats", statsHandler.Get).Methods("GET")
	s.router.HandleFunc("/api/events", eventsHandler.Stream).Methods("GET")

	// Writes are rate limited per client address
	writes := s.router.NewRoute().Subrouter()
	writes.Use(RateLimitMiddleware(s.rateLimiter))

	writes.HandleFunc("/api/clock/restart", clockHandler.Restart).Methods("POST")
	writes.HandleFunc("/api/clock/loop", clockHandler.ToggleLoop).Methods("POST")
	writes.HandleFunc("/api/clock/loop", clockHandler.SetLoop).Methods("PUT")
	writes.HandleFunc("/api/users/{id}", usersHandler.Put).Methods("PUT")
	writes.HandleFunc("/api/users/{id}", usersHandler.Delete).Methods("DELETE")
	writes.HandleFunc("/api/users/{id}/heartbeat", usersHandler.Heartbeat).Methods("POST")
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the gateway HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting gateway server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated gateway listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping gateway server")
	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Presence().List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"users":  len(users),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}
