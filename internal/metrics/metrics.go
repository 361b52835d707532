package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Presence metrics
	UsersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loopsync_users",
			Help: "Number of connected users per instrument group",
		},
		[]string{"instrument"},
	)

	UsersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loopsync_users_active",
			Help: "Number of users currently playing per instrument group",
		},
		[]string{"instrument"},
	)

	TriggeredSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loopsync_triggered_seconds",
			Help: "Cumulative seconds played by connected users per instrument group",
		},
		[]string{"instrument"},
	)

	SessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loopsync_sessions_reaped_total",
			Help: "Total presence records removed after their lease lapsed",
		},
	)

	// Activation metrics
	HoldStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopsync_hold_starts_total",
			Help: "Total hold-start transitions",
		},
		[]string{"instrument"},
	)

	HoldEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopsync_hold_ends_total",
			Help: "Total hold-end transitions",
		},
		[]string{"instrument"},
	)

	// Clock metrics
	ClockRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loopsync_clock_restarts_total",
			Help: "Total shared clock restarts",
		},
	)

	LoopToggles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loopsync_loop_toggles_total",
			Help: "Total loop flag writes",
		},
	)

	// Store metrics
	StoreWriteRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loopsync_store_write_retries_total",
			Help: "Total presence writes retried after a store failure",
		},
	)

	// Aggregation metrics
	AggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loopsync_aggregation_duration_seconds",
			Help:    "Duration of one stats aggregation pass, including the store read",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Connection metrics
	EventStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loopsync_event_streams",
			Help: "Number of open WebSocket event streams",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		UsersConnected,
		UsersActive,
		TriggeredSeconds,
		SessionsReaped,
		HoldStarts,
		HoldEnds,
		ClockRestarts,
		LoopToggles,
		StoreWriteRetries,
		AggregationDuration,
		EventStreams,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
