package api

import (
	"net/http"

	"github.com/goodtune/loopsync/internal/stats"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/rs/zerolog"
)

// StatsHandler serves aggregated statistics.
type StatsHandler struct {
	poller *stats.Poller
	logger zerolog.Logger
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(poller *stats.Poller, logger zerolog.Logger) *StatsHandler {
	return &StatsHandler{
		poller: poller,
		logger: logger.With().Str("handler", "stats").Logger(),
	}
}

// Get returns the newest snapshot, computing one if no pass has completed.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.poller.Latest()
	if !ok {
		var err error
		snap, err = h.poller.Poll(r.Context())
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to aggregate stats")
			writeError(w, http.StatusInternalServerError, "Failed to aggregate stats")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot":    snap,
		"instruments": storage.Instruments,
	})
}
