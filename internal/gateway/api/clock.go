package api

import (
	"net/http"
	"strconv"

	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/session"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/rs/zerolog"
)

// ClockResponse is the shared clock as seen by the server at ServerTime.
type ClockResponse struct {
	GlobalTimestamp *int64   `json:"globalTimestamp"`
	LoopEnabled     bool     `json:"loopEnabled"`
	ServerTime      int64    `json:"serverTime"`
	ClipDuration    float64  `json:"clipDuration"`
	OffsetSeconds   *float64 `json:"offsetSeconds"`
	Expired         bool     `json:"expired"`
}

// ClockHandler handles shared clock API requests.
type ClockHandler struct {
	clocks       storage.ClockStore
	controller   *session.Controller
	clock        playback.Clock
	clipDuration float64
	logger       zerolog.Logger
}

// NewClockHandler creates a new clock handler.
func NewClockHandler(clocks storage.ClockStore, controller *session.Controller, clock playback.Clock, clipDuration float64, logger zerolog.Logger) *ClockHandler {
	return &ClockHandler{
		clocks:       clocks,
		controller:   controller,
		clock:        clock,
		clipDuration: playback.EffectiveDuration(clipDuration),
		logger:       logger.With().Str("handler", "clock").Logger(),
	}
}

// Get returns the clock, with the offset and expiry a client would compute
// now. The clip query parameter overrides the clip duration in seconds.
func (h *ClockHandler) Get(w http.ResponseWriter, r *http.Request) {
	clip := h.clipDuration
	if v := r.URL.Query().Get("clip"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid clip duration")
			return
		}
		clip = playback.EffectiveDuration(parsed)
	}

	gc, err := h.clocks.Get(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read clock")
		writeError(w, http.StatusInternalServerError, "Failed to read clock")
		return
	}

	writeJSON(w, http.StatusOK, h.describe(gc, clip))
}

// Restart sets the shared loop start to now.
func (h *ClockHandler) Restart(w http.ResponseWriter, r *http.Request) {
	ts, err := h.controller.Restart(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to restart clock")
		writeError(w, http.StatusInternalServerError, "Failed to restart clock")
		return
	}

	gc, err := h.clocks.Get(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read clock after restart")
		gc = storage.GlobalClock{LoopEnabled: h.controller.Known()}.WithReference(ts, 0)
	}

	writeJSON(w, http.StatusOK, h.describe(gc, h.clipDuration))
}

// ToggleLoopRequest carries the caller's last known loop flag.
type ToggleLoopRequest struct {
	Known *bool `json:"known"`
}

// ToggleLoop writes the inverse of the caller's last known loop flag, or of
// the stored flag when the caller sent none.
func (h *ClockHandler) ToggleLoop(w http.ResponseWriter, r *http.Request) {
	var req ToggleLoopRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	known := false
	if req.Known != nil {
		known = *req.Known
	} else {
		gc, err := h.clocks.Get(r.Context())
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to read clock")
			writeError(w, http.StatusInternalServerError, "Failed to read clock")
			return
		}
		known = gc.LoopEnabled
	}

	enabled, err := h.controller.ToggleFrom(r.Context(), known)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to toggle loop")
		writeError(w, http.StatusInternalServerError, "Failed to toggle loop")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loopEnabled": enabled,
	})
}

// SetLoopRequest sets the loop flag explicitly.
type SetLoopRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetLoop writes the loop flag.
func (h *ClockHandler) SetLoop(w http.ResponseWriter, r *http.Request) {
	var req SetLoopRequest
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "Body must be {\"enabled\": true|false}")
		return
	}

	if err := h.controller.SetLoop(r.Context(), *req.Enabled); err != nil {
		h.logger.Error().Err(err).Msg("Failed to set loop")
		writeError(w, http.StatusInternalServerError, "Failed to set loop")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loopEnabled": *req.Enabled,
	})
}

func (h *ClockHandler) describe(gc storage.GlobalClock, clip float64) ClockResponse {
	now := h.clock.Now().UnixMilli()

	resp := ClockResponse{
		GlobalTimestamp: gc.ReferenceTimestamp,
		LoopEnabled:     gc.LoopEnabled,
		ServerTime:      now,
		ClipDuration:    clip,
		Expired:         playback.Expired(now, gc, clip),
	}
	if offset, err := playback.OffsetFor(now, gc, clip); err == nil {
		resp.OffsetSeconds = &offset
	}
	return resp
}
