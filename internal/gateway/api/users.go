package api

import (
	"errors"
	"net/http"

	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/presence"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// UsersHandler handles presence API requests.
type UsersHandler struct {
	store  storage.PresenceStore
	reaper *presence.Reaper
	clock  playback.Clock
	logger zerolog.Logger
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(store storage.PresenceStore, reaper *presence.Reaper, clock playback.Clock, logger zerolog.Logger) *UsersHandler {
	return &UsersHandler{
		store:  store,
		reaper: reaper,
		clock:  clock,
		logger: logger.With().Str("handler", "users").Logger(),
	}
}

// List returns every live presence record.
func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list users")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve users")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// Get returns one presence record.
func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	user, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to get user")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// Put writes the caller's own presence record and renews its lease.
func (h *UsersHandler) Put(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var user storage.UserSession
	if err := decodeBody(r, &user); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if user.ID == "" {
		user.ID = id
	}
	if user.ID != id {
		writeError(w, http.StatusBadRequest, "Record id does not match path")
		return
	}
	if err := validateSession(user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	version, err := h.store.Put(r.Context(), user, h.clock.Now())
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to put user")
		writeError(w, http.StatusInternalServerError, "Failed to write user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"version": version,
	})
}

// Heartbeat renews the lease of an existing record.
func (h *UsersHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.store.Heartbeat(r.Context(), id, h.clock.Now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to renew lease")
		writeError(w, http.StatusInternalServerError, "Failed to renew lease")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Delete removes a record; the owner is leaving.
func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	departure, err := h.reaper.Leave(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to remove user")
		writeError(w, http.StatusInternalServerError, "Failed to remove user")
		return
	}

	writeJSON(w, http.StatusOK, departure)
}

// Departed returns recently departed sessions.
func (h *UsersHandler) Departed(w http.ResponseWriter, r *http.Request) {
	departed := h.reaper.Departed().List()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"departed": departed,
		"count":    len(departed),
	})
}

var (
	errUnknownInstrument = errors.New("unknown instrument")
	errOpenInterval      = errors.New("only the last activation record may be open")
	errPlayingMismatch   = errors.New("playing must match an open activation record")
)

// validateSession checks the invariants the owner must uphold
func validateSession(s storage.UserSession) error {
	if s.Instrument != "" && !s.Instrument.Valid() {
		return errUnknownInstrument
	}
	for i, iv := range s.ActivationRecords {
		if iv.Open() && i != len(s.ActivationRecords)-1 {
			return errOpenInterval
		}
	}
	if _, open := s.OpenInterval(); open != s.Playing {
		return errPlayingMismatch
	}
	return nil
}
