// Package activation tracks when a user is holding to play and keeps the
// resulting activation intervals.
package activation

import (
	"errors"
	"sync"

	"github.com/goodtune/loopsync/internal/metrics"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/rs/zerolog"
)

// ErrNoInstrument is returned by HoldStart before an instrument was chosen.
var ErrNoInstrument = errors.New("no instrument selected")

// State is the recorder's playing state.
type State int

const (
	StateIdle State = iota
	StatePlaying
)

func (s State) String() string {
	if s == StatePlaying {
		return "playing"
	}
	return "idle"
}

// Recorder tracks one user's playing intervals. It owns the user's presence
// record; every transition returns whether the record changed so the caller
// knows to write it.
type Recorder struct {
	session storage.UserSession
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewRecorder creates an idle recorder for a new user
func NewRecorder(id string, joinedAt int64, logger zerolog.Logger) *Recorder {
	return &Recorder{
		session: storage.UserSession{
			ID:                id,
			JoinedAt:          joinedAt,
			ActivationRecords: []storage.Interval{},
		},
		logger: logger.With().Str("component", "recorder").Str("user_id", id).Logger(),
	}
}

// SetInstrument selects the instrument group. Changing group while playing
// is allowed; the running interval is attributed to the new group.
func (r *Recorder) SetInstrument(instrument storage.Instrument) (bool, error) {
	if !instrument.Valid() {
		return false, storage.ErrUnknownInstrument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session.Instrument == instrument {
		return false, nil
	}
	r.session.Instrument = instrument
	return true, nil
}

// HoldStart moves idle to playing and opens an interval at now. It requires
// an instrument and a known shared clock. Starting while already playing is
// a no-op.
func (r *Recorder) HoldStart(now int64, clockKnown bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session.Instrument == "" {
		return false, ErrNoInstrument
	}
	if !clockKnown {
		return false, playback.ErrNoClock
	}
	if r.session.Playing {
		return false, nil
	}

	// A restored record may carry an interval left open by a crash.
	r.closeOpen(now)

	r.session.Playing = true
	r.session.ActivationRecords = append(r.session.ActivationRecords, storage.Interval{Start: now})

	metrics.HoldStarts.WithLabelValues(string(r.session.Instrument)).Inc()

	r.logger.Debug().
		Str("instrument", string(r.session.Instrument)).
		Int64("start", now).
		Msg("Hold started")

	return true, nil
}

// HoldEnd moves playing to idle and closes the open interval at now. Ending
// while idle is a no-op.
func (r *Recorder) HoldEnd(now int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.session.Playing {
		return false
	}

	r.session.Playing = false
	if iv, ok := r.closeOpen(now); ok {
		metrics.HoldEnds.WithLabelValues(string(r.session.Instrument)).Inc()

		r.logger.Debug().
			Str("instrument", string(r.session.Instrument)).
			Int64("start", iv.Start).
			Int64("end", now).
			Msg("Hold ended")
	}

	return true
}

func (r *Recorder) closeOpen(now int64) (storage.Interval, bool) {
	n := len(r.session.ActivationRecords)
	if n == 0 || !r.session.ActivationRecords[n-1].Open() {
		return storage.Interval{}, false
	}
	end := now
	r.session.ActivationRecords[n-1].End = &end
	return r.session.ActivationRecords[n-1], true
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session.Playing {
		return StatePlaying
	}
	return StateIdle
}

// Instrument returns the selected group, or "" if none.
func (r *Recorder) Instrument() storage.Instrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Instrument
}

// Snapshot returns a copy of the record for writing to the store.
func (r *Recorder) Snapshot() storage.UserSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Clone()
}

// Restore replaces local state with a record read back from the store.
func (r *Recorder) Restore(s storage.UserSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s = s.Clone()
	s.ID = r.session.ID
	if s.ActivationRecords == nil {
		s.ActivationRecords = []storage.Interval{}
	}
	r.session = s
}

// Rejoin starts over after the record was removed from the store. The
// instrument is kept; history and playing state are dropped.
func (r *Recorder) Rejoin(now int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.session.Playing = false
	r.session.JoinedAt = now
	r.session.ActivationRecords = []storage.Interval{}
}

// Total returns the seconds played so far, counting an open interval up to
// now.
func (r *Recorder) Total(now int64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ms int64
	for _, iv := range r.session.ActivationRecords {
		ms += iv.Millis(now)
	}
	return float64(ms) / 1000
}
