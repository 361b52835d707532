// Package presence removes presence records whose owners stopped
// heartbeating and remembers recent departures.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/loopsync/internal/metrics"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultLeaseTTL is how long a record survives without a heartbeat
	DefaultLeaseTTL = 15 * time.Second

	// DefaultReapInterval is how often expired leases are collected
	DefaultReapInterval = 5 * time.Second
)

// Config holds reaper configuration
type Config struct {
	LeaseTTL     time.Duration
	ReapInterval time.Duration
}

// Reaper collects expired presence records
type Reaper struct {
	store    storage.PresenceStore
	departed *DepartedLog
	clock    playback.Clock
	leaseTTL time.Duration
	interval time.Duration
	logger   zerolog.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewReaper creates a new presence reaper
func NewReaper(store storage.PresenceStore, departed *DepartedLog, config Config, clock playback.Clock, logger zerolog.Logger) *Reaper {
	if config.LeaseTTL == 0 {
		config.LeaseTTL = DefaultLeaseTTL
	}
	if config.ReapInterval == 0 {
		config.ReapInterval = DefaultReapInterval
	}
	if clock == nil {
		clock = playback.RealClock{}
	}

	return &Reaper{
		store:    store,
		departed: departed,
		clock:    clock,
		leaseTTL: config.LeaseTTL,
		interval: config.ReapInterval,
		logger:   logger.With().Str("component", "presence-reaper").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins reaping
func (r *Reaper) Start() {
	go r.run()
	r.logger.Info().
		Dur("lease_ttl", r.leaseTTL).
		Dur("interval", r.interval).
		Msg("Presence reaper started")
}

// Stop stops reaping
func (r *Reaper) Stop() {
	close(r.stopChan)
	<-r.doneChan
	r.logger.Info().Msg("Presence reaper stopped")
}

// run is the main reaper loop
func (r *Reaper) run() {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.Reap(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Failed to reap expired sessions")
			}
			cancel()
		case <-r.stopChan:
			return
		}
	}
}

// Reap removes every record whose lease lapsed and logs it as departed
func (r *Reaper) Reap(ctx context.Context) ([]Departure, error) {
	cutoff := r.clock.Now().Add(-r.leaseTTL)

	reaped, err := r.store.ReapExpired(ctx, cutoff)

	// Records removed before a failure are gone from the store either way.
	out := make([]Departure, 0, len(reaped))
	for _, d := range reaped {
		entry := r.departed.Record(d, ReasonExpired)
		out = append(out, entry)

		r.logger.Info().
			Str("user_id", d.Session.ID).
			Str("instrument", string(d.Session.Instrument)).
			Time("last_seen", time.UnixMilli(d.LastSeen)).
			Bool("was_playing", d.Session.Playing).
			Msg("Reaped expired session")
	}
	metrics.SessionsReaped.Add(float64(len(reaped)))

	if err != nil {
		return out, fmt.Errorf("reap: %w", err)
	}
	return out, nil
}

// Leave removes a user's record on request and logs it as departed
func (r *Reaper) Leave(ctx context.Context, id string) (*Departure, error) {
	session, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read user %s: %w", id, err)
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return nil, err
	}

	entry := r.departed.Record(storage.DepartedSession{
		Session:  *session,
		LastSeen: r.clock.Now().UnixMilli(),
	}, ReasonLeft)

	r.logger.Info().Str("user_id", id).Msg("User left")

	return &entry, nil
}

// Departed returns the departed-session log
func (r *Reaper) Departed() *DepartedLog {
	return r.departed
}
