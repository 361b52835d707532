package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/goodtune/loopsync/internal/metrics"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/rs/zerolog"
)

// Controller changes the shared clock. Loop toggles are last-writer-wins:
// the controller writes the inverse of the value it last observed, without
// checking what is stored.
type Controller struct {
	clocks storage.ClockStore
	clock  playback.Clock
	filter *storage.VersionFilter
	logger zerolog.Logger

	mu   sync.Mutex
	loop bool
}

// NewController creates a controller writing to clocks
func NewController(clocks storage.ClockStore, clock playback.Clock, logger zerolog.Logger) *Controller {
	if clock == nil {
		clock = playback.RealClock{}
	}
	return &Controller{
		clocks: clocks,
		clock:  clock,
		filter: storage.NewVersionFilter(),
		logger: logger.With().Str("component", "controller").Logger(),
	}
}

// Sync reads the current loop flag from the store.
func (c *Controller) Sync(ctx context.Context) (storage.GlobalClock, error) {
	gc, err := c.clocks.Get(ctx)
	if err != nil {
		return storage.GlobalClock{}, err
	}
	if c.filter.Observe(storage.PathLoopEnabled, gc.LoopVersion) {
		c.mu.Lock()
		c.loop = gc.LoopEnabled
		c.mu.Unlock()
	}
	return gc, nil
}

// Observe applies a change notification.
func (c *Controller) Observe(e storage.Event) {
	if e.Path != storage.PathLoopEnabled || !c.filter.Accept(e) {
		return
	}
	enabled, err := e.Bool()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Ignoring malformed loop event")
		return
	}
	c.mu.Lock()
	c.loop = enabled
	c.mu.Unlock()
}

// Known returns the last observed loop flag.
func (c *Controller) Known() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop
}

// Restart moves the shared loop start to now and returns it.
func (c *Controller) Restart(ctx context.Context) (int64, error) {
	now := c.clock.Now().UnixMilli()

	version, err := c.clocks.SetReference(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("restart: %w", err)
	}
	metrics.ClockRestarts.Inc()

	c.logger.Info().
		Int64("timestamp", now).
		Int64("version", version).
		Msg("Restarted shared clock")

	return now, nil
}

// ToggleLoop writes the inverse of the last observed loop flag.
func (c *Controller) ToggleLoop(ctx context.Context) (bool, error) {
	return c.ToggleFrom(ctx, c.Known())
}

// ToggleFrom writes the inverse of known, the caller's last observed value.
func (c *Controller) ToggleFrom(ctx context.Context, known bool) (bool, error) {
	want := !known
	if err := c.SetLoop(ctx, want); err != nil {
		return known, err
	}
	return want, nil
}

// SetLoop writes the loop flag.
func (c *Controller) SetLoop(ctx context.Context, enabled bool) error {
	version, err := c.clocks.SetLoop(ctx, enabled)
	if err != nil {
		return fmt.Errorf("set loop: %w", err)
	}
	metrics.LoopToggles.Inc()

	if c.filter.Observe(storage.PathLoopEnabled, version) {
		c.mu.Lock()
		c.loop = enabled
		c.mu.Unlock()
	}

	c.logger.Info().
		Bool("loop_enabled", enabled).
		Int64("version", version).
		Msg("Set loop flag")

	return nil
}
