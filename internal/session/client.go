// Package session runs a playback client: it mirrors the shared clock,
// records the user's holds, keeps the presence lease alive and keeps local
// media phase aligned with every other client.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/loopsync/internal/activation"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultHeartbeatInterval is how often the presence lease is renewed
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultTickInterval is how often the end-of-clip level is re-evaluated
	DefaultTickInterval = 250 * time.Millisecond

	fadeDuration = 300 * time.Millisecond
)

var (
	// ErrNotJoined is returned by hold operations before Join.
	ErrNotJoined = errors.New("session: not joined")

	// ErrClientStopped is returned once Run has exited.
	ErrClientStopped = errors.New("session: client stopped")
)

// NewUserID generates a presence record ID.
func NewUserID() string {
	return "user_" + uuid.NewString()
}

// Config holds client configuration
type Config struct {
	// ID of the presence record; generated when empty
	ID                string
	HeartbeatInterval time.Duration
	TickInterval      time.Duration
	// ClipDuration in seconds, used until the player reports one
	ClipDuration float64
	Backoff      BackoffConfig
	Clock        playback.Clock
	Alerts       AlertSink
}

// Status is a point-in-time view of a client.
type Status struct {
	ID         string              `json:"id"`
	Instrument storage.Instrument  `json:"instrument,omitempty"`
	State      string              `json:"state"`
	Joined     bool                `json:"joined"`
	Ready      bool                `json:"ready"`
	Clock      storage.GlobalClock `json:"clock"`
	Expired    bool                `json:"expired"`
	Degraded   bool                `json:"degraded"`
	Seconds    float64             `json:"seconds"`
}

type command struct {
	fn   func() error
	done chan error
}

// Client is a single playback participant. All state changes happen on the
// goroutine running Run; the exported operations hand work to it.
type Client struct {
	id       string
	store    storage.Store
	player   Player
	clock    playback.Clock
	cfg      Config
	recorder *activation.Recorder
	writer   *Writer
	notifier *Notifier
	filter   *storage.VersionFilter
	logger   zerolog.Logger

	cmds    chan command
	stopped chan struct{}

	// owned by Run
	global      storage.GlobalClock
	joined      bool
	ready       bool
	wantPlay    bool
	seekPending bool
	degraded    bool
	expired     bool
	readyCh     <-chan struct{}

	mu     sync.RWMutex
	status Status
}

// NewClient creates a client. Nothing happens until Run is called.
func NewClient(store storage.Store, player Player, cfg Config, logger zerolog.Logger) *Client {
	if cfg.ID == "" {
		cfg.ID = NewUserID()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = playback.RealClock{}
	}

	logger = logger.With().Str("component", "session").Str("user_id", cfg.ID).Logger()

	c := &Client{
		id:       cfg.ID,
		store:    store,
		player:   player,
		clock:    cfg.Clock,
		cfg:      cfg,
		recorder: activation.NewRecorder(cfg.ID, cfg.Clock.Now().UnixMilli(), logger),
		writer:   NewWriter(store.Presence(), cfg.ID, cfg.Backoff, cfg.Clock, logger),
		notifier: NewNotifier(cfg.Alerts, cfg.ClipDuration),
		filter:   storage.NewVersionFilter(),
		logger:   logger,
		cmds:     make(chan command),
		stopped:  make(chan struct{}),
		readyCh:  player.Ready(),
	}
	c.publish()

	return c
}

// ID returns the presence record ID.
func (c *Client) ID() string {
	return c.id
}

// State returns the latest status.
func (c *Client) State() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Join selects an instrument and creates the presence record. Joining again
// switches instrument.
func (c *Client) Join(ctx context.Context, instrument storage.Instrument) error {
	return c.do(ctx, func() error {
		changed, err := c.recorder.SetInstrument(instrument)
		if err != nil {
			return err
		}
		if c.joined && !changed {
			return nil
		}
		c.joined = true
		c.writer.Submit(c.recorder.Snapshot())

		c.logger.Info().Str("instrument", string(instrument)).Msg("Joined")
		return nil
	})
}

// HoldStart begins playing. It fails with playback.ErrNoClock before any
// restart has set the shared clock, and with activation.ErrNoInstrument
// before Join.
func (c *Client) HoldStart(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.joined {
			return ErrNotJoined
		}

		_, known := c.global.Reference()
		changed, err := c.recorder.HoldStart(c.now(), known)
		if err != nil {
			if errors.Is(err, playback.ErrNoClock) {
				c.logger.Warn().Msg("No shared clock yet, ignoring hold")
			}
			return err
		}
		if !changed {
			return nil
		}

		c.writer.Submit(c.recorder.Snapshot())
		c.wantPlay = true
		c.startPlayback()
		return nil
	})
}

// HoldEnd stops playing. It is a no-op while idle.
func (c *Client) HoldEnd(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.stopPlayback()
		if c.recorder.HoldEnd(c.now()) {
			c.writer.Submit(c.recorder.Snapshot())
		}
		return nil
	})
}

// Leave ends any hold and removes the presence record.
func (c *Client) Leave(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.joined {
			return nil
		}

		c.stopPlayback()
		c.recorder.HoldEnd(c.now())
		c.joined = false
		c.writer.Discard()

		if err := c.store.Presence().Delete(ctx, c.id); err != nil {
			return fmt.Errorf("leave: %w", err)
		}

		c.logger.Info().Msg("Left")
		return nil
	})
}

// do runs fn on the client goroutine and waits for its result
func (c *Client) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}

	select {
	case c.cmds <- cmd:
	case <-c.stopped:
		return ErrClientStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run subscribes to the store and processes events until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.stopped)

	sub, err := c.store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = sub.Close() }()

	// Read after subscribing so no change falls between the two.
	if err := c.refreshClock(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read shared clock")
		c.degraded = true
	}
	c.evaluate()
	c.publish()

	c.writer.Start()
	defer c.stopWriter()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	tick := time.NewTicker(c.cfg.TickInterval)
	defer tick.Stop()

	events := sub.Events()
	resubBackoff := NewBackoff(c.id, c.cfg.Backoff)
	var resubscribe <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-c.cmds:
			err := cmd.fn()
			c.publish()
			cmd.done <- err

		case e, ok := <-events:
			if !ok {
				events = nil
				c.degraded = true
				delay := resubBackoff.Next()
				resubscribe = time.After(delay)
				c.logger.Warn().Dur("retry_in", delay).Msg("Change subscription closed")
				break
			}
			c.handleEvent(e)

		case <-resubscribe:
			resubscribe = nil
			next, err := c.store.Subscribe(ctx)
			if err != nil {
				delay := resubBackoff.Next()
				resubscribe = time.After(delay)
				c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to resubscribe")
				break
			}
			_ = sub.Close()
			sub = next
			events = sub.Events()
			resubBackoff.Reset()
			c.reconcile(ctx)

		case <-c.readyCh:
			c.readyCh = nil
			c.onReady()

		case <-heartbeat.C:
			c.heartbeat(ctx)

		case <-tick.C:
			c.evaluate()
		}

		c.publish()
	}
}

// stopWriter stops background writes and makes one last attempt at a record
// that has not landed yet
func (c *Client) stopWriter() {
	c.writer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval)
	defer cancel()

	if err := c.writer.Flush(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to write final presence record")
	}
}

func (c *Client) now() int64 {
	return c.clock.Now().UnixMilli()
}

func (c *Client) clipDuration() float64 {
	if d := c.player.Duration(); d > 0 {
		return d
	}
	return c.cfg.ClipDuration
}

func (c *Client) handleEvent(e storage.Event) {
	switch e.Path {
	case storage.PathGlobalTimestamp:
		if !c.filter.Accept(e) {
			return
		}
		ts, err := e.Timestamp()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed clock event")
			return
		}
		c.global = c.global.WithReference(ts, e.Version)
		c.logger.Debug().Int64("timestamp", ts).Msg("Shared clock restarted")
		c.resync()
		c.evaluate()

	case storage.PathLoopEnabled:
		if !c.filter.Accept(e) {
			return
		}
		enabled, err := e.Bool()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed loop event")
			return
		}
		c.global.LoopEnabled = enabled
		c.global.LoopVersion = e.Version
		c.evaluate()

	default:
		id, ok := storage.UserIDFromPath(e.Path)
		if !ok || id != c.id || !c.filter.Accept(e) {
			return
		}
		if e.Deleted && c.joined {
			c.logger.Warn().Msg("Presence record removed by the store, rejoining")
			c.rejoin()
		}
	}
}

// refreshClock reads the clock and applies whatever is newer than what was
// already seen
func (c *Client) refreshClock(ctx context.Context) error {
	gc, err := c.store.Clock().Get(ctx)
	if err != nil {
		return err
	}

	if ts, ok := gc.Reference(); ok && c.filter.Observe(storage.PathGlobalTimestamp, gc.ReferenceVersion) {
		c.global = c.global.WithReference(ts, gc.ReferenceVersion)
		c.resync()
	}
	if gc.LoopVersion > 0 && c.filter.Observe(storage.PathLoopEnabled, gc.LoopVersion) {
		c.global.LoopEnabled = gc.LoopEnabled
		c.global.LoopVersion = gc.LoopVersion
	}
	return nil
}

// reconcile re-reads shared state after a period of store failures
func (c *Client) reconcile(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
	defer cancel()

	if err := c.refreshClock(rctx); err != nil {
		c.logger.Warn().Err(err).Msg("Reconcile: failed to read shared clock")
		return
	}

	if c.joined {
		_, err := c.store.Presence().Get(rctx, c.id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if !c.writer.Pending() {
				c.rejoin()
			}
		case err != nil:
			c.logger.Warn().Err(err).Msg("Reconcile: failed to read presence record")
			return
		default:
			// Local transitions may not have reached the store.
			c.writer.Submit(c.recorder.Snapshot())
		}
	}

	c.degraded = false
	c.evaluate()
	c.logger.Info().Msg("Reconciled with store")
}

func (c *Client) heartbeat(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
	defer cancel()

	// Changes published while the subscription reconnects are lost, so the
	// clock is re-read on every beat.
	if c.degraded {
		c.reconcile(ctx)
		if c.degraded {
			return
		}
	} else {
		if err := c.refreshClock(hctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to read shared clock")
			c.degraded = true
			return
		}
		c.evaluate()
	}

	if !c.joined {
		return
	}

	err := c.store.Presence().Heartbeat(hctx, c.id, c.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		// The first write may still be queued.
		if c.writer.Pending() || c.writer.Version() == 0 {
			return
		}
		c.logger.Warn().Msg("Presence lease lapsed, rejoining")
		c.rejoin()
	default:
		c.logger.Warn().Err(err).Msg("Heartbeat failed")
		c.degraded = true
	}
}

// rejoin starts a fresh idle record after the previous one was removed
func (c *Client) rejoin() {
	c.stopPlayback()
	c.recorder.Rejoin(c.now())
	c.writer.Submit(c.recorder.Snapshot())
}

func (c *Client) startPlayback() {
	if !c.ready {
		c.seekPending = true
		return
	}

	offset, err := playback.OffsetFor(c.now(), c.global, c.clipDuration())
	if err != nil {
		c.logger.Warn().Err(err).Msg("Cannot start playback")
		return
	}

	c.player.Seek(offset)
	c.player.Play()
	c.player.FadeTo(1, fadeDuration)
	c.seekPending = false

	c.logger.Debug().Float64("offset", offset).Msg("Playback started")
}

func (c *Client) stopPlayback() {
	wasPlaying := c.wantPlay && !c.seekPending
	c.wantPlay = false
	c.seekPending = false

	if c.ready && wasPlaying {
		c.player.FadeTo(0, fadeDuration)
		c.player.Pause()
	}
}

// resync reseeks playing media after the reference moved
func (c *Client) resync() {
	if c.wantPlay {
		c.startPlayback()
	}
}

func (c *Client) onReady() {
	c.ready = true
	c.notifier.SetClipDuration(c.clipDuration())

	// A hold that ended before the media loaded leaves nothing queued.
	if c.wantPlay && c.seekPending {
		c.startPlayback()
	}
}

func (c *Client) evaluate() {
	c.expired = c.notifier.Evaluate(c.now(), c.global)
}

func (c *Client) publish() {
	s := Status{
		ID:         c.id,
		Instrument: c.recorder.Instrument(),
		State:      c.recorder.State().String(),
		Joined:     c.joined,
		Ready:      c.ready,
		Clock:      c.global,
		Expired:    c.expired,
		Degraded:   c.degraded,
		Seconds:    c.recorder.Total(c.now()),
	}

	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}
