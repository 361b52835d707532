package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/goodtune/loopsync/internal/config"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/stats"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/goodtune/loopsync/internal/tui"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live dashboard of the shared clock and activation statistics",
	Args:  cobra.NoArgs,
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, store, logger, err := loadClient()
	if err != nil {
		return err
	}
	defer store.Close()

	// Logs would corrupt the alternate screen
	logger = zerolog.Nop()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	clock := playback.RealClock{}

	poller := stats.NewPoller(store.Presence(), config.Duration(cfg.Stats.PollInterval, stats.DefaultPollInterval), clock, logger)
	if _, err := poller.Poll(ctx); err != nil {
		return fmt.Errorf("failed to read presence records: %w", err)
	}

	mirror, err := newClockMirror(ctx, store)
	if err != nil {
		return err
	}
	defer mirror.Close()

	// The mirror and the poller each need their own event stream
	statsSub, err := store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}
	defer func() { _ = statsSub.Close() }()

	poller.Start()
	poller.Watch(statsSub.Events())
	defer poller.Stop()

	model := tui.New(tui.Config{
		StoreAddr:    fmt.Sprintf("%s:%d/%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, cfg.Storage.KeyPrefix),
		ClipDuration: clipDuration(cfg),
		StatsSource:  poller,
		ClockSource:  mirror,
		Clock:        clock,
	})

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// clockMirror keeps the newest shared clock seen on a subscription
type clockMirror struct {
	store  storage.Store
	sub    storage.Subscription
	filter *storage.VersionFilter

	mu     sync.RWMutex
	global storage.GlobalClock
	known  bool
	done   chan struct{}
}

func newClockMirror(ctx context.Context, store storage.Store) (*clockMirror, error) {
	sub, err := store.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	m := &clockMirror{
		store:  store,
		sub:    sub,
		filter: storage.NewVersionFilter(),
		done:   make(chan struct{}),
	}

	// Read after subscribing so no change falls between the two.
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	gc, err := store.Clock().Get(readCtx)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to read clock: %w", err)
	}
	m.apply(gc)

	go m.run()
	return m, nil
}

func (m *clockMirror) apply(gc storage.GlobalClock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filter.Observe(storage.PathGlobalTimestamp, gc.ReferenceVersion) {
		m.global.ReferenceTimestamp = gc.ReferenceTimestamp
		m.global.ReferenceVersion = gc.ReferenceVersion
	}
	if m.filter.Observe(storage.PathLoopEnabled, gc.LoopVersion) {
		m.global.LoopEnabled = gc.LoopEnabled
		m.global.LoopVersion = gc.LoopVersion
	}
	m.known = true
}

func (m *clockMirror) run() {
	defer close(m.done)

	for e := range m.sub.Events() {
		if !m.filter.Accept(e) {
			continue
		}

		m.mu.Lock()
		switch e.Path {
		case storage.PathGlobalTimestamp:
			if ts, err := e.Timestamp(); err == nil {
				m.global = m.global.WithReference(ts, e.Version)
			}
		case storage.PathLoopEnabled:
			if enabled, err := e.Bool(); err == nil {
				m.global.LoopEnabled = enabled
				m.global.LoopVersion = e.Version
			}
		}
		m.mu.Unlock()
	}
}

// Current returns the newest observed clock.
func (m *clockMirror) Current() (storage.GlobalClock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global, m.known
}

// Close stops the mirror.
func (m *clockMirror) Close() {
	_ = m.sub.Close()
	<-m.done
}
