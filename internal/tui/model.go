package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/stats"
	"github.com/goodtune/loopsync/internal/storage"
)

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StatsSource provides the newest aggregation snapshot.
type StatsSource interface {
	Latest() (stats.Snapshot, bool)
}

// ClockSource provides the newest observed shared clock.
type ClockSource interface {
	Current() (storage.GlobalClock, bool)
}

// Config holds TUI configuration.
type Config struct {
	StoreAddr    string
	ClipDuration float64
	StatsSource  StatsSource
	ClockSource  ClockSource
	Clock        playback.Clock
	Refresh      time.Duration
}

// Model represents the TUI state.
type Model struct {
	storeAddr string
	clip      float64
	refresh   time.Duration

	statsSource StatsSource
	clockSource ClockSource
	clock       playback.Clock

	snapshot   *stats.Snapshot
	global     *storage.GlobalClock
	lastUpdate time.Time

	width  int
	height int

	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	if cfg.Clock == nil {
		cfg.Clock = playback.RealClock{}
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = 250 * time.Millisecond
	}

	return Model{
		storeAddr:   cfg.StoreAddr,
		clip:        playback.EffectiveDuration(cfg.ClipDuration),
		refresh:     cfg.Refresh,
		statsSource: cfg.StatsSource,
		clockSource: cfg.ClockSource,
		clock:       cfg.Clock,
		lastUpdate:  cfg.Clock.Now(),
		width:       80,
		height:      24,
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return m.tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m = m.refreshSources()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m = m.refreshSources()
		return m, m.tickCmd()
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

func (m Model) refreshSources() Model {
	if m.statsSource != nil {
		if snap, ok := m.statsSource.Latest(); ok {
			m.snapshot = &snap
		}
	}
	if m.clockSource != nil {
		if gc, ok := m.clockSource.Current(); ok {
			m.global = &gc
		}
	}
	m.lastUpdate = m.clock.Now()
	return m
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Users returns the number of live users in the newest snapshot.
func (m Model) Users() int {
	if m.snapshot == nil {
		return 0
	}
	return m.snapshot.Users
}
