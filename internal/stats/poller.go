package stats

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/loopsync/internal/metrics"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often the poller aggregates without a trigger.
const DefaultPollInterval = 2 * time.Second

// Source lists presence records.
type Source interface {
	List(ctx context.Context) ([]storage.UserSession, error)
}

// Snapshot is the result of one aggregation pass.
type Snapshot struct {
	ReadAt int64       `json:"readAt"`
	Stats  Result      `json:"stats"`
	Holds  HoldSummary `json:"holds"`
	Users  int         `json:"users"`
}

// Compute aggregates users read at readAt.
func Compute(users []storage.UserSession, readAt int64) Snapshot {
	return Snapshot{
		ReadAt: readAt,
		Stats:  Aggregate(users, readAt),
		Holds:  SummarizeHolds(users),
		Users:  len(users),
	}
}

// Poller recomputes statistics on a timer and whenever it is triggered.
// Passes may overlap; the snapshot with the newest read time wins.
type Poller struct {
	source   Source
	clock    playback.Clock
	logger   zerolog.Logger
	interval time.Duration
	trigger  chan struct{}
	reset    chan time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	latest *Snapshot
}

// NewPoller creates a new stats poller
func NewPoller(source Source, interval time.Duration, clock playback.Clock, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clock == nil {
		clock = playback.RealClock{}
	}

	return &Poller{
		source:   source,
		clock:    clock,
		logger:   logger.With().Str("component", "stats-poller").Logger(),
		interval: interval,
		trigger:  make(chan struct{}, 1),
		reset:    make(chan time.Duration, 1),
		stopChan: make(chan struct{}),
	}
}

// Start begins polling
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.run()
	p.logger.Info().Dur("interval", p.interval).Msg("Stats poller started")
}

// Stop stops polling and waits for in-flight passes
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
	p.logger.Info().Msg("Stats poller stopped")
}

// Trigger requests an immediate pass. Triggers arriving while one is pending
// are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// SetInterval changes the poll interval of a running poller.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-p.reset:
	default:
	}
	p.reset <- d
}

// Watch triggers a pass for every presence change received on events, until
// the channel closes or the poller stops.
func (p *Poller) Watch(events <-chan storage.Event) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				if _, isUser := storage.UserIDFromPath(e.Path); isUser {
					p.Trigger()
				}
			case <-p.stopChan:
				return
			}
		}
	}()
}

// Latest returns the newest snapshot, if any pass has completed.
func (p *Poller) Latest() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.latest == nil {
		return Snapshot{}, false
	}
	return *p.latest, true
}

// Poll runs one pass synchronously.
func (p *Poller) Poll(ctx context.Context) (Snapshot, error) {
	started := time.Now()

	users, err := p.source.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Compute(users, p.clock.Now().UnixMilli())
	metrics.AggregationDuration.Observe(time.Since(started).Seconds())

	p.store(snap)
	return snap, nil
}

func (p *Poller) store(snap Snapshot) {
	p.mu.Lock()
	if p.latest != nil && snap.ReadAt < p.latest.ReadAt {
		p.mu.Unlock()
		p.logger.Debug().
			Int64("read_at", snap.ReadAt).
			Int64("latest", p.latest.ReadAt).
			Msg("Discarding stale aggregation pass")
		return
	}
	p.latest = &snap
	p.mu.Unlock()

	for instrument, stat := range snap.Stats {
		metrics.UsersConnected.WithLabelValues(string(instrument)).Set(float64(stat.Count))
		metrics.UsersActive.WithLabelValues(string(instrument)).Set(float64(stat.ActiveNow))
		metrics.TriggeredSeconds.WithLabelValues(string(instrument)).Set(stat.TotalSeconds)
	}
}

// run is the main poll loop
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pass()

	for {
		select {
		case <-ticker.C:
			p.pass()
		case <-p.trigger:
			p.pass()
		case d := <-p.reset:
			ticker.Reset(d)
			p.logger.Info().Dur("interval", d).Msg("Stats poll interval changed")
		case <-p.stopChan:
			return
		}
	}
}

// pass runs one aggregation without blocking the loop on the store read
func (p *Poller) pass() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.interval)
		defer cancel()

		if _, err := p.Poll(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Stats aggregation failed")
		}
	}()
}
