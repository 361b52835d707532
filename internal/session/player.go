package session

import (
	"math"
	"sync"
	"time"

	"github.com/goodtune/loopsync/internal/playback"
)

// Player is the local media a client drives.
type Player interface {
	// Ready is closed once the media can seek.
	Ready() <-chan struct{}
	// Duration is the media length in seconds, or 0 if unknown.
	Duration() float64
	Seek(seconds float64)
	Play()
	Pause()
	// FadeTo ramps the volume to level over d.
	FadeTo(level float64, d time.Duration)
}

// HeadlessPlayer simulates a looping media element without producing sound.
type HeadlessPlayer struct {
	clock    playback.Clock
	duration float64
	ready    chan struct{}
	once     sync.Once

	mu        sync.Mutex
	playing   bool
	position  float64
	startedAt time.Time
	volume    float64
	seeks     int
}

// NewHeadlessPlayer creates a player for a clip of the given length. It is
// not ready until MarkReady is called.
func NewHeadlessPlayer(clock playback.Clock, duration float64) *HeadlessPlayer {
	if clock == nil {
		clock = playback.RealClock{}
	}
	return &HeadlessPlayer{
		clock:    clock,
		duration: duration,
		ready:    make(chan struct{}),
	}
}

// MarkReady signals that the media has loaded.
func (p *HeadlessPlayer) MarkReady() {
	p.once.Do(func() { close(p.ready) })
}

func (p *HeadlessPlayer) Ready() <-chan struct{} { return p.ready }

func (p *HeadlessPlayer) Duration() float64 { return p.duration }

func (p *HeadlessPlayer) Seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.position = seconds
	p.startedAt = p.clock.Now()
	p.seeks++
}

func (p *HeadlessPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.playing {
		return
	}
	p.playing = true
	p.startedAt = p.clock.Now()
}

func (p *HeadlessPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.playing {
		return
	}
	p.position = p.positionLocked()
	p.playing = false
}

// FadeTo sets the target volume immediately.
func (p *HeadlessPlayer) FadeTo(level float64, _ time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = math.Max(0, math.Min(1, level))
}

// Playing reports whether the player is running.
func (p *HeadlessPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Position returns the current playhead in seconds.
func (p *HeadlessPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

// Volume returns the current volume in [0, 1].
func (p *HeadlessPlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Seeks returns how many times Seek was called.
func (p *HeadlessPlayer) Seeks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seeks
}

func (p *HeadlessPlayer) positionLocked() float64 {
	if !p.playing {
		return p.position
	}
	pos := p.position + p.clock.Now().Sub(p.startedAt).Seconds()
	dur := playback.EffectiveDuration(p.duration)
	return math.Mod(pos, dur)
}
