package session

import (
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
)

// AlertSink receives the current end-of-clip level.
type AlertSink interface {
	SetExpired(expired bool)
}

// AlertFunc adapts a function to an AlertSink.
type AlertFunc func(expired bool)

// SetExpired calls f.
func (f AlertFunc) SetExpired(expired bool) { f(expired) }

// Notifier reports whether a non-looping clip has ended. It is level
// triggered: every evaluation tells the sink the current level, so a restart
// or enabling the loop clears the alert without any reset.
type Notifier struct {
	sink AlertSink
	clip float64
}

// NewNotifier creates a notifier for clips of the given length in seconds
func NewNotifier(sink AlertSink, clipSeconds float64) *Notifier {
	if sink == nil {
		sink = AlertFunc(func(bool) {})
	}
	return &Notifier{sink: sink, clip: playback.EffectiveDuration(clipSeconds)}
}

// SetClipDuration updates the clip length once the media reports it.
func (n *Notifier) SetClipDuration(seconds float64) {
	n.clip = playback.EffectiveDuration(seconds)
}

// Evaluate computes the level at now and hands it to the sink.
func (n *Notifier) Evaluate(now int64, clock storage.GlobalClock) bool {
	expired := playback.Expired(now, clock, n.clip)
	n.sink.SetExpired(expired)
	return expired
}
