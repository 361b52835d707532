// Package playback derives a client's position in the shared loop from the
// reference timestamp, and whether a non-looping clip has run out.
package playback

import (
	"errors"
	"math"

	"github.com/goodtune/loopsync/internal/storage"
)

// DefaultClipDuration is the clip length in seconds used when the media
// duration is unknown.
const DefaultClipDuration = 60.0

// ErrNoClock is returned when no reference timestamp has been set yet.
var ErrNoClock = errors.New("no shared clock yet")

// EffectiveDuration returns clipSeconds, or DefaultClipDuration when the
// duration is unknown or unusable.
func EffectiveDuration(clipSeconds float64) float64 {
	if clipSeconds <= 0 || math.IsNaN(clipSeconds) || math.IsInf(clipSeconds, 0) {
		return DefaultClipDuration
	}
	return clipSeconds
}

// ComputeOffset returns the seek position in seconds for a client at now,
// given the shared loop start ref (both epoch ms). The result is always in
// [0, duration). Elapsed time before the reference wraps forward.
func ComputeOffset(now, ref int64, clipSeconds float64) float64 {
	dur := EffectiveDuration(clipSeconds)
	elapsed := float64(now-ref) / 1000

	offset := math.Mod(elapsed, dur)
	if offset < 0 {
		offset += dur
	}
	// Rounding in the wrap above can land exactly on dur, and an exact
	// negative multiple leaves -0.
	if offset >= dur || offset == 0 {
		offset = 0
	}
	return offset
}

// OffsetFor computes the offset against a clock snapshot.
func OffsetFor(now int64, clock storage.GlobalClock, clipSeconds float64) (float64, error) {
	ref, ok := clock.Reference()
	if !ok {
		return 0, ErrNoClock
	}
	return ComputeOffset(now, ref, clipSeconds), nil
}

// IsExpired reports whether a non-looping clip started at ref has run past
// its duration at now.
func IsExpired(now, ref int64, loopEnabled bool, clipSeconds float64) bool {
	if loopEnabled {
		return false
	}
	return float64(now-ref)/1000 > EffectiveDuration(clipSeconds)
}

// Expired evaluates IsExpired against a clock snapshot. A clock without a
// reference is never expired.
func Expired(now int64, clock storage.GlobalClock, clipSeconds float64) bool {
	ref, ok := clock.Reference()
	if !ok {
		return false
	}
	return IsExpired(now, ref, clock.LoopEnabled, clipSeconds)
}
