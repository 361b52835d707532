package playback

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/goodtune/loopsync/internal/storage"
)

func TestComputeOffset(t *testing.T) {
	tests := []struct {
		name string
		now  int64
		ref  int64
		dur  float64
		want float64
	}{
		{"wraps once", 76000, 1000, 60, 15},
		{"at reference", 1000, 1000, 60, 0},
		{"exactly one loop", 61000, 1000, 60, 0},
		{"before reference wraps forward", 0, 1000, 60, 59},
		{"fractional", 1500, 1000, 60, 0.5},
		{"unknown duration", 76000, 1000, 0, 15},
		{"NaN duration", 76000, 1000, math.NaN(), 15},
		{"short clip", 12500, 0, 4, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeOffset(tt.now, tt.ref, tt.dur)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ComputeOffset(%d, %d, %v) = %v, want %v", tt.now, tt.ref, tt.dur, got, tt.want)
			}
		})
	}
}

func TestComputeOffset_Range(t *testing.T) {
	durations := []float64{0.001, 0.3, 1, 7.5, 60, 61.234}
	for _, dur := range durations {
		for now := int64(-100_000); now <= 100_000; now += 997 {
			got := ComputeOffset(now, 1234, dur)
			if got < 0 || got >= dur {
				t.Fatalf("ComputeOffset(%d, 1234, %v) = %v out of [0, %v)", now, dur, got, dur)
			}
		}
	}
}

func TestComputeOffset_NoNegativeZero(t *testing.T) {
	// The reference lies exactly two clips ahead of now.
	got := ComputeOffset(0, 120_000, 60)
	if got != 0 || math.Signbit(got) {
		t.Fatalf("ComputeOffset = %v, want +0", got)
	}

	raw, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(raw) != "0" {
		t.Errorf("encoded offset = %s, want 0", raw)
	}
}

func TestComputeOffset_PhaseAlignment(t *testing.T) {
	// Two clients asking at the same instant land on the same position
	// regardless of when they joined.
	ref := int64(1_700_000_000_000)
	now := ref + 123_456
	a := ComputeOffset(now, ref, 60)
	b := ComputeOffset(now, ref, 60)
	if a != b {
		t.Errorf("offsets differ: %v vs %v", a, b)
	}

	// Advancing by dt advances the offset by dt modulo the duration.
	later := ComputeOffset(now+2500, ref, 60)
	if math.Abs(math.Mod(later-a+60, 60)-2.5) > 1e-9 {
		t.Errorf("offset after 2.5s = %v, started at %v", later, a)
	}
}

func TestOffsetFor_NoClock(t *testing.T) {
	_, err := OffsetFor(5000, storage.GlobalClock{}, 60)
	if !errors.Is(err, ErrNoClock) {
		t.Errorf("OffsetFor() error = %v, want ErrNoClock", err)
	}

	clock := storage.GlobalClock{}.WithReference(1000, 1)
	got, err := OffsetFor(76000, clock, 60)
	if err != nil || got != 15 {
		t.Errorf("OffsetFor() = %v, %v, want 15", got, err)
	}
}

func TestIsExpired(t *testing.T) {
	tests := []struct {
		name string
		now  int64
		loop bool
		want bool
	}{
		{"past end, not looping", 61000, false, true},
		{"before end", 59000, false, false},
		{"exactly at end", 60000, false, false},
		{"past end, looping", 61000, true, false},
		{"well past end, looping", 10_000_000, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.now, 0, tt.loop, 60); got != tt.want {
				t.Errorf("IsExpired(%d, 0, %v, 60) = %v, want %v", tt.now, tt.loop, got, tt.want)
			}
		})
	}
}

func TestExpired_NoReference(t *testing.T) {
	if Expired(1_000_000, storage.GlobalClock{}, 60) {
		t.Error("a clock without a reference is never expired")
	}
	clock := storage.GlobalClock{}.WithReference(0, 1)
	if !Expired(61000, clock, 60) {
		t.Error("expected expired at 61s without loop")
	}
}

func TestTestClock(t *testing.T) {
	c := NewTestClock(1000)
	c.Advance(1500 * time.Millisecond)
	if got := c.Now().UnixMilli(); got != 2500 {
		t.Errorf("Now() = %d, want 2500", got)
	}
	c.Set(10)
	if got := c.Now().UnixMilli(); got != 10 {
		t.Errorf("Now() = %d, want 10", got)
	}
}
