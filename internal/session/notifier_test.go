package session

import (
	"testing"

	"github.com/goodtune/loopsync/internal/storage"
)

func TestNotifier_Evaluate(t *testing.T) {
	var levels []bool
	n := NewNotifier(AlertFunc(func(v bool) { levels = append(levels, v) }), 0)

	clock := storage.GlobalClock{}
	if n.Evaluate(100_000, clock) {
		t.Error("no reference means not expired")
	}

	clock = clock.WithReference(0, 1)
	steps := []struct {
		now  int64
		loop bool
		want bool
	}{
		{59_000, false, false},
		{61_000, false, true},
		{61_000, false, true},
		{61_000, true, false},
	}

	for i, s := range steps {
		clock.LoopEnabled = s.loop
		if got := n.Evaluate(s.now, clock); got != s.want {
			t.Errorf("step %d: Evaluate() = %v, want %v", i, got, s.want)
		}
	}

	// The sink hears every evaluation, not only changes.
	if len(levels) != len(steps)+1 {
		t.Errorf("sink received %d levels, want %d", len(levels), len(steps)+1)
	}
}

func TestNotifier_ClipDuration(t *testing.T) {
	n := NewNotifier(nil, 0)
	n.SetClipDuration(10)

	clock := storage.GlobalClock{}.WithReference(0, 1)
	if !n.Evaluate(10_001, clock) {
		t.Error("expected expiry after a 10s clip")
	}
}
