package session

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/rs/zerolog"
)

func TestController_Restart(t *testing.T) {
	store, _ := setupTestStore(t)
	clock := playback.NewTestClock(123_456)
	ctrl := NewController(store.Clock(), clock, zerolog.Nop())

	ts, err := ctrl.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if ts != 123_456 {
		t.Errorf("Restart() = %d, want 123456", ts)
	}

	gc, err := store.Clock().Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ref, ok := gc.Reference(); !ok || ref != 123_456 {
		t.Errorf("stored reference = %d (%v)", ref, ok)
	}
}

func TestController_ToggleLoop(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	ctrl := NewController(store.Clock(), nil, zerolog.Nop())

	if _, err := ctrl.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if ctrl.Known() {
		t.Fatal("absent loop flag should read as false")
	}

	for i, want := range []bool{true, false, true} {
		got, err := ctrl.ToggleLoop(ctx)
		if err != nil {
			t.Fatalf("toggle %d failed: %v", i, err)
		}
		if got != want {
			t.Errorf("toggle %d = %v, want %v", i, got, want)
		}
	}

	gc, _ := store.Clock().Get(ctx)
	if !gc.LoopEnabled {
		t.Error("stored loop flag should be true after three toggles")
	}
}

func TestController_ConcurrentTogglesLastWriterWins(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	// Both controllers last saw false, so both write true.
	a := NewController(store.Clock(), nil, zerolog.Nop())
	b := NewController(store.Clock(), nil, zerolog.Nop())

	if _, err := a.ToggleLoop(ctx); err != nil {
		t.Fatalf("toggle a failed: %v", err)
	}
	if _, err := b.ToggleLoop(ctx); err != nil {
		t.Fatalf("toggle b failed: %v", err)
	}

	gc, _ := store.Clock().Get(ctx)
	if !gc.LoopEnabled {
		t.Error("last write was true")
	}
}

func TestController_ObserveIgnoresStaleEvents(t *testing.T) {
	store, _ := setupTestStore(t)
	ctrl := NewController(store.Clock(), nil, zerolog.Nop())

	on, _ := storage.NewEvent(storage.PathLoopEnabled, 5, true)
	off, _ := storage.NewEvent(storage.PathLoopEnabled, 3, false)

	ctrl.Observe(on)
	ctrl.Observe(off)

	if !ctrl.Known() {
		t.Error("an older event must not overwrite a newer one")
	}
}

func TestController_WatchesSubscription(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sub, err := store.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Close() }()

	ctrl := NewController(store.Clock(), nil, zerolog.Nop())
	other := NewController(store.Clock(), nil, zerolog.Nop())
	if err := other.SetLoop(ctx, true); err != nil {
		t.Fatalf("SetLoop failed: %v", err)
	}

	select {
	case e := <-sub.Events():
		ctrl.Observe(e)
	case <-ctx.Done():
		t.Fatal("timed out waiting for loop event")
	}

	if !ctrl.Known() {
		t.Error("controller should track the observed loop flag")
	}
}
