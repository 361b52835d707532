package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/loopsync/internal/config"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/goodtune/loopsync/internal/storage/redis"
	"github.com/rs/zerolog"
)

func setupTestStore(t *testing.T) *redis.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     4,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}, "test")
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestReaper_ReapClosesOpenInterval(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	clock := playback.NewTestClock(0)

	playing := storage.UserSession{
		ID:                "gone",
		Instrument:        storage.InstrumentDnB,
		Playing:           true,
		ActivationRecords: []storage.Interval{{Start: 1000}},
	}
	if _, err := store.Presence().Put(ctx, playing, time.UnixMilli(4000)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Presence().Put(ctx, storage.UserSession{ID: "here"}, time.UnixMilli(18_000)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	log := NewDepartedLog(10, time.Minute)
	r := NewReaper(store.Presence(), log, Config{LeaseTTL: 15 * time.Second}, clock, zerolog.Nop())

	clock.Set(20_000)
	reaped, err := r.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}

	if len(reaped) != 1 || reaped[0].Session.ID != "gone" {
		t.Fatalf("reaped = %+v, want only gone", reaped)
	}

	d := reaped[0]
	if d.Reason != ReasonExpired {
		t.Errorf("reason = %q, want expired", d.Reason)
	}
	if d.Session.Playing {
		t.Error("departed session should not be playing")
	}
	if iv := d.Session.ActivationRecords[0]; iv.End == nil || *iv.End != 4000 {
		t.Errorf("open interval should be closed at last heartbeat, got %+v", iv)
	}

	if _, err := store.Presence().Get(ctx, "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("reaped record still present: %v", err)
	}
	if _, err := store.Presence().Get(ctx, "here"); err != nil {
		t.Errorf("live record was removed: %v", err)
	}

	if log.Len() != 1 {
		t.Errorf("departed log has %d entries, want 1", log.Len())
	}
}

func TestReaper_Leave(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	clock := playback.NewTestClock(7000)

	if _, err := store.Presence().Put(ctx, storage.UserSession{ID: "u1", Instrument: storage.InstrumentBrass}, time.UnixMilli(5000)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	log := NewDepartedLog(10, time.Minute)
	r := NewReaper(store.Presence(), log, Config{}, clock, zerolog.Nop())

	d, err := r.Leave(ctx, "u1")
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if d.Reason != ReasonLeft || d.LastSeen != 7000 {
		t.Errorf("departure = %+v", d)
	}

	if _, err := r.Leave(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Leave error = %v, want ErrNotFound", err)
	}
}

func TestReaper_StartStop(t *testing.T) {
	store := setupTestStore(t)
	r := NewReaper(store.Presence(), NewDepartedLog(1, time.Minute), Config{ReapInterval: 10 * time.Millisecond}, nil, zerolog.Nop())

	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}

func TestDepartedLog_OrderAndBounds(t *testing.T) {
	log := NewDepartedLog(2, time.Minute)

	log.Record(storage.DepartedSession{Session: storage.UserSession{ID: "a"}, LastSeen: 100}, ReasonLeft)
	log.Record(storage.DepartedSession{Session: storage.UserSession{ID: "b"}, LastSeen: 300}, ReasonExpired)
	log.Record(storage.DepartedSession{Session: storage.UserSession{ID: "c"}, LastSeen: 200}, ReasonExpired)

	got := log.List()
	if len(got) != 2 {
		t.Fatalf("expected 2 retained entries, got %d", len(got))
	}
	if got[0].Session.ID != "b" || got[1].Session.ID != "c" {
		t.Errorf("List() order = %s, %s; want b, c", got[0].Session.ID, got[1].Session.ID)
	}
}
