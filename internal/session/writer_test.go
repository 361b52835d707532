package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/rs/zerolog"
)

type flakyStore struct {
	mu       sync.Mutex
	failures int
	written  []storage.UserSession
}

func (f *flakyStore) Put(ctx context.Context, s storage.UserSession, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return 0, errors.New("connection refused")
	}
	f.written = append(f.written, s)
	return int64(len(f.written)), nil
}

func (f *flakyStore) last() (storage.UserSession, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return storage.UserSession{}, 0
	}
	return f.written[len(f.written)-1], len(f.written)
}

var fastBackoff = BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}

func TestWriter_RetriesUntilWritten(t *testing.T) {
	store := &flakyStore{failures: 3}
	w := NewWriter(store, "user_a", fastBackoff, playback.NewTestClock(0), zerolog.Nop())
	w.Start()
	defer w.Stop()

	w.Submit(storage.UserSession{ID: "user_a", Instrument: storage.InstrumentDnB})

	waitFor(t, "record written", func() bool {
		_, n := store.last()
		return n == 1
	})

	if w.Pending() {
		t.Error("nothing should be pending after a successful write")
	}
	if w.Version() != 1 {
		t.Errorf("Version() = %d, want 1", w.Version())
	}
}

func TestWriter_NewestRecordWins(t *testing.T) {
	store := &flakyStore{failures: 1}
	w := NewWriter(store, "user_a", fastBackoff, playback.NewTestClock(0), zerolog.Nop())

	w.Submit(storage.UserSession{ID: "user_a", Playing: true})
	if err := w.Flush(context.Background()); err == nil {
		t.Fatal("expected the first flush to fail")
	}

	// A newer record replaces the one that failed.
	w.Submit(storage.UserSession{ID: "user_a", Playing: false, JoinedAt: 7})
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, n := store.last()
	if n != 1 || got.JoinedAt != 7 {
		t.Errorf("written = %+v (%d writes), want only the newest record", got, n)
	}
}

func TestWriter_DiscardDropsPending(t *testing.T) {
	store := &flakyStore{failures: 1}
	w := NewWriter(store, "user_a", fastBackoff, playback.NewTestClock(0), zerolog.Nop())

	w.Submit(storage.UserSession{ID: "user_a"})
	_ = w.Flush(context.Background())
	if !w.Pending() {
		t.Fatal("failed record should be requeued")
	}

	w.Discard()
	if w.Pending() {
		t.Error("Discard should drop the pending record")
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Errorf("Flush with nothing pending failed: %v", err)
	}
	if _, n := store.last(); n != 0 {
		t.Errorf("expected no writes, got %d", n)
	}
}

func TestWriter_DiscardWinsOverTakenRecord(t *testing.T) {
	store := &flakyStore{}
	w := NewWriter(store, "user_a", fastBackoff, playback.NewTestClock(0), zerolog.Nop())

	// Hold the write lock so the loop parks between taking the record and
	// putting it.
	w.inflight.Lock()
	w.Start()
	w.Submit(storage.UserSession{ID: "user_a", Playing: true})
	waitFor(t, "record taken", func() bool { return !w.Pending() })

	discarded := make(chan struct{})
	go func() {
		w.Discard()
		close(discarded)
	}()
	waitFor(t, "discard started", func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.gen == 1
	})

	w.inflight.Unlock()
	<-discarded
	w.Stop()

	if _, n := store.last(); n != 0 {
		t.Errorf("expected the discarded record not to be written, got %d writes", n)
	}
}
