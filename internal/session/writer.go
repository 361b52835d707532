package session

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/loopsync/internal/metrics"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/rs/zerolog"
)

// RecordStore persists a user's presence record.
type RecordStore interface {
	Put(ctx context.Context, session storage.UserSession, now time.Time) (int64, error)
}

// Writer persists presence records in the background. Only the newest
// submitted record matters: a record that has not been written yet is
// replaced by a newer submission, and failed writes are retried with
// backoff until they succeed or are superseded.
type Writer struct {
	store   RecordStore
	clock   playback.Clock
	backoff *Backoff
	logger  zerolog.Logger

	mu       sync.Mutex
	pending  *storage.UserSession
	version  int64
	gen      int
	inflight sync.Mutex

	wake     chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWriter creates a writer for one user's record
func NewWriter(store RecordStore, userID string, cfg BackoffConfig, clock playback.Clock, logger zerolog.Logger) *Writer {
	if clock == nil {
		clock = playback.RealClock{}
	}

	return &Writer{
		store:    store,
		clock:    clock,
		backoff:  NewBackoff(userID, cfg),
		logger:   logger.With().Str("component", "record-writer").Logger(),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins writing submitted records
func (w *Writer) Start() {
	go w.run()
}

// Stop stops the background loop. A record not yet written stays pending
// for Flush.
func (w *Writer) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

// Submit queues s for writing, replacing any record not yet written.
func (w *Writer) Submit(s storage.UserSession) {
	s = s.Clone()

	w.mu.Lock()
	w.pending = &s
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Discard drops any record not yet written and waits for a write in
// progress to finish, so nothing lands in the store after it returns.
func (w *Writer) Discard() {
	w.mu.Lock()
	w.pending = nil
	w.gen++
	w.mu.Unlock()

	w.inflight.Lock()
	defer w.inflight.Unlock()
}

// Pending reports whether a record is waiting to be written.
func (w *Writer) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != nil
}

// Version returns the store version of the last successful write.
func (w *Writer) Version() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Flush writes the pending record synchronously, once.
func (w *Writer) Flush(ctx context.Context) error {
	s, gen, ok := w.take()
	if !ok {
		return nil
	}
	if err := w.write(ctx, s, gen); err != nil {
		w.requeue(s, gen)
		return err
	}
	return nil
}

func (w *Writer) take() (storage.UserSession, int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending == nil {
		return storage.UserSession{}, w.gen, false
	}
	s := *w.pending
	w.pending = nil
	return s, w.gen, true
}

// requeue puts a failed record back unless something newer arrived or the
// queue was discarded meanwhile
func (w *Writer) requeue(s storage.UserSession, gen int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending == nil && w.gen == gen {
		w.pending = &s
	}
}

// write puts s unless the queue was discarded after s was taken
func (w *Writer) write(ctx context.Context, s storage.UserSession, gen int) error {
	w.inflight.Lock()
	defer w.inflight.Unlock()

	w.mu.Lock()
	discarded := w.gen != gen
	w.mu.Unlock()
	if discarded {
		return nil
	}

	version, err := w.store.Put(ctx, s, w.clock.Now())
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.version = version
	w.mu.Unlock()

	return nil
}

// run is the main write loop
func (w *Writer) run() {
	defer close(w.doneChan)

	for {
		select {
		case <-w.wake:
		case <-w.stopChan:
			return
		}

		for {
			s, gen, ok := w.take()
			if !ok {
				break
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := w.write(ctx, s, gen)
			cancel()

			if err == nil {
				w.backoff.Reset()
				continue
			}

			w.requeue(s, gen)
			metrics.StoreWriteRetries.Inc()

			delay := w.backoff.Next()
			w.logger.Warn().
				Err(err).
				Str("user_id", s.ID).
				Int("attempt", w.backoff.Attempts()).
				Dur("retry_in", delay).
				Msg("Failed to write presence record")

			select {
			case <-time.After(delay):
			case <-w.stopChan:
				return
			}
		}
	}
}
