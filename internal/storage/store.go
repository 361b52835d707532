package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
//
// Every committed write is published as an Event to all subscriptions, in
// commit order per path. Values are last-writer-wins; there is no
// compare-and-set.
type Store interface {
	Close() error
	Clock() ClockStore
	Presence() PresenceStore
	Subscribe(ctx context.Context) (Subscription, error)
}

// ClockStore manages the shared loop clock.
type ClockStore interface {
	Get(ctx context.Context) (GlobalClock, error)
	SetReference(ctx context.Context, timestamp int64) (int64, error)
	SetLoop(ctx context.Context, enabled bool) (int64, error)
}

// PresenceStore manages the ephemeral per-user records.
//
// A record lives as long as its owner keeps heartbeating; ReapExpired removes
// every record whose last heartbeat is older than the cutoff.
type PresenceStore interface {
	Put(ctx context.Context, session UserSession, now time.Time) (int64, error)
	Heartbeat(ctx context.Context, id string, now time.Time) error
	Get(ctx context.Context, id string) (*UserSession, error)
	List(ctx context.Context) ([]UserSession, error)
	Delete(ctx context.Context, id string) error
	ReapExpired(ctx context.Context, cutoff time.Time) ([]DepartedSession, error)
}

// Subscription delivers store change events until closed.
type Subscription interface {
	Events() <-chan Event
	Close() error
}
