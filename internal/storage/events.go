package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Store paths.
const (
	PathGlobalTimestamp = "globalTimestamp"
	PathLoopEnabled     = "loopEnabled"
	usersPathPrefix     = "users/"
)

// UserPath returns the store path of a user's presence record.
func UserPath(id string) string {
	return usersPathPrefix + id
}

// UserIDFromPath extracts the user ID from a users/{id} path.
func UserIDFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, usersPathPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, usersPathPrefix)
	return id, id != ""
}

// Event is a committed change to one store path.
type Event struct {
	Path    string          `json:"path"`
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Timestamp decodes the value of a globalTimestamp event.
func (e Event) Timestamp() (int64, error) {
	var ts int64
	if err := json.Unmarshal(e.Value, &ts); err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", e.Path, err)
	}
	return ts, nil
}

// Bool decodes the value of a loopEnabled event.
func (e Event) Bool() (bool, error) {
	var b bool
	if err := json.Unmarshal(e.Value, &b); err != nil {
		return false, fmt.Errorf("invalid %s value: %w", e.Path, err)
	}
	return b, nil
}

// User decodes the value of a users/{id} event. Deleted events carry no
// value and return ErrNotFound.
func (e Event) User() (*UserSession, error) {
	if e.Deleted {
		return nil, ErrNotFound
	}
	return DecodeUserSession(e.Value)
}

// NewEvent builds an event carrying value encoded as JSON.
func NewEvent(path string, version int64, value any) (Event, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return Event{Path: path, Version: version, Value: raw}, nil
}

// VersionFilter drops events that are not newer than the last accepted
// version of the same path, so repeated or reordered deliveries never move a
// value backwards.
type VersionFilter struct {
	mu   sync.Mutex
	seen map[string]int64
}

// NewVersionFilter creates an empty filter.
func NewVersionFilter() *VersionFilter {
	return &VersionFilter{seen: make(map[string]int64)}
}

// Accept records e and reports whether it is newer than anything seen for
// its path.
func (f *VersionFilter) Accept(e Event) bool {
	return f.Observe(e.Path, e.Version)
}

// Observe records a version read directly from the store.
func (f *VersionFilter) Observe(path string, version int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if last, ok := f.seen[path]; ok && version <= last {
		return false
	}
	f.seen[path] = version
	return true
}
