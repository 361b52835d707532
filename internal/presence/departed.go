package presence

import (
	"sort"
	"time"

	"github.com/goodtune/loopsync/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Departure reasons.
const (
	ReasonExpired = "expired"
	ReasonLeft    = "left"
)

// Departure is a presence record that is no longer live. Its open interval,
// if any, was closed at the owner's last heartbeat.
type Departure struct {
	Session  storage.UserSession `json:"session"`
	LastSeen int64               `json:"lastSeen"`
	Reason   string              `json:"reason"`
}

// DepartedLog keeps recently departed sessions in memory, bounded in size and
// age.
type DepartedLog struct {
	cache *expirable.LRU[string, Departure]
}

// NewDepartedLog creates a log holding at most size entries for ttl each
func NewDepartedLog(size int, ttl time.Duration) *DepartedLog {
	if size <= 0 {
		size = 256
	}
	return &DepartedLog{
		cache: expirable.NewLRU[string, Departure](size, nil, ttl),
	}
}

// Record adds a departed session. A later departure of the same user
// replaces the earlier one.
func (l *DepartedLog) Record(d storage.DepartedSession, reason string) Departure {
	entry := Departure{
		Session:  d.Closed(),
		LastSeen: d.LastSeen,
		Reason:   reason,
	}
	l.cache.Add(d.Session.ID, entry)
	return entry
}

// List returns the retained departures, most recent first.
func (l *DepartedLog) List() []Departure {
	out := l.cache.Values()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].Session.ID < out[j].Session.ID
	})
	return out
}

// Len returns the number of retained departures.
func (l *DepartedLog) Len() int {
	return l.cache.Len()
}
