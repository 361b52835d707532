// Package stats aggregates presence records into per-instrument usage
// statistics.
package stats

import (
	"github.com/goodtune/loopsync/internal/storage"
)

// Stat is the aggregate for one instrument group.
type Stat struct {
	Count        int     `json:"count"`
	TotalSeconds float64 `json:"totalSeconds"`
	ActiveNow    int     `json:"activeNow"`
}

// Result maps every instrument group to its aggregate.
type Result map[storage.Instrument]Stat

// NewResult returns a result with every group present and zeroed.
func NewResult() Result {
	r := make(Result, len(storage.Instruments))
	for _, info := range storage.Instruments {
		r[info.Key] = Stat{}
	}
	return r
}

// Aggregate computes the statistics for users at now. Users without a known
// instrument are skipped. Closed intervals contribute end-start, the open
// interval contributes now-start, and negative spans contribute nothing.
func Aggregate(users []storage.UserSession, now int64) Result {
	millis := make(map[storage.Instrument]int64, len(storage.Instruments))
	result := NewResult()

	for _, u := range users {
		stat, ok := result[u.Instrument]
		if !ok {
			continue
		}

		stat.Count++
		if u.Playing {
			stat.ActiveNow++
		}
		millis[u.Instrument] += Contribution(u, now)
		result[u.Instrument] = stat
	}

	// Summing integer milliseconds keeps the result independent of the
	// order users were read in.
	for instrument, ms := range millis {
		stat := result[instrument]
		stat.TotalSeconds = float64(ms) / 1000
		result[instrument] = stat
	}

	return result
}

// Contribution returns the milliseconds u has played up to now.
func Contribution(u storage.UserSession, now int64) int64 {
	var ms int64
	for _, iv := range u.ActivationRecords {
		ms += iv.Millis(now)
	}
	return ms
}

// Totals sums a result across groups.
func (r Result) Totals() Stat {
	var total Stat
	for _, s := range r {
		total.Count += s.Count
		total.ActiveNow += s.ActiveNow
		total.TotalSeconds += s.TotalSeconds
	}
	return total
}
