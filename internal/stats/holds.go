package stats

import (
	"sort"

	"github.com/goodtune/loopsync/internal/storage"
	"github.com/influxdata/tdigest"
)

// HoldSummary describes the distribution of completed hold lengths, in
// seconds.
type HoldSummary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

// SummarizeHolds builds a quantile summary over every closed interval.
func SummarizeHolds(users []storage.UserSession) HoldSummary {
	var holds []float64
	for _, u := range users {
		for _, iv := range u.ActivationRecords {
			if iv.Open() {
				continue
			}
			holds = append(holds, float64(iv.Millis(0))/1000)
		}
	}

	if len(holds) == 0 {
		return HoldSummary{}
	}

	// The digest's centroids depend on insertion order.
	sort.Float64s(holds)

	td := tdigest.NewWithCompression(100)
	for _, h := range holds {
		td.Add(h, 1)
	}

	return HoldSummary{
		Count: len(holds),
		P50:   td.Quantile(0.50),
		P90:   td.Quantile(0.90),
		P99:   td.Quantile(0.99),
		Max:   holds[len(holds)-1],
	}
}
