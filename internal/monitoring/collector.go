// Package monitoring watches item failure rates and long-running batches and
// raises webhook alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Item metrics (updated within the lookback window).
	ItemsCompleted   int     `json:"items_completed"`
	ItemsFailed      int     `json:"items_failed"`
	ItemsFilteredOut int     `json:"items_filtered_out"`
	ItemsInFlight    int     `json:"items_in_flight"`
	ItemFailRate     float64 `json:"item_fail_rate"`

	// Batch metrics.
	ActiveBatches int      `json:"active_batches"`
	StuckBatches  []string `json:"stuck_batches,omitempty"`

	// Metadata.
	LookbackHours   int       `json:"lookback_hours"`
	StuckAfterHours int       `json:"stuck_after_hours"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

var activeStatuses = []model.BatchStatus{model.BatchProcessing, model.BatchAwaitingSecondSync}

// Collect gathers a snapshot over the lookback window. Active batches that
// have not changed status for stuckAfterHours are reported as stuck; zero
// disables the check.
func (c *Collector) Collect(ctx context.Context, lookbackHours, stuckAfterHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours:   lookbackHours,
		StuckAfterHours: stuckAfterHours,
		CollectedAt:     now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := c.store.CountItemsUpdatedSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count items")
	}
	for status, n := range counts {
		switch {
		case status == model.ItemCompleted:
			snap.ItemsCompleted += n
		case status == model.ItemFailed:
			snap.ItemsFailed += n
		case status == model.ItemFilteredOut:
			snap.ItemsFilteredOut += n
		case !status.IsTerminal():
			snap.ItemsInFlight += n
		}
	}
	if finished := snap.ItemsCompleted + snap.ItemsFailed + snap.ItemsFilteredOut; finished > 0 {
		snap.ItemFailRate = float64(snap.ItemsFailed) / float64(finished)
	}

	active, err := c.store.ListBatches(ctx, store.BatchFilter{Statuses: activeStatuses, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list active batches")
	}
	snap.ActiveBatches = len(active)

	if stuckAfterHours > 0 {
		stuckBefore := now.Add(-time.Duration(stuckAfterHours) * time.Hour)
		for _, b := range active {
			if b.UpdatedAt.Before(stuckBefore) {
				snap.StuckBatches = append(snap.StuckBatches, b.ID)
			}
		}
	}

	return snap, nil
}
