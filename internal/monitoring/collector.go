// Package monitoring watches queue and inquiry health: a collector snapshots
// the store, an alerter compares the snapshot against thresholds and posts
// breaches to a webhook, and a checker loops the two on a ticker.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
)

// QueueSnapshot holds a point-in-time view of queue and inquiry health.
type QueueSnapshot struct {
	PendingTasks    int `json:"pending_tasks"`
	ProcessingTasks int `json:"processing_tasks"`
	SucceededTasks  int `json:"succeeded_tasks"`
	FailedTasks     int `json:"failed_tasks"`
	DueNowTasks     int `json:"due_now_tasks"`

	// OldestDueAge is how long the oldest due pending task has been waiting.
	OldestDueAge time.Duration `json:"oldest_due_age"`

	Inquiries map[model.InquiryStatus]int `json:"inquiries"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a snapshot collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Snapshot reads queue and inquiry counts.
func (c *Collector) Snapshot(ctx context.Context) (*QueueSnapshot, error) {
	now := time.Now().UTC()

	stats, err := c.store.TaskStats(ctx, now)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: task stats")
	}

	inquiries, err := c.store.InquiryStatusCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: inquiry counts")
	}

	snap := &QueueSnapshot{
		PendingTasks:    stats.Pending,
		ProcessingTasks: stats.Processing,
		SucceededTasks:  stats.Success,
		FailedTasks:     stats.Failed,
		DueNowTasks:     stats.DueNow,
		Inquiries:       inquiries,
		CollectedAt:     now,
	}
	if stats.OldestPending != nil && stats.OldestPending.Before(now) {
		snap.OldestDueAge = now.Sub(*stats.OldestPending)
	}
	return snap, nil
}
