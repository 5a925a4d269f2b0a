package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
)

// monitorStore stubs the two read methods the collector uses. Anything else
// panics via the embedded nil interface.
type monitorStore struct {
	store.Store
	stats    store.TaskStats
	statsErr error
	counts   map[model.InquiryStatus]int
}

func (s *monitorStore) TaskStats(_ context.Context, _ time.Time) (*store.TaskStats, error) {
	if s.statsErr != nil {
		return nil, s.statsErr
	}
	stats := s.stats
	return &stats, nil
}

func (s *monitorStore) InquiryStatusCounts(_ context.Context) (map[model.InquiryStatus]int, error) {
	return s.counts, nil
}

func TestCollector_Snapshot(t *testing.T) {
	oldest := time.Now().UTC().Add(-10 * time.Minute)
	st := &monitorStore{
		stats: store.TaskStats{
			Pending:       4,
			Processing:    1,
			Success:       20,
			Failed:        2,
			DueNow:        3,
			OldestPending: &oldest,
		},
		counts: map[model.InquiryStatus]int{
			model.InquiryStatusComplete:   5,
			model.InquiryStatusIncomplete: 3,
		},
	}

	snap, err := NewCollector(st).Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, snap.PendingTasks)
	assert.Equal(t, 1, snap.ProcessingTasks)
	assert.Equal(t, 20, snap.SucceededTasks)
	assert.Equal(t, 2, snap.FailedTasks)
	assert.Equal(t, 3, snap.DueNowTasks)
	assert.Equal(t, 5, snap.Inquiries[model.InquiryStatusComplete])
	assert.InDelta(t, float64(10*time.Minute), float64(snap.OldestDueAge), float64(5*time.Second))
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_StoreError(t *testing.T) {
	st := &monitorStore{statsErr: assert.AnError}

	_, err := NewCollector(st).Snapshot(context.Background())
	require.Error(t, err)
}

func TestCollector_NoPendingTasks(t *testing.T) {
	st := &monitorStore{}

	snap, err := NewCollector(st).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.OldestDueAge)
}

func TestCollector_FuturePendingHasNoAge(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	st := &monitorStore{stats: store.TaskStats{Pending: 1, OldestPending: &future}}

	snap, err := NewCollector(st).Snapshot(context.Background())
	require.NoError(t, err)
	// A task scheduled into the future by retry backoff is not stale.
	assert.Zero(t, snap.OldestDueAge)
}
