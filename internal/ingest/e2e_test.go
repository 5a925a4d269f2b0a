package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakwater-travel/intake-cli/internal/extract"
	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/queue"
	"github.com/breakwater-travel/intake-cli/internal/store"
)

// patternOnly adapts the pattern engine to the Engine interface for tests
// that must not touch an LLM.
type patternOnly struct {
	*extract.PatternEngine
}

func (patternOnly) ClassifyIntent(context.Context, string, string) (model.Intent, error) {
	return model.IntentUnknown, nil
}

func newE2EStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func chatWebhook(id, chatID, body string) *model.Task {
	payload := fmt.Sprintf(`{
		"event": "message",
		"message": {"id": %q, "chatId": %q, "from": %q, "type": "chat", "body": %q, "timestamp": 1756500000}
	}`, id, chatID, chatID, body)
	return &model.Task{Type: model.TaskTypeIngestChatMessage, Payload: []byte(payload), Attempts: 1}
}

// Two chat messages from one chat id, each carrying part of the trip, must
// end as a single Complete inquiry regardless of processing order.
func TestChatIngestion_EndToEnd(t *testing.T) {
	first := chatWebhook("wa-e2e-1", "15551234567@c.us",
		"Hi! My name is Ms. Jane Doe and I'd like travel insurance.")
	second := chatWebhook("wa-e2e-2", "15551234567@c.us",
		"We are traveling to Rome from 2026-09-01 to 2026-09-14, total cost $4,200.00 for the trip.")

	orders := map[string][]*model.Task{
		"first then second": {first, second},
		"second then first": {second, first},
	}

	for name, tasks := range orders {
		t.Run(name, func(t *testing.T) {
			st := newE2EStore(t)
			h := NewChatHandler(st, patternOnly{extract.NewPatternEngine()})
			ctx := context.Background()

			for _, task := range tasks {
				res, err := h.Handle(ctx, task)
				require.NoError(t, err)
				assert.False(t, res.Skipped)
			}

			inquiries, err := st.ListInquiries(ctx, store.InquiryFilter{})
			require.NoError(t, err)
			require.Len(t, inquiries, 1, "one chat id must resolve to one inquiry")
			inq := inquiries[0]
			assert.Equal(t, "whatsapp_15551234567@wa.breakwater.internal", inq.PrimaryIdentity)

			ed, err := st.GetExtractedData(ctx, inq.ID, false)
			require.NoError(t, err)
			require.NotNil(t, ed)
			assert.Equal(t, model.ValidationComplete, ed.ValidationStatus,
				"all essentials present: %v missing", ed.MissingFields)
			assert.Equal(t, "Jane", ed.Data[model.FieldFirstName])
			assert.Equal(t, "Doe", ed.Data[model.FieldLastName])
			assert.Equal(t, "4200", ed.Data[model.FieldTripCost])
			assert.Empty(t, ed.MissingFields)
			assert.Equal(t, model.InquiryStatusComplete, inq.Status)

			msgs, err := st.ListChatMessages(ctx, inq.ID)
			require.NoError(t, err)
			assert.Len(t, msgs, 2)
		})
	}
}

// Replaying a full ingestion through the real store exercises the
// unique-constraint dedup path rather than the handler's guard alone.
func TestChatIngestion_ReplayIsIdempotent(t *testing.T) {
	st := newE2EStore(t)
	h := NewChatHandler(st, patternOnly{extract.NewPatternEngine()})
	ctx := context.Background()
	task := chatWebhook("wa-replay", "15551234567@c.us", "My name is Jane.")

	res, err := h.Handle(ctx, task)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = h.Handle(ctx, task)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	inquiries, err := st.ListInquiries(ctx, store.InquiryFilter{})
	require.NoError(t, err)
	require.Len(t, inquiries, 1)
	msgs, err := st.ListChatMessages(ctx, inquiries[0].ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// The full queue path: enqueue ingest tasks, run the worker until the
// backlog drains, verify the tasks settled and the inquiry merged.
func TestQueueDrain_EndToEnd(t *testing.T) {
	st := newE2EStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		task := chatWebhook(fmt.Sprintf("wa-q-%d", i), "15559876543@c.us",
			fmt.Sprintf("Message %d: traveling to Lisbon", i))
		_, err := st.EnqueueTask(ctx, task.Type, task.Payload, time.Time{})
		require.NoError(t, err)
	}

	d := queue.NewDispatcher()
	d.Register(NewChatHandler(st, patternOnly{extract.NewPatternEngine()}))
	w := queue.NewWorker(st, d, queue.Config{})

	for {
		claimed, err := w.RunOnce(ctx)
		require.NoError(t, err)
		if !claimed {
			break
		}
	}

	stats, err := st.TaskStats(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Success)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Failed)

	inquiries, err := st.ListInquiries(ctx, store.InquiryFilter{})
	require.NoError(t, err)
	require.Len(t, inquiries, 1)
	ed, err := st.GetExtractedData(ctx, inquiries[0].ID, false)
	require.NoError(t, err)
	require.NotNil(t, ed)
	assert.True(t, strings.EqualFold(ed.Data[model.FieldDestination], "Lisbon"))
}
