package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/resilience"
	"github.com/breakwater-travel/intake-cli/pkg/graph"
)

func emailTask(t *testing.T, summary model.MessageSummary, intent model.Intent) *model.Task {
	t.Helper()
	payload, err := model.EncodeEmailTaskPayload(summary, intent)
	require.NoError(t, err)
	return &model.Task{ID: 1, Type: model.TaskTypeIngestEmail, Payload: payload, Attempts: 1}
}

func TestEmailHandler_ProcessesNewMessage(t *testing.T) {
	st := newIngestStore()
	gc := &stubGraph{
		detail: &graph.MessageDetail{
			MessageSummary: graph.MessageSummary{
				ID:         "msg-1",
				Subject:    "Trip to Italy",
				Sender:     "Jane@Example.com",
				ReceivedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
			},
			Body: "My name is Jane Doe, traveling to Italy.",
		},
	}
	engine := &stubEngine{
		fields: map[string]string{model.FieldFirstName: "Jane", model.FieldDestination: "Italy"},
		source: model.SourcePattern,
	}
	h := NewEmailHandler(st, gc, engine)

	res, err := h.Handle(context.Background(), emailTask(t, model.MessageSummary{ID: "msg-1"}, model.IntentInquiry))
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	msg := st.emails["msg-1"]
	require.NotNil(t, msg)
	assert.Equal(t, "jane@example.com", msg.SenderIdentity)
	assert.Equal(t, model.ProcessingProcessed, msg.ProcessingState)
	assert.Equal(t, model.IntentInquiry, msg.Intent)
	require.NotNil(t, msg.InquiryID)
	assert.Equal(t, res.InquiryID, *msg.InquiryID)

	ed := st.extracted[res.InquiryID]
	require.NotNil(t, ed)
	assert.Equal(t, "Jane", ed.Data[model.FieldFirstName])
	assert.Equal(t, model.ValidationIncomplete, ed.ValidationStatus)
	assert.Contains(t, ed.MissingFields, model.FieldTripCost)

	inq := st.inquiries["jane@example.com"]
	require.NotNil(t, inq)
	assert.Equal(t, model.InquiryStatusIncomplete, inq.Status)
	assert.Equal(t, 1, st.txCount)
}

func TestEmailHandler_SecondRunSkips(t *testing.T) {
	st := newIngestStore()
	gc := &stubGraph{}
	engine := &stubEngine{source: model.SourceNone}
	h := NewEmailHandler(st, gc, engine)
	task := emailTask(t, model.MessageSummary{ID: "msg-1"}, model.IntentInquiry)

	_, err := h.Handle(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, st.emails, 1)

	res, err := h.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Len(t, st.emails, 1)
	assert.Equal(t, 1, gc.getCalls, "duplicate guard must fire before the provider fetch")
}

func TestEmailHandler_DuplicateInsertRaceIsSkip(t *testing.T) {
	st := newIngestStore()
	st.dupEmailInsert = true
	h := NewEmailHandler(st, &stubGraph{}, &stubEngine{source: model.SourceNone})

	res, err := h.Handle(context.Background(), emailTask(t, model.MessageSummary{ID: "msg-1"}, model.IntentInquiry))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, st.rolledBack)
}

func TestEmailHandler_MalformedPayloadIsPermanent(t *testing.T) {
	h := NewEmailHandler(newIngestStore(), &stubGraph{}, &stubEngine{})

	_, err := h.Handle(context.Background(), &model.Task{Payload: json.RawMessage(`{not json`)})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))

	_, err = h.Handle(context.Background(), &model.Task{Payload: json.RawMessage(`{"message_summary":{}}`)})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err), "missing message id cannot be fixed by retrying")
}

func TestEmailHandler_ProviderFailureRecordsMessageError(t *testing.T) {
	st := newIngestStore()
	gc := &stubGraph{detailErr: resilience.NewTransientError(assert.AnError, 503)}
	h := NewEmailHandler(st, gc, &stubEngine{})

	_, err := h.Handle(context.Background(), emailTask(t, model.MessageSummary{ID: "msg-1"}, model.IntentInquiry))
	require.Error(t, err)
	assert.False(t, resilience.IsPermanent(err), "provider failures stay retryable")
	assert.Empty(t, st.emails)
}

func TestEmailHandler_SavesAttachmentMetadata(t *testing.T) {
	st := newIngestStore()
	gc := &stubGraph{
		detail: &graph.MessageDetail{
			MessageSummary: graph.MessageSummary{ID: "msg-1", Sender: "jane@example.com", HasAttachments: true},
			Body:           "itinerary attached",
		},
		attachments: []graph.Attachment{
			{ID: "att-1", Name: "itinerary.pdf", ContentType: "application/pdf", Size: 1024},
		},
	}
	h := NewEmailHandler(st, gc, &stubEngine{source: model.SourceNone})

	_, err := h.Handle(context.Background(), emailTask(t, model.MessageSummary{ID: "msg-1"}, model.IntentInquiry))
	require.NoError(t, err)
	require.Len(t, st.atts, 1)
	assert.Equal(t, "itinerary.pdf", st.atts[0].Name)
	assert.Equal(t, "msg-1", st.atts[0].MessageID)
}

func TestEmailHandler_HTMLBodyReducedBeforeExtraction(t *testing.T) {
	st := newIngestStore()
	gc := &stubGraph{
		detail: &graph.MessageDetail{
			MessageSummary: graph.MessageSummary{ID: "msg-1", Sender: "jane@example.com"},
			Body:           "<html><body><p>Hello &amp; welcome</p></body></html>",
			BodyIsHTML:     true,
		},
	}
	h := NewEmailHandler(st, gc, &stubEngine{source: model.SourceNone})

	_, err := h.Handle(context.Background(), emailTask(t, model.MessageSummary{ID: "msg-1"}, model.IntentInquiry))
	require.NoError(t, err)
	assert.Equal(t, "Hello & welcome", st.emails["msg-1"].Body)
}
