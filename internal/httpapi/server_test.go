package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakwater-travel/intake-cli/internal/config"
	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
	"github.com/breakwater-travel/intake-cli/pkg/waapi"
)

// apiStore stubs the store methods the handlers touch. Unimplemented
// methods panic via the embedded nil interface.
type apiStore struct {
	store.Store

	pingErr error

	enqueued   []model.Task
	enqueueErr error

	inquiries  []model.Inquiry
	lastFilter store.InquiryFilter

	inquiry   *model.Inquiry
	extracted *model.ExtractedData

	fieldUpdates []fieldPatch

	stats store.TaskStats
}

func (s *apiStore) Ping(context.Context) error { return s.pingErr }

func (s *apiStore) EnqueueTask(_ context.Context, taskType model.TaskType, payload json.RawMessage, scheduledFor time.Time) (*model.Task, error) {
	if s.enqueueErr != nil {
		return nil, s.enqueueErr
	}
	task := model.Task{
		ID:           int64(len(s.enqueued) + 1),
		Type:         taskType,
		Payload:      payload,
		Status:       model.TaskStatusPending,
		ScheduledFor: scheduledFor,
	}
	s.enqueued = append(s.enqueued, task)
	return &task, nil
}

func (s *apiStore) ListInquiries(_ context.Context, filter store.InquiryFilter) ([]model.Inquiry, error) {
	s.lastFilter = filter
	return s.inquiries, nil
}

func (s *apiStore) GetInquiry(_ context.Context, id int64) (*model.Inquiry, error) {
	if s.inquiry != nil && s.inquiry.ID == id {
		return s.inquiry, nil
	}
	return nil, nil
}

func (s *apiStore) GetExtractedData(_ context.Context, _ int64, _ bool) (*model.ExtractedData, error) {
	return s.extracted, nil
}

func (s *apiStore) ListEmailMessages(context.Context, int64) ([]model.EmailMessage, error) {
	return nil, nil
}

func (s *apiStore) ListChatMessages(context.Context, int64) ([]model.ChatMessage, error) {
	return nil, nil
}

func (s *apiStore) UpdateExtractedField(_ context.Context, _ int64, field, value, updatedBy string) error {
	s.fieldUpdates = append(s.fieldUpdates, fieldPatch{Field: field, Value: value, UpdatedBy: updatedBy})
	return nil
}

func (s *apiStore) TaskStats(context.Context, time.Time) (*store.TaskStats, error) {
	stats := s.stats
	return &stats, nil
}

func newTestServer(st *apiStore, secret string) *httptest.Server {
	srv := NewServer(st, config.ServerConfig{Addr: ":0"}, secret)
	return httptest.NewServer(srv.Router())
}

func TestHealth(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestHealth_StoreDown(t *testing.T) {
	st := &apiStore{pingErr: assert.AnError}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

const webhookBody = `{"event":"message","message":{"id":{"_serialized":"msg-1"},"chatId":"15551234567@c.us","body":"hi"}}`

func postWebhook(t *testing.T, url, body, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/webhooks/whatsapp", strings.NewReader(body))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set(waapi.SignatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestWebhook_ValidSignatureEnqueues(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "topsecret")
	defer ts.Close()

	sig := waapi.Sign([]byte(webhookBody), "topsecret")
	resp := postWebhook(t, ts.URL, webhookBody, sig)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, st.enqueued, 1)
	assert.Equal(t, model.TaskTypeIngestChatMessage, st.enqueued[0].Type)
	assert.JSONEq(t, webhookBody, string(st.enqueued[0].Payload))
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "topsecret")
	defer ts.Close()

	resp := postWebhook(t, ts.URL, webhookBody, waapi.Sign([]byte(webhookBody), "wrong"))
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, st.enqueued)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid signature", body["error"])
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "topsecret")
	defer ts.Close()

	resp := postWebhook(t, ts.URL, webhookBody, "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhook_NoSecretSkipsVerification(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp := postWebhook(t, ts.URL, webhookBody, "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, st.enqueued, 1)
}

func TestWebhook_NonMessageEventIgnored(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp := postWebhook(t, ts.URL, `{"event":"qr","data":{}}`, "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, st.enqueued)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ignored", body["status"])
	assert.Equal(t, "qr", body["event"])
}

func TestWebhook_EnqueueFailure(t *testing.T) {
	st := &apiStore{enqueueErr: assert.AnError}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp := postWebhook(t, ts.URL, webhookBody, "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestListInquiries_FilterPassthrough(t *testing.T) {
	st := &apiStore{inquiries: []model.Inquiry{
		{ID: 1, PrimaryIdentity: "jane@example.com", Status: model.InquiryStatusComplete},
	}}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/inquiries?status=Complete&limit=10&offset=20")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.InquiryStatusComplete, st.lastFilter.Status)
	assert.Equal(t, 10, st.lastFilter.Limit)
	assert.Equal(t, 20, st.lastFilter.Offset)

	var body struct {
		Inquiries []model.Inquiry `json:"inquiries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Inquiries, 1)
	assert.Equal(t, "jane@example.com", body.Inquiries[0].PrimaryIdentity)
}

func TestListInquiries_EmptyIsArray(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/inquiries")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.JSONEq(t, `[]`, string(body["inquiries"]))
}

func TestGetInquiry_Detail(t *testing.T) {
	st := &apiStore{
		inquiry: &model.Inquiry{ID: 7, PrimaryIdentity: "jane@example.com", Status: model.InquiryStatusIncomplete},
		extracted: &model.ExtractedData{
			InquiryID:        7,
			Data:             map[string]string{model.FieldFirstName: "Jane"},
			ValidationStatus: model.ValidationIncomplete,
			MissingFields:    []string{model.FieldTripCost},
		},
	}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/inquiries/7")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var detail inquiryDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Equal(t, int64(7), detail.Inquiry.ID)
	assert.Equal(t, "Jane", detail.ExtractedData.Data[model.FieldFirstName])
	assert.NotNil(t, detail.EmailMessages)
	assert.NotNil(t, detail.ChatMessages)
}

func TestGetInquiry_NotFound(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/inquiries/99")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetInquiry_BadID(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/inquiries/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func patchFields(t *testing.T, url string, id string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPatch, url+"/api/inquiries/"+id+"/fields", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestPatchFields_ManualCorrection(t *testing.T) {
	st := &apiStore{
		inquiry: &model.Inquiry{ID: 7, Status: model.InquiryStatusIncomplete},
		extracted: &model.ExtractedData{
			InquiryID:        7,
			Data:             map[string]string{model.FieldTripCost: "4200"},
			ValidationStatus: model.ValidationManuallyCorrected,
		},
	}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp := patchFields(t, ts.URL, "7", fieldPatch{
		Field:     model.FieldTripCost,
		Value:     "4200",
		UpdatedBy: "agent@breakwater.example",
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, st.fieldUpdates, 1)
	assert.Equal(t, model.FieldTripCost, st.fieldUpdates[0].Field)
	assert.Equal(t, "agent@breakwater.example", st.fieldUpdates[0].UpdatedBy)

	var data model.ExtractedData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, model.ValidationManuallyCorrected, data.ValidationStatus)
}

func TestPatchFields_Validation(t *testing.T) {
	st := &apiStore{inquiry: &model.Inquiry{ID: 7}}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp := patchFields(t, ts.URL, "7", fieldPatch{Value: "x", UpdatedBy: "agent"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = patchFields(t, ts.URL, "7", fieldPatch{Field: model.FieldTripCost, Value: "x"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Empty(t, st.fieldUpdates)
}

func TestPatchFields_InquiryNotFound(t *testing.T) {
	st := &apiStore{}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp := patchFields(t, ts.URL, "42", fieldPatch{Field: "f", Value: "v", UpdatedBy: "agent"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, st.fieldUpdates)
}

func TestQueueStats(t *testing.T) {
	st := &apiStore{stats: store.TaskStats{Pending: 3, Failed: 1, DueNow: 2}}
	ts := newTestServer(st, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/queue/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stats store.TaskStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.DueNow)
}
