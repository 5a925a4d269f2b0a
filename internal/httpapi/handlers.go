package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
	"github.com/breakwater-travel/intake-cli/pkg/waapi"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWhatsAppWebhook accepts WaAPI webhook deliveries. The raw body
// becomes the task payload verbatim so the ingest handler sees exactly what
// the provider sent.
func (s *Server) handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if s.webhookSecret != "" {
		sig := r.Header.Get(waapi.SignatureHeader)
		if !waapi.VerifySignature(body, sig, s.webhookSecret) {
			s.log.Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	if event := waapi.EventType(body); event != waapi.EventMessage {
		// Delivery receipts, presence updates and the like are acknowledged
		// without queueing work.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event": event})
		return
	}

	task, err := s.store.EnqueueTask(r.Context(), model.TaskTypeIngestChatMessage, body, time.Now().UTC())
	if err != nil {
		s.log.Error("webhook enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue message")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "task_id": task.ID})
}

func (s *Server) handleListInquiries(w http.ResponseWriter, r *http.Request) {
	filter := store.InquiryFilter{
		Status: model.InquiryStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	inquiries, err := s.store.ListInquiries(r.Context(), filter)
	if err != nil {
		s.log.Error("list inquiries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list inquiries")
		return
	}
	if inquiries == nil {
		inquiries = []model.Inquiry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"inquiries": inquiries})
}

// inquiryDetail is the dashboard's full view of one inquiry.
type inquiryDetail struct {
	Inquiry       *model.Inquiry       `json:"inquiry"`
	ExtractedData *model.ExtractedData `json:"extracted_data,omitempty"`
	EmailMessages []model.EmailMessage `json:"email_messages"`
	ChatMessages  []model.ChatMessage  `json:"chat_messages"`
}

func (s *Server) handleGetInquiry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	inq, err := s.store.GetInquiry(r.Context(), id)
	if err != nil {
		s.log.Error("get inquiry failed", zap.Int64("inquiry_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load inquiry")
		return
	}
	if inq == nil {
		writeError(w, http.StatusNotFound, "inquiry not found")
		return
	}

	data, err := s.store.GetExtractedData(r.Context(), id, false)
	if err != nil {
		s.log.Error("get extracted data failed", zap.Int64("inquiry_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load extracted data")
		return
	}

	emails, err := s.store.ListEmailMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	chats, err := s.store.ListChatMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if emails == nil {
		emails = []model.EmailMessage{}
	}
	if chats == nil {
		chats = []model.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, inquiryDetail{
		Inquiry:       inq,
		ExtractedData: data,
		EmailMessages: emails,
		ChatMessages:  chats,
	})
}

type fieldPatch struct {
	Field     string `json:"field"`
	Value     string `json:"value"`
	UpdatedBy string `json:"updated_by"`
}

// handlePatchInquiryFields applies a manual correction. It bypasses the
// merge: the value wins outright and the validation status pins to
// Manually Corrected.
func (s *Server) handlePatchInquiryFields(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var patch fieldPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if patch.Field == "" {
		writeError(w, http.StatusBadRequest, "field is required")
		return
	}
	if patch.UpdatedBy == "" {
		writeError(w, http.StatusBadRequest, "updated_by is required")
		return
	}

	inq, err := s.store.GetInquiry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load inquiry")
		return
	}
	if inq == nil {
		writeError(w, http.StatusNotFound, "inquiry not found")
		return
	}

	if err := s.store.UpdateExtractedField(r.Context(), id, patch.Field, patch.Value, patch.UpdatedBy); err != nil {
		s.log.Error("manual field update failed",
			zap.Int64("inquiry_id", id),
			zap.String("field", patch.Field),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update field")
		return
	}

	data, err := s.store.GetExtractedData(r.Context(), id, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load extracted data")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.TaskStats(r.Context(), time.Now().UTC())
	if err != nil {
		s.log.Error("queue stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// pathID parses the {id} route parameter, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid inquiry id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
