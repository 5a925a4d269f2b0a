package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
	"github.com/breakwater-travel/intake-cli/pkg/graph"
)

// ingestStore is an in-memory stub of the Store surface the handlers and the
// poller touch. The embedded interface panics on anything unimplemented.
type ingestStore struct {
	store.Store

	inquiries map[string]*model.Inquiry
	extracted map[int64]*model.ExtractedData
	emails    map[string]*model.EmailMessage
	chats     map[string]*model.ChatMessage
	atts      []model.AttachmentMeta
	settings  map[string]string
	tasks     []*model.Task
	nextID    int64

	// dupEmailInsert / dupChatInsert make the insert lose the concurrent
	// delivery race regardless of map state.
	dupEmailInsert bool
	dupChatInsert  bool
	enqueueErr     error
	settingErr     error

	emailFailures []*model.EmailMessage
	chatFailures  []*model.ChatMessage
	txCount       int
	rolledBack    bool
}

func newIngestStore() *ingestStore {
	return &ingestStore{
		inquiries: make(map[string]*model.Inquiry),
		extracted: make(map[int64]*model.ExtractedData),
		emails:    make(map[string]*model.EmailMessage),
		chats:     make(map[string]*model.ChatMessage),
		settings:  make(map[string]string),
		nextID:    10,
	}
}

func (s *ingestStore) WithTx(_ context.Context, fn func(store.Store) error) error {
	s.txCount++
	if err := fn(s); err != nil {
		s.rolledBack = true
		return err
	}
	return nil
}

func (s *ingestStore) GetInquiryByIdentity(_ context.Context, identity string, _ bool) (*model.Inquiry, error) {
	return s.inquiries[identity], nil
}

func (s *ingestStore) CreateInquiry(_ context.Context, identity string) (*model.Inquiry, error) {
	s.nextID++
	inq := &model.Inquiry{ID: s.nextID, PrimaryIdentity: identity, Status: model.InquiryStatusNew}
	s.inquiries[identity] = inq
	return inq, nil
}

func (s *ingestStore) UpdateInquiryStatus(_ context.Context, id int64, status model.InquiryStatus) error {
	for _, inq := range s.inquiries {
		if inq.ID == id {
			inq.Status = status
		}
	}
	return nil
}

func (s *ingestStore) GetExtractedData(_ context.Context, inquiryID int64, _ bool) (*model.ExtractedData, error) {
	return s.extracted[inquiryID], nil
}

func (s *ingestStore) UpsertExtractedData(_ context.Context, data *model.ExtractedData) error {
	s.extracted[data.InquiryID] = data
	return nil
}

func (s *ingestStore) GetEmailMessage(_ context.Context, id string) (*model.EmailMessage, error) {
	return s.emails[id], nil
}

func (s *ingestStore) InsertEmailMessage(_ context.Context, msg *model.EmailMessage) error {
	if s.dupEmailInsert {
		return store.ErrDuplicate
	}
	if _, ok := s.emails[msg.ID]; ok {
		return store.ErrDuplicate
	}
	s.emails[msg.ID] = msg
	return nil
}

func (s *ingestStore) RecordEmailFailure(_ context.Context, msg *model.EmailMessage) error {
	s.emailFailures = append(s.emailFailures, msg)
	return nil
}

func (s *ingestStore) GetChatMessage(_ context.Context, id string) (*model.ChatMessage, error) {
	return s.chats[id], nil
}

func (s *ingestStore) InsertChatMessage(_ context.Context, msg *model.ChatMessage) error {
	if s.dupChatInsert {
		return store.ErrDuplicate
	}
	if _, ok := s.chats[msg.ID]; ok {
		return store.ErrDuplicate
	}
	s.chats[msg.ID] = msg
	return nil
}

func (s *ingestStore) RecordChatFailure(_ context.Context, msg *model.ChatMessage) error {
	s.chatFailures = append(s.chatFailures, msg)
	return nil
}

func (s *ingestStore) SaveAttachmentMeta(_ context.Context, att model.AttachmentMeta) error {
	s.atts = append(s.atts, att)
	return nil
}

func (s *ingestStore) EnqueueTask(_ context.Context, taskType model.TaskType, payload json.RawMessage, scheduledFor time.Time) (*model.Task, error) {
	if s.enqueueErr != nil {
		return nil, s.enqueueErr
	}
	s.nextID++
	task := &model.Task{
		ID:           s.nextID,
		Type:         taskType,
		Payload:      payload,
		Status:       model.TaskStatusPending,
		ScheduledFor: scheduledFor,
	}
	s.tasks = append(s.tasks, task)
	return task, nil
}

func (s *ingestStore) GetSetting(_ context.Context, key string) (string, error) {
	return s.settings[key], nil
}

func (s *ingestStore) SetSetting(_ context.Context, key, value string) error {
	if s.settingErr != nil {
		return s.settingErr
	}
	s.settings[key] = value
	return nil
}

func (s *ingestStore) MaxEmailReceivedAt(_ context.Context) (*time.Time, error) {
	var max *time.Time
	for _, m := range s.emails {
		if max == nil || m.ReceivedAt.After(*max) {
			t := m.ReceivedAt
			max = &t
		}
	}
	return max, nil
}

// stubEngine returns canned extraction results.
type stubEngine struct {
	fields    map[string]string
	source    model.ExtractionSource
	fieldsErr error

	intent    model.Intent
	intentErr error

	classified []string
}

func (e *stubEngine) Fields(_ context.Context, _ string) (map[string]string, model.ExtractionSource, error) {
	if e.fieldsErr != nil {
		return nil, model.SourceNone, e.fieldsErr
	}
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out, e.source, nil
}

func (e *stubEngine) ClassifyIntent(_ context.Context, subject, _ string) (model.Intent, error) {
	e.classified = append(e.classified, subject)
	if e.intentErr != nil {
		return model.IntentUnknown, e.intentErr
	}
	return e.intent, nil
}

// stubGraph returns canned provider responses.
type stubGraph struct {
	listOut []graph.MessageSummary
	listErr error

	detail    *graph.MessageDetail
	detailErr error

	attachments []graph.Attachment

	getCalls  int
	listCalls int
}

func (g *stubGraph) ListMessagesSince(_ context.Context, _ time.Time) ([]graph.MessageSummary, error) {
	g.listCalls++
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.listOut, nil
}

func (g *stubGraph) GetMessage(_ context.Context, id string) (*graph.MessageDetail, error) {
	g.getCalls++
	if g.detailErr != nil {
		return nil, g.detailErr
	}
	if g.detail != nil {
		return g.detail, nil
	}
	return &graph.MessageDetail{MessageSummary: graph.MessageSummary{ID: id, Sender: "jane@example.com"}, Body: "hello"}, nil
}

func (g *stubGraph) ListAttachments(_ context.Context, _ string) ([]graph.Attachment, error) {
	return g.attachments, nil
}

func (g *stubGraph) SendReply(_ context.Context, _, _ string) error {
	return nil
}
