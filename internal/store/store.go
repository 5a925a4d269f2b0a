package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/breakwater-travel/intake-cli/internal/model"
)

// ErrDuplicate is returned by message inserts when the provider id already
// exists. Handlers treat it as the expected outcome of concurrent delivery.
var ErrDuplicate = eris.New("store: duplicate key")

// SettingMailPollCheckpoint is the settings key holding the durable mail
// poll checkpoint as an RFC3339 UTC timestamp.
const SettingMailPollCheckpoint = "mail_poll_checkpoint"

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status model.TaskStatus `json:"status,omitempty"`
	Type   model.TaskType   `json:"task_type,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// InquiryFilter specifies criteria for listing inquiries.
type InquiryFilter struct {
	Status model.InquiryStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// TaskStats is a point-in-time snapshot of queue health.
type TaskStats struct {
	Pending       int        `json:"pending"`
	Processing    int        `json:"processing"`
	Success       int        `json:"success"`
	Failed        int        `json:"failed"`
	DueNow        int        `json:"due_now"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Store defines the persistence interface for the intake service.
type Store interface {
	// Task queue
	EnqueueTask(ctx context.Context, taskType model.TaskType, payload json.RawMessage, scheduledFor time.Time) (*model.Task, error)
	// ClaimTask atomically claims the next due pending task, or a processing
	// task whose claim is older than staleBefore (an expired lease). Exactly
	// one concurrent caller receives a given task. Returns (nil, nil) when
	// nothing is due.
	ClaimTask(ctx context.Context, now time.Time, staleBefore time.Time) (*model.Task, error)
	MarkTaskSuccess(ctx context.Context, id int64) error
	MarkTaskRetry(ctx context.Context, id int64, errMsg string, nextRun time.Time) error
	MarkTaskFailed(ctx context.Context, id int64, errMsg string) error
	RequeueTask(ctx context.Context, id int64) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)
	TaskStats(ctx context.Context, now time.Time) (*TaskStats, error)

	// Inquiries
	GetInquiry(ctx context.Context, id int64) (*model.Inquiry, error)
	// GetInquiryByIdentity looks up by primary identity. With forUpdate the
	// row is locked for the calling transaction so concurrent merges on the
	// same inquiry serialize.
	GetInquiryByIdentity(ctx context.Context, identity string, forUpdate bool) (*model.Inquiry, error)
	CreateInquiry(ctx context.Context, identity string) (*model.Inquiry, error)
	UpdateInquiryStatus(ctx context.Context, id int64, status model.InquiryStatus) error
	ListInquiries(ctx context.Context, filter InquiryFilter) ([]model.Inquiry, error)
	InquiryStatusCounts(ctx context.Context) (map[model.InquiryStatus]int, error)

	// Extracted data
	GetExtractedData(ctx context.Context, inquiryID int64, forUpdate bool) (*model.ExtractedData, error)
	UpsertExtractedData(ctx context.Context, data *model.ExtractedData) error
	// UpdateExtractedField is the manual dashboard correction: it bypasses
	// the merge, records who changed the value, and pins the validation
	// status to Manually Corrected.
	UpdateExtractedField(ctx context.Context, inquiryID int64, field, value, updatedBy string) error

	// Messages
	GetEmailMessage(ctx context.Context, id string) (*model.EmailMessage, error)
	InsertEmailMessage(ctx context.Context, msg *model.EmailMessage) error
	RecordEmailFailure(ctx context.Context, msg *model.EmailMessage) error
	GetChatMessage(ctx context.Context, id string) (*model.ChatMessage, error)
	InsertChatMessage(ctx context.Context, msg *model.ChatMessage) error
	RecordChatFailure(ctx context.Context, msg *model.ChatMessage) error
	ListEmailMessages(ctx context.Context, inquiryID int64) ([]model.EmailMessage, error)
	ListChatMessages(ctx context.Context, inquiryID int64) ([]model.ChatMessage, error)
	SaveAttachmentMeta(ctx context.Context, att model.AttachmentMeta) error
	ListAttachmentMeta(ctx context.Context, messageID string) ([]model.AttachmentMeta, error)
	MaxEmailReceivedAt(ctx context.Context) (*time.Time, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// WithTx runs fn against a transactional view of the store. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// maxErrorLen bounds last_error and processing_error columns.
const maxErrorLen = 1000

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// joinFields serializes missing-field lists for the CSV column.
func joinFields(fields []string) string {
	return strings.Join(fields, ",")
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
