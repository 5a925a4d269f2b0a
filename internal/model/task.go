package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// TaskType identifies the kind of work a queued task carries.
type TaskType string

const (
	TaskTypeIngestEmail       TaskType = "ingest_email"
	TaskTypeIngestChatMessage TaskType = "ingest_chat_message"
	TaskTypePollProvider      TaskType = "poll_provider"
)

// ParseTaskType validates a raw task type string against the closed set.
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(s); t {
	case TaskTypeIngestEmail, TaskTypeIngestChatMessage, TaskTypePollProvider:
		return t, nil
	default:
		return "", eris.Errorf("model: unknown task type %q", s)
	}
}

// TaskStatus represents the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusSuccess    TaskStatus = "success"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is one unit of queued work. Rows transition
// pending -> processing -> {success | pending (retry) | failed} and are
// never deleted; failed rows stay for operator inspection.
type Task struct {
	ID           int64           `json:"id"`
	Type         TaskType        `json:"task_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       TaskStatus      `json:"status"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// MessageSummary is the provider's listing view of an email, carried in
// ingest_email payloads. JSON names follow the provider wire format.
type MessageSummary struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	Sender         string    `json:"sender"`
	BodyPreview    string    `json:"bodyPreview"`
	ReceivedAt     time.Time `json:"receivedAt"`
	HasAttachments bool      `json:"hasAttachments"`
}

// EmailTaskPayload is the payload shape for ingest_email tasks.
type EmailTaskPayload struct {
	Summary MessageSummary `json:"message_summary"`
	Intent  Intent         `json:"classified_intent"`
}

// EncodeEmailTaskPayload marshals an email payload for enqueueing.
func EncodeEmailTaskPayload(summary MessageSummary, intent Intent) (json.RawMessage, error) {
	raw, err := json.Marshal(EmailTaskPayload{Summary: summary, Intent: intent})
	if err != nil {
		return nil, eris.Wrap(err, "model: encode email payload")
	}
	return raw, nil
}
