package model

import "time"

// ProcessingStatus tracks a stored message through ingestion.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingProcessed ProcessingStatus = "processed"
	ProcessingSkipped   ProcessingStatus = "skipped"
	ProcessingError     ProcessingStatus = "error"
)

// Intent is the classified purpose of an inbound email.
type Intent string

const (
	IntentInquiry       Intent = "inquiry"
	IntentSpam          Intent = "spam"
	IntentSolicitation  Intent = "solicitation"
	IntentOutOfOffice   Intent = "out_of_office"
	IntentUndeliverable Intent = "undeliverable"
	IntentConfirmation  Intent = "confirmation"
	IntentPersonal      Intent = "personal"
	IntentOther         Intent = "other"
	IntentUnknown       Intent = "unknown"
)

// Actionable reports whether a message with this intent should be ingested.
// Unknown stays actionable so classifier outages never drop real inquiries.
func (i Intent) Actionable() bool {
	return i == IntentInquiry || i == IntentUnknown || i == ""
}

// EmailMessage is a stored email keyed by the provider-assigned message id,
// which is the de-duplication key for ingestion.
type EmailMessage struct {
	ID              string           `json:"id"`
	InquiryID       *int64           `json:"inquiry_id,omitempty"`
	SenderIdentity  string           `json:"sender_identity"`
	Subject         string           `json:"subject"`
	Body            string           `json:"body"`
	BodyPreview     string           `json:"body_preview"`
	Intent          Intent           `json:"intent"`
	ReceivedAt      time.Time        `json:"received_at"`
	ProcessingState ProcessingStatus `json:"processing_status"`
	ProcessingError string           `json:"processing_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ChatMessage is a stored WhatsApp message keyed by the provider message id.
// Location messages carry a GeoJSON point; media messages carry descriptor
// fields only, content is never downloaded.
type ChatMessage struct {
	ID              string           `json:"id"`
	InquiryID       *int64           `json:"inquiry_id,omitempty"`
	ChatID          string           `json:"chat_id"`
	SenderNumber    string           `json:"sender_number"`
	FromMe          bool             `json:"from_me"`
	MessageType     string           `json:"message_type"`
	Body            string           `json:"body"`
	MediaURL        string           `json:"media_url,omitempty"`
	MediaMimeType   string           `json:"media_mime_type,omitempty"`
	MediaCaption    string           `json:"media_caption,omitempty"`
	MediaFilename   string           `json:"media_filename,omitempty"`
	Location        string           `json:"location,omitempty"`
	SentAt          time.Time        `json:"sent_at"`
	ReceivedAt      time.Time        `json:"received_at"`
	ProcessingState ProcessingStatus `json:"processing_status"`
	ProcessingError string           `json:"processing_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// AttachmentMeta records an email attachment's metadata.
type AttachmentMeta struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	IsInline    bool   `json:"is_inline"`
}
