package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/breakwater-travel/intake-cli/internal/extract"
	"github.com/breakwater-travel/intake-cli/internal/inquiry"
	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/queue"
	"github.com/breakwater-travel/intake-cli/internal/resilience"
	"github.com/breakwater-travel/intake-cli/internal/store"
	"github.com/breakwater-travel/intake-cli/pkg/graph"
)

// EmailHandler ingests one email per task: fetch the full message, extract
// trip fields, and commit the message + merged data atomically. Reruns are
// absorbed by the message-id idempotency guard.
type EmailHandler struct {
	store  store.Store
	graph  graph.Client
	engine extract.Engine
}

// NewEmailHandler creates the ingest_email handler.
func NewEmailHandler(st store.Store, gc graph.Client, engine extract.Engine) *EmailHandler {
	return &EmailHandler{store: st, graph: gc, engine: engine}
}

func (h *EmailHandler) TaskType() model.TaskType {
	return model.TaskTypeIngestEmail
}

func (h *EmailHandler) Handle(ctx context.Context, task *model.Task) (queue.Result, error) {
	var payload model.EmailTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return queue.Result{}, resilience.NewPermanentError(eris.Wrap(err, "ingest: decode email payload"))
	}
	if payload.Summary.ID == "" {
		return queue.Result{}, resilience.NewPermanentError(eris.New("ingest: email payload missing message id"))
	}

	existing, err := h.store.GetEmailMessage(ctx, payload.Summary.ID)
	if err != nil {
		return queue.Result{}, err
	}
	if existing != nil {
		return queue.Skip("email already ingested"), nil
	}

	detail, err := h.graph.GetMessage(ctx, payload.Summary.ID)
	if err != nil {
		return queue.Result{}, err
	}

	identity := inquiry.NormalizeIdentity(detail.Sender)
	if identity == "" {
		return queue.Result{}, resilience.NewPermanentError(eris.Errorf("ingest: email %s has no sender address", detail.ID))
	}

	var attachments []graph.Attachment
	if detail.HasAttachments || payload.Summary.HasAttachments {
		attachments, err = h.graph.ListAttachments(ctx, detail.ID)
		if err != nil {
			return queue.Result{}, err
		}
	}

	text := detail.Body
	if detail.BodyIsHTML {
		text = HTMLToText(text)
	}

	fields, source, err := h.engine.Fields(ctx, text)
	if err != nil {
		return queue.Result{}, eris.Wrap(err, "ingest: extract fields")
	}

	intent := payload.Intent
	if intent == "" {
		intent = model.IntentUnknown
	}

	msg := &model.EmailMessage{
		ID:              detail.ID,
		SenderIdentity:  identity,
		Subject:         detail.Subject,
		Body:            text,
		BodyPreview:     detail.BodyPreview,
		Intent:          intent,
		ReceivedAt:      detail.ReceivedAt,
		ProcessingState: model.ProcessingProcessed,
	}

	var inquiryID int64
	var duplicate bool
	err = h.store.WithTx(ctx, func(tx store.Store) error {
		inq, _, err := inquiry.Resolve(ctx, tx, identity)
		if err != nil {
			return err
		}
		inquiryID = inq.ID

		msg.InquiryID = &inq.ID
		if err := tx.InsertEmailMessage(ctx, msg); err != nil {
			// A concurrent delivery of the same message won the insert;
			// its transaction carries the merge.
			if errors.Is(err, store.ErrDuplicate) {
				duplicate = true
				return nil
			}
			return err
		}

		for _, a := range attachments {
			meta := model.AttachmentMeta{
				ID:          a.ID,
				MessageID:   msg.ID,
				Name:        a.Name,
				ContentType: a.ContentType,
				SizeBytes:   a.Size,
				IsInline:    a.IsInline,
			}
			if err := tx.SaveAttachmentMeta(ctx, meta); err != nil {
				return err
			}
		}

		return applyExtraction(ctx, tx, inq, fields, source)
	})
	if err != nil {
		h.recordFailure(ctx, msg, err)
		return queue.Result{}, err
	}
	if duplicate {
		return queue.Skip("email already ingested"), nil
	}
	return queue.Result{InquiryID: inquiryID}, nil
}

// recordFailure marks the message row error outside the failed transaction
// so the operator sees which message is stuck, not just the task error.
func (h *EmailHandler) recordFailure(ctx context.Context, msg *model.EmailMessage, cause error) {
	failed := *msg
	failed.InquiryID = nil
	failed.ProcessingState = model.ProcessingError
	failed.ProcessingError = cause.Error()
	_ = h.store.RecordEmailFailure(ctx, &failed)
}
