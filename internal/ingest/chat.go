package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/breakwater-travel/intake-cli/internal/extract"
	"github.com/breakwater-travel/intake-cli/internal/inquiry"
	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/queue"
	"github.com/breakwater-travel/intake-cli/internal/resilience"
	"github.com/breakwater-travel/intake-cli/internal/store"
	"github.com/breakwater-travel/intake-cli/pkg/waapi"
)

// ChatHandler ingests one WhatsApp message per task. The task payload is the
// raw webhook JSON stored verbatim at enqueue time; everything needed is
// already in it, so unlike email there is no provider fetch.
type ChatHandler struct {
	store  store.Store
	engine extract.Engine
}

// NewChatHandler creates the ingest_chat_message handler.
func NewChatHandler(st store.Store, engine extract.Engine) *ChatHandler {
	return &ChatHandler{store: st, engine: engine}
}

func (h *ChatHandler) TaskType() model.TaskType {
	return model.TaskTypeIngestChatMessage
}

func (h *ChatHandler) Handle(ctx context.Context, task *model.Task) (queue.Result, error) {
	if ev := waapi.EventType(task.Payload); ev != "" && ev != waapi.EventMessage {
		return queue.Skip(fmt.Sprintf("non-message event %q", ev)), nil
	}

	msg, err := waapi.ParseWebhookMessage(task.Payload)
	if err != nil {
		return queue.Result{}, resilience.NewPermanentError(err)
	}
	if msg.FromMe {
		return queue.Skip("own outbound message echo"), nil
	}

	existing, err := h.store.GetChatMessage(ctx, msg.ID)
	if err != nil {
		return queue.Result{}, err
	}
	if existing != nil {
		return queue.Skip("chat message already ingested"), nil
	}

	// Media messages carry their text in the caption.
	text := msg.Body
	if strings.TrimSpace(text) == "" {
		text = msg.MediaCaption
	}

	fields, source, err := h.engine.Fields(ctx, text)
	if err != nil {
		return queue.Result{}, err
	}

	identity := inquiry.ChatIdentity(msg.ChatID)
	msg.ProcessingState = model.ProcessingProcessed

	var inquiryID int64
	var duplicate bool
	err = h.store.WithTx(ctx, func(tx store.Store) error {
		inq, _, err := inquiry.Resolve(ctx, tx, identity)
		if err != nil {
			return err
		}
		inquiryID = inq.ID

		msg.InquiryID = &inq.ID
		if err := tx.InsertChatMessage(ctx, msg); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				duplicate = true
				return nil
			}
			return err
		}

		return applyExtraction(ctx, tx, inq, fields, source)
	})
	if err != nil {
		h.recordFailure(ctx, msg, err)
		return queue.Result{}, err
	}
	if duplicate {
		return queue.Skip("chat message already ingested"), nil
	}
	return queue.Result{InquiryID: inquiryID}, nil
}

func (h *ChatHandler) recordFailure(ctx context.Context, msg *model.ChatMessage, cause error) {
	failed := *msg
	failed.InquiryID = nil
	failed.ProcessingState = model.ProcessingError
	failed.ProcessingError = cause.Error()
	_ = h.store.RecordChatFailure(ctx, &failed)
}
