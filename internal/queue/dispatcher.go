// Package queue implements the durable task queue: a dispatcher that routes
// claimed tasks to typed handlers, and a worker loop that drives claiming,
// retries with exponential backoff, and terminal failure.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/resilience"
)

// ErrUnknownTaskType is returned when a claimed task has no registered
// handler. It is always wrapped as permanent: retrying cannot make a handler
// appear.
var ErrUnknownTaskType = errors.New("unknown task type")

// Result reports what a handler did with a task, for structured logs.
type Result struct {
	// InquiryID is set when the task touched a customer inquiry.
	InquiryID int64
	// Skipped means the handler intentionally did nothing (duplicate
	// message, from-me chat echo, non-message event).
	Skipped bool
	Reason  string
}

// Skip builds a skipped Result with the given reason.
func Skip(reason string) Result {
	return Result{Skipped: true, Reason: reason}
}

// Handler processes tasks of a single type.
type Handler interface {
	TaskType() model.TaskType
	Handle(ctx context.Context, task *model.Task) (Result, error)
}

// Dispatcher routes tasks to handlers by task type. Registration happens at
// startup before any worker runs; after that the map is read-only and safe
// for concurrent Dispatch calls.
type Dispatcher struct {
	handlers map[model.TaskType]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[model.TaskType]Handler)}
}

// Register adds a handler. Two handlers for the same type is a wiring bug,
// so it panics at startup rather than silently shadowing one.
func (d *Dispatcher) Register(h Handler) {
	if _, dup := d.handlers[h.TaskType()]; dup {
		panic(fmt.Sprintf("queue: duplicate handler for task type %q", h.TaskType()))
	}
	d.handlers[h.TaskType()] = h
}

// Dispatch runs the handler registered for the task's type.
func (d *Dispatcher) Dispatch(ctx context.Context, task *model.Task) (Result, error) {
	h, ok := d.handlers[task.Type]
	if !ok {
		return Result{}, resilience.NewPermanentError(eris.Wrapf(ErrUnknownTaskType, "queue: task %d type %q", task.ID, task.Type))
	}
	return h.Handle(ctx, task)
}
