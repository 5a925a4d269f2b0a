// Package ingest holds the poll trigger and the per-channel ingestion
// handlers that turn provider messages into inquiry records.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/breakwater-travel/intake-cli/internal/extract"
	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/queue"
	"github.com/breakwater-travel/intake-cli/internal/resilience"
	"github.com/breakwater-travel/intake-cli/internal/store"
	"github.com/breakwater-travel/intake-cli/pkg/graph"
)

// PollerConfig tunes one poll cycle.
type PollerConfig struct {
	// Lookback seeds the checkpoint when neither the settings row nor any
	// ingested email provides one.
	Lookback time.Duration
	// Filters are the negative sender/subject rules.
	Filters FilterRules
	// BatchLimit caps messages handled per cycle; the listing is oldest
	// first, so the overflow stays behind the checkpoint for the next
	// cycle. Zero means no cap.
	BatchLimit int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Lookback <= 0 {
		c.Lookback = 30 * time.Minute
	}
	if len(c.Filters.Senders) == 0 && len(c.Filters.Subjects) == 0 {
		c.Filters = DefaultFilterRules()
	}
	return c
}

// Poller asks the mail provider for messages received after the durable
// checkpoint and enqueues one ingest_email task per message that survives the
// filters. The checkpoint advances only after a successful listing, so a
// failed poll re-reads the same window next cycle.
type Poller struct {
	store   store.Store
	graph   graph.Client
	engine  extract.Engine
	cfg     PollerConfig
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewPoller creates a poll trigger. Zero-value config fields fall back to the
// defaults (30m lookback, production filter rules).
func NewPoller(st store.Store, gc graph.Client, engine extract.Engine, cfg PollerConfig) *Poller {
	return &Poller{
		store:   st,
		graph:   gc,
		engine:  engine,
		cfg:     cfg.withDefaults(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		log:     zap.L().With(zap.String("component", "ingest.poller")),
	}
}

// Run executes one poll cycle.
func (p *Poller) Run(ctx context.Context) error {
	log := p.log.With(zap.String("poll_cycle", uuid.NewString()[:8]))

	checkpoint, err := p.checkpoint(ctx)
	if err != nil {
		return err
	}
	log.Info("polling mailbox", zap.Time("checkpoint", checkpoint))

	summaries, err := resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) ([]graph.MessageSummary, error) {
		return p.graph.ListMessagesSince(ctx, checkpoint)
	})
	if err != nil {
		// Checkpoint untouched: the next cycle retries the same window.
		return eris.Wrap(err, "ingest: list messages")
	}
	if p.cfg.BatchLimit > 0 && len(summaries) > p.cfg.BatchLimit {
		log.Info("batch limit reached, deferring remainder",
			zap.Int("listed", len(summaries)),
			zap.Int("limit", p.cfg.BatchLimit))
		summaries = summaries[:p.cfg.BatchLimit]
	}

	maxSeen := checkpoint
	enqueued, filtered, skipped := 0, 0, 0
	for _, s := range summaries {
		if s.ReceivedAt.After(maxSeen) {
			maxSeen = s.ReceivedAt
		}

		if reason, hit := p.cfg.Filters.Match(s.Sender, s.Subject); hit {
			filtered++
			log.Debug("message filtered",
				zap.String("message_id", s.ID),
				zap.String("reason", reason))
			continue
		}

		existing, err := p.store.GetEmailMessage(ctx, s.ID)
		if err != nil {
			log.Error("duplicate check failed, message skipped this cycle",
				zap.String("message_id", s.ID), zap.Error(err))
			skipped++
			continue
		}
		if existing != nil {
			skipped++
			continue
		}

		intent, err := p.engine.ClassifyIntent(ctx, s.Subject, s.BodyPreview)
		if err != nil {
			// Classifier outages must not drop mail: unknown stays actionable.
			intent = model.IntentUnknown
			log.Warn("intent classification failed",
				zap.String("message_id", s.ID), zap.Error(err))
		}
		if !intent.Actionable() {
			filtered++
			log.Debug("message not actionable",
				zap.String("message_id", s.ID),
				zap.String("intent", string(intent)))
			continue
		}

		payload, err := model.EncodeEmailTaskPayload(taskSummary(s), intent)
		if err != nil {
			log.Error("encode payload failed, message skipped this cycle",
				zap.String("message_id", s.ID), zap.Error(err))
			skipped++
			continue
		}
		if _, err := p.store.EnqueueTask(ctx, model.TaskTypeIngestEmail, payload, time.Now().UTC()); err != nil {
			log.Error("enqueue failed, message skipped this cycle",
				zap.String("message_id", s.ID), zap.Error(err))
			skipped++
			continue
		}
		enqueued++
	}

	if maxSeen.After(checkpoint) {
		if err := p.store.SetSetting(ctx, store.SettingMailPollCheckpoint, maxSeen.UTC().Format(time.RFC3339Nano)); err != nil {
			return eris.Wrap(err, "ingest: advance checkpoint")
		}
	}

	log.Info("poll cycle complete",
		zap.Int("listed", len(summaries)),
		zap.Int("enqueued", enqueued),
		zap.Int("filtered", filtered),
		zap.Int("skipped", skipped),
		zap.Time("next_checkpoint", maxSeen))
	return nil
}

// checkpoint reads the durable poll checkpoint fresh each cycle: the settings
// row first, then the newest ingested email, then now minus the lookback.
func (p *Poller) checkpoint(ctx context.Context) (time.Time, error) {
	raw, err := p.store.GetSetting(ctx, store.SettingMailPollCheckpoint)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "ingest: read checkpoint")
	}
	if raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, eris.Wrapf(err, "ingest: malformed checkpoint %q", raw)
		}
		return ts.UTC(), nil
	}

	max, err := p.store.MaxEmailReceivedAt(ctx)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "ingest: seed checkpoint")
	}
	if max != nil {
		return max.UTC(), nil
	}
	return time.Now().UTC().Add(-p.cfg.Lookback), nil
}

func taskSummary(s graph.MessageSummary) model.MessageSummary {
	return model.MessageSummary{
		ID:             s.ID,
		Subject:        s.Subject,
		Sender:         s.Sender,
		BodyPreview:    s.BodyPreview,
		ReceivedAt:     s.ReceivedAt,
		HasAttachments: s.HasAttachments,
	}
}

// PollHandler runs a poll cycle as a queued poll_provider task, so the
// recurring schedule can go through the worker pool instead of an in-process
// timer.
type PollHandler struct {
	poller *Poller
}

// NewPollHandler creates the poll_provider handler.
func NewPollHandler(p *Poller) *PollHandler {
	return &PollHandler{poller: p}
}

func (h *PollHandler) TaskType() model.TaskType {
	return model.TaskTypePollProvider
}

func (h *PollHandler) Handle(ctx context.Context, _ *model.Task) (queue.Result, error) {
	if err := h.poller.Run(ctx); err != nil {
		return queue.Result{}, err
	}
	return queue.Result{}, nil
}
