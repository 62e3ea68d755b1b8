package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-dispatcher/internal/app"
	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/queue"
	"github.com/acme/call-dispatcher/internal/scheduler"
	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

var tracer = otel.Tracer("dispatcher.statusworker")

const maxHandleAttempts = 3

// Settler applies outcomes to the queue.
type Settler interface {
	HandleOutcome(ctx context.Context, n scheduler.OutcomeNotification) error
	HandleInitiationFailure(ctx context.Context, queueItemID uuid.UUID, reason string) error
}

// Worker consumes the outcome topic and settles queue items.
type Worker struct {
	container *app.Container
	settler   Settler
	log       *zap.Logger
	backoff   time.Duration
}

// New creates a status worker feeding settler.
func New(container *app.Container, settler Settler) *Worker {
	return &Worker{
		container: container,
		settler:   settler,
		log:       container.Logger.Named("statusworker"),
		backoff:   500 * time.Millisecond,
	}
}

// Run processes outcome messages until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	groupID := cfg.Kafka.ConsumerGroupID + "-outcomes"
	reader := w.container.Kafka.NewReader(cfg.Kafka.OutcomeTopic, groupID)
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("fetch", zap.Error(err))
			continue
		}

		if err := w.handleWithRetry(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("outcome dropped", zap.Int64("offset", msg.Offset), zap.Error(err))
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			w.log.Error("commit", zap.Error(err))
		}
	}
}

func (w *Worker) handleWithRetry(ctx context.Context, value []byte) error {
	var err error
	for attempt := 1; attempt <= maxHandleAttempts; attempt++ {
		err = Handle(ctx, w.settler, value)
		if err == nil || permanent(err) {
			return err
		}
		w.log.Warn("outcome handling failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * w.backoff):
		}
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrNotFound)
}

// Handle decodes one outcome message and hands it to settler.
func Handle(ctx context.Context, settler Settler, value []byte) error {
	var msg queue.OutcomeMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("%w: unmarshal outcome: %v", apperrors.ErrValidation, err)
	}

	ctx, span := tracer.Start(ctx, "call.outcome", trace.WithAttributes(
		attribute.String("queue_item.id", msg.QueueItemID.String()),
		attribute.String("kind", string(msg.Kind)),
	))
	defer span.End()

	var err error
	switch msg.Kind {
	case queue.OutcomeKindInitiationFailure:
		err = settler.HandleInitiationFailure(ctx, msg.QueueItemID, msg.Reason)
	case queue.OutcomeKindOutcome, "":
		err = settler.HandleOutcome(ctx, scheduler.OutcomeNotification{
			QueueItemID: msg.QueueItemID,
			Outcome:     domain.CallOutcome(msg.Outcome),
			Duration:    time.Duration(msg.DurationMs) * time.Millisecond,
			Cost:        msg.Cost,
			Token:       msg.Token,
			Reason:      msg.Reason,
		})
	default:
		err = fmt.Errorf("%w: unknown outcome kind %q", apperrors.ErrValidation, msg.Kind)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}
