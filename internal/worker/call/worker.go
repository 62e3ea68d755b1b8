package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/call-dispatcher/internal/app"
	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/queue"
	"github.com/acme/call-dispatcher/internal/telephony"
	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

var tracer = otel.Tracer("dispatcher.callworker")

// OutcomePublisher reports how a call ended.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, msg queue.OutcomeMessage) error
}

// ItemLookup reads the current state of a queue item.
type ItemLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)
}

// Worker consumes call requests and dials them through the telephony bridge.
type Worker struct {
	container   *app.Container
	handler     *Handler
	concurrency int
	log         *zap.Logger
}

// New creates a call worker backed by the container's provider and publishers.
func New(container *app.Container) *Worker {
	cfg := container.Config
	lg := container.Logger.Named("callworker")
	concurrency := cfg.CallBridge.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		container:   container,
		handler:     NewHandler(container.Providers().Telephony, container.Publishers().Outcomes, container.Repositories().Queue, cfg.CallBridge.RequestTimeout, lg),
		concurrency: concurrency,
		log:         lg,
	}
}

// Run fetches call requests until ctx is cancelled. Up to the configured
// number of calls are in progress at once.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	reader := w.container.Kafka.NewReader(cfg.Kafka.CallTopic, cfg.Kafka.ConsumerGroupID)
	defer reader.Close()

	w.log.Info("call worker started",
		zap.String("topic", cfg.Kafka.CallTopic),
		zap.String("group", cfg.Kafka.ConsumerGroupID),
		zap.Int("concurrency", w.concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for gctx.Err() == nil {
		m, err := reader.FetchMessage(gctx)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			w.log.Error("fetch message", zap.Error(err))
			continue
		}

		g.Go(func() error {
			if err := w.handler.Handle(gctx, m.Value); err != nil {
				w.log.Error("handle call request", zap.Int64("offset", m.Offset), zap.Error(err))
			}
			if err := reader.CommitMessages(context.Background(), m); err != nil {
				w.log.Error("commit message", zap.Int64("offset", m.Offset), zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

// Handler dials a single call request and publishes what happened.
type Handler struct {
	provider  telephony.Provider
	publisher OutcomePublisher
	items     ItemLookup
	timeout   time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewHandler builds a handler. items may be nil, in which case every request is dialled.
func NewHandler(provider telephony.Provider, publisher OutcomePublisher, items ItemLookup, timeout time.Duration, lg *zap.Logger) *Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Handler{
		provider:  provider,
		publisher: publisher,
		items:     items,
		timeout:   timeout,
		log:       lg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one encoded CallRequest.
func (h *Handler) Handle(ctx context.Context, value []byte) error {
	var req queue.CallRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return fmt.Errorf("%w: unmarshal call request: %v", apperrors.ErrValidation, err)
	}

	ctx, span := tracer.Start(ctx, "call.dial", trace.WithAttributes(
		attribute.String("queue_item.id", req.QueueItemID.String()),
		attribute.String("user.id", req.UserID.String()),
		attribute.Int("attempt", req.Attempt),
	))
	defer span.End()

	if h.items != nil {
		item, err := h.items.Get(ctx, req.QueueItemID)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			h.log.Warn("call request for unknown item dropped", zap.String("queue_item_id", req.QueueItemID.String()))
			return nil
		case err != nil:
			span.RecordError(err)
			return fmt.Errorf("lookup item: %w", err)
		case item.Status != domain.QueueStatusProcessing:
			h.log.Debug("redelivered call request skipped",
				zap.String("queue_item_id", req.QueueItemID.String()),
				zap.String("status", string(item.Status)),
			)
			return nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	result, callErr := h.provider.PlaceCall(callCtx, req)
	cancel()

	msg := queue.OutcomeMessage{
		QueueItemID: req.QueueItemID,
		Token:       OutcomeToken(req),
		OccurredAt:  h.now(),
	}
	if callErr != nil {
		span.RecordError(callErr)
		msg.Kind = queue.OutcomeKindInitiationFailure
		msg.Reason = callErr.Error()
	} else {
		msg.Kind = queue.OutcomeKindOutcome
		msg.Outcome = string(result.Outcome)
		msg.DurationMs = result.Duration.Milliseconds()
		msg.Cost = result.Cost
		msg.Reason = result.Reason
		span.SetAttributes(attribute.String("outcome", msg.Outcome))
	}

	if err := h.publisher.PublishOutcome(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

// OutcomeToken is the delivery token for one dispatch of an item. Redelivered
// requests yield the same token; a later dispatch of the same item does not.
func OutcomeToken(req queue.CallRequest) string {
	name := req.QueueItemID.String() + "@" + strconv.FormatInt(req.RequestedAt.UnixNano(), 10)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
