package wake

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-dispatcher/internal/app"
	"github.com/acme/call-dispatcher/internal/queue"
)

// Waker is nudged for every wake message. Resume clears a dispatch halt the
// dispatcher recorded for a campaign.
type Waker interface {
	Wake()
	Resume(campaignID uuid.UUID)
}

// Worker turns wake messages into immediate scheduler ticks.
type Worker struct {
	container *app.Container
	waker     Waker
	log       *zap.Logger
}

// New creates a wake worker.
func New(container *app.Container, waker Waker) *Worker {
	return &Worker{container: container, waker: waker, log: container.Logger.Named("wakeworker")}
}

// Run consumes the wake topic until ctx is cancelled. Only messages published
// after start are seen.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	reader := w.container.Kafka.NewTailReader(cfg.Kafka.WakeTopic, cfg.Kafka.WakeConsumerGroupID)
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

		var wake queue.WakeMessage
		if err := json.Unmarshal(msg.Value, &wake); err != nil {
			w.log.Warn("malformed wake message", zap.Error(err))
		} else {
			w.log.Debug("wake requested", zap.String("reason", wake.Reason))
			apply(w.waker, wake)
		}
		w.waker.Wake()

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			w.log.Error("commit", zap.Error(err))
		}
	}
}

func apply(waker Waker, msg queue.WakeMessage) {
	if msg.Reason == queue.WakeReasonCampaignResumed && msg.CampaignID != nil {
		waker.Resume(*msg.CampaignID)
	}
}
