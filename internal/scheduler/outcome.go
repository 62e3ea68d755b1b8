package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/repository"
	"github.com/acme/call-dispatcher/internal/retry"
	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

// OutcomeNotification is delivered once a dispatched call ends.
type OutcomeNotification struct {
	QueueItemID uuid.UUID
	Outcome     domain.CallOutcome
	Duration    time.Duration
	Cost        float64
	// Token identifies the delivery. Repeated tokens for the same item are ignored.
	Token  string
	Reason string
}

// HandleOutcome closes a processing item, applies the retry policy and settles counters.
// Duplicate deliveries and outcomes for items that are no longer processing are no-ops.
// A delivery that fails before the item is closed does not keep its token, so a
// redelivery of the same message is applied.
func (s *Scheduler) HandleOutcome(ctx context.Context, n OutcomeNotification) (err error) {
	if !n.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", apperrors.ErrValidation, n.Outcome)
	}

	ctx, span := tracer.Start(ctx, "scheduler.outcome", trace.WithAttributes(
		attribute.String("queue_item.id", n.QueueItemID.String()),
		attribute.String("outcome", string(n.Outcome)),
	))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	lg := s.log.With(zap.String("queue_item_id", n.QueueItemID.String()), zap.String("outcome", string(n.Outcome)))

	item, err := s.queue.Get(ctx, n.QueueItemID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if n.Token != "" {
		fresh, rerr := s.deliveries.Record(ctx, n.QueueItemID, n.Token, now)
		if rerr != nil {
			span.RecordError(rerr)
			return rerr
		}
		if !fresh {
			lg.Debug("duplicate outcome delivery ignored", zap.String("token", n.Token))
			return nil
		}
		defer func() {
			if err != nil {
				s.forgetDelivery(ctx, n, lg)
			}
		}()
	}
	if item.Status != domain.QueueStatusProcessing {
		lg.Debug("outcome for settled item ignored", zap.String("status", string(item.Status)))
		return nil
	}

	var campaign *domain.Campaign
	if item.CampaignID != nil {
		campaign, err = s.campaigns.Get(ctx, *item.CampaignID)
		if err != nil {
			span.RecordError(err)
			return err
		}
	}

	status, reason := queueStatusFor(n.Outcome), n.Reason
	var decision retry.Decision
	if n.Outcome.Retryable() {
		decision = retry.Next(n.Outcome, item.RetryCount+1, s.policyFor(campaign))
		if decision.ShouldRetry() && campaign != nil && campaign.Status == domain.CampaignStatusCancelled {
			decision = retry.Decision{Action: retry.Stop, Attempt: decision.Attempt, Reason: "campaign cancelled"}
		}
		if reason == "" {
			reason = string(n.Outcome)
			if !decision.ShouldRetry() {
				reason += ": " + decision.Reason
			}
		}
	}

	outcome := n.Outcome
	finished, err := s.queue.Finish(ctx, item.ID, status, &outcome, reason, now)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !finished {
		return nil
	}
	s.release(ctx, item.UserID)

	s.appendAttempt(ctx, domain.CallAttempt{
		QueueItemID: item.ID,
		RootID:      item.RootID(),
		CampaignID:  item.CampaignID,
		UserID:      item.UserID,
		Attempt:     item.RetryCount,
		Outcome:     n.Outcome,
		Duration:    n.Duration,
		Cost:        n.Cost,
		Reason:      reason,
		OccurredAt:  now,
	})

	var delta repository.StatsDelta
	switch {
	case n.Outcome == domain.CallOutcomeCompleted:
		delta = repository.StatsDelta{CompletedCallsDelta: 1, SuccessfulCallsDelta: 1}
	case n.Outcome == domain.CallOutcomeFailed:
		delta = repository.StatsDelta{CompletedCallsDelta: 1, FailedCallsDelta: 1}
	case decision.ShouldRetry():
		next := retry.NextItem(item, decision, now)
		if err := s.queue.Enqueue(ctx, []*domain.QueueItem{next}); err != nil {
			span.RecordError(err)
			lg.Error("enqueue retry failed, closing contact as failed", zap.Error(err))
			delta = repository.StatsDelta{CompletedCallsDelta: 1, FailedCallsDelta: 1}
			break
		}
		delta = repository.StatsDelta{RetriesDelta: 1}
		lg.Info("retry scheduled",
			zap.String("retry_id", next.ID.String()),
			zap.Int("attempt", decision.Attempt),
			zap.Time("scheduled_for", next.ScheduledFor),
		)
	case n.Outcome.Retryable():
		delta = repository.StatsDelta{CompletedCallsDelta: 1, FailedCallsDelta: 1}
		lg.Info("retries exhausted", zap.String("reason", decision.Reason))
	}

	if item.CampaignID != nil {
		s.applyStats(ctx, *item.CampaignID, delta)
		s.maybeComplete(ctx, *item.CampaignID, now)
	}

	s.Wake()
	return nil
}

// HandleInitiationFailure returns a claimed item to the queue after a short
// backoff without consuming its retry budget. Once the infrastructure retry
// bound is reached the item fails.
func (s *Scheduler) HandleInitiationFailure(ctx context.Context, queueItemID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleInitiationFailure(ctx, queueItemID, reason, s.now())
}

func (s *Scheduler) handleInitiationFailure(ctx context.Context, queueItemID uuid.UUID, reason string, now time.Time) error {
	item, err := s.queue.Get(ctx, queueItemID)
	if err != nil {
		return err
	}
	if item.Status != domain.QueueStatusProcessing {
		return nil
	}
	lg := s.log.With(zap.String("queue_item_id", item.ID.String()), zap.Int("infra_retries", item.InfraRetryCount))

	if item.InfraRetryCount >= s.opts.MaxInfraRetries {
		finished, err := s.queue.Finish(ctx, item.ID, domain.QueueStatusFailed, nil, "initiation failed: "+reason, now)
		if err != nil {
			return err
		}
		if !finished {
			return nil
		}
		s.release(ctx, item.UserID)
		lg.Warn("initiation retries exhausted", zap.String("reason", reason))
		if item.CampaignID != nil {
			s.applyStats(ctx, *item.CampaignID, repository.StatsDelta{CompletedCallsDelta: 1, FailedCallsDelta: 1})
			s.maybeComplete(ctx, *item.CampaignID, now)
		}
		s.Wake()
		return nil
	}

	requeued, err := s.queue.Requeue(ctx, item.ID, now.Add(s.opts.InitiationBackoff), reason)
	if err != nil {
		return err
	}
	if requeued {
		s.release(ctx, item.UserID)
		lg.Warn("initiation failed, requeued", zap.String("reason", reason), zap.Duration("backoff", s.opts.InitiationBackoff))
		s.Wake()
	}
	return nil
}

func (s *Scheduler) forgetDelivery(ctx context.Context, n OutcomeNotification, lg *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deliveries.Forget(ctx, n.QueueItemID, n.Token); err != nil {
		lg.Error("forget outcome delivery failed, redelivery will be ignored", zap.String("token", n.Token), zap.Error(err))
	}
}

func (s *Scheduler) policyFor(campaign *domain.Campaign) domain.RetryPolicy {
	if campaign == nil {
		return s.opts.DirectRetry
	}
	return campaign.RetryPolicy
}

func queueStatusFor(outcome domain.CallOutcome) domain.QueueStatus {
	switch outcome {
	case domain.CallOutcomeCompleted:
		return domain.QueueStatusCompleted
	case domain.CallOutcomeCancelled:
		return domain.QueueStatusCancelled
	default:
		return domain.QueueStatusFailed
	}
}

func (s *Scheduler) release(ctx context.Context, userID uuid.UUID) {
	if err := s.ledger.Release(ctx, userID); err != nil {
		s.log.Error("ledger release failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func (s *Scheduler) appendAttempt(ctx context.Context, attempt domain.CallAttempt) {
	if s.attempts == nil {
		return
	}
	if err := s.attempts.AppendAttempt(ctx, attempt); err != nil {
		s.log.Warn("append attempt log failed", zap.String("queue_item_id", attempt.QueueItemID.String()), zap.Error(err))
	}
}

func (s *Scheduler) applyStats(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) {
	if delta.IsZero() {
		return
	}
	if err := s.stats.ApplyDelta(ctx, campaignID, delta); err != nil {
		s.log.Error("apply campaign stats failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}

// maybeComplete closes an active campaign once it has no open items left.
func (s *Scheduler) maybeComplete(ctx context.Context, campaignID uuid.UUID, now time.Time) {
	open, err := s.queue.CountOpen(ctx, campaignID)
	if err != nil {
		s.log.Error("count open items failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	if open > 0 {
		return
	}
	done, err := s.campaigns.TransitionStatus(ctx, campaignID, []domain.CampaignStatus{domain.CampaignStatusActive}, domain.CampaignStatusCompleted, now)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Error("complete campaign failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	if done {
		s.log.Info("campaign completed", zap.String("campaign_id", campaignID.String()))
	}
}
