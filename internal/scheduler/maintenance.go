package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const staleSweepLimit = 100

// Reconcile resets the ledger from the authoritative processing counts.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcile(ctx, s.now())
}

func (s *Scheduler) reconcile(ctx context.Context, now time.Time) error {
	counts, err := s.queue.CountProcessingByUser(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: count processing: %w", err)
	}
	before, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: snapshot: %w", err)
	}
	if err := s.ledger.Reset(ctx, counts); err != nil {
		return fmt.Errorf("reconcile: reset: %w", err)
	}
	s.lastReconcile = now

	total := 0
	for _, n := range counts {
		total += n
	}
	if total != before.System {
		s.log.Warn("ledger drift corrected", zap.Int("ledger_system", before.System), zap.Int("processing", total))
	}
	return nil
}

// maintain runs the periodic reconcile and returns stale claims to the queue.
// Callers hold s.mu.
func (s *Scheduler) maintain(ctx context.Context, now time.Time) {
	if s.opts.ReconcileInterval > 0 && now.Sub(s.lastReconcile) >= s.opts.ReconcileInterval {
		if err := s.reconcile(ctx, now); err != nil {
			s.log.Warn("ledger reconcile failed", zap.Error(err))
		}
	}

	if s.opts.ClaimTimeout <= 0 {
		return
	}
	stale, err := s.queue.ListStaleProcessing(ctx, now.Add(-s.opts.ClaimTimeout), staleSweepLimit)
	if err != nil {
		s.log.Warn("stale claim sweep failed", zap.Error(err))
		return
	}
	for _, item := range stale {
		if err := s.handleInitiationFailure(ctx, item.ID, "no outcome before claim timeout", now); err != nil {
			s.log.Warn("release stale claim failed", zap.String("queue_item_id", item.ID.String()), zap.Error(err))
		}
	}
}
