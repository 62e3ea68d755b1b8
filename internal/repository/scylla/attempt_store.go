package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
)

// AttemptStore persists the call attempt log in Scylla.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// AppendAttempt writes the attempt to the chain table and, for campaign calls, the daily campaign table.
func (s *AttemptStore) AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error {
	durationMs := int64(attempt.Duration / time.Millisecond)
	campaignID := ""
	if attempt.CampaignID != nil {
		campaignID = attempt.CampaignID.String()
	}

	if err := s.session.Query(`INSERT INTO call_attempts_by_chain (root_id, attempt, queue_item_id, campaign_id, user_id, outcome, duration_ms, cost, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.RootID.String(), attempt.Attempt, attempt.QueueItemID.String(), campaignID, attempt.UserID.String(),
		string(attempt.Outcome), durationMs, attempt.Cost, attempt.Reason, attempt.OccurredAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert call_attempts_by_chain: %w", err)
	}

	if attempt.CampaignID == nil {
		return nil
	}
	if err := s.session.Query(`INSERT INTO call_attempts_by_campaign (campaign_id, bucket, occurred_at, queue_item_id, root_id, attempt, outcome, duration_ms, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		campaignID, bucketDate(attempt.OccurredAt), attempt.OccurredAt, attempt.QueueItemID.String(), attempt.RootID.String(),
		attempt.Attempt, string(attempt.Outcome), durationMs, attempt.Cost,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert call_attempts_by_campaign: %w", err)
	}
	return nil
}

// ListAttempts lists attempts of one retry chain with pagination.
func (s *AttemptStore) ListAttempts(ctx context.Context, rootID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT attempt, queue_item_id, campaign_id, user_id, outcome, duration_ms, cost, reason, occurred_at
		FROM call_attempts_by_chain WHERE root_id = ?`, rootID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.CallAttempt, 0, limit)

	var (
		attemptNum    int
		itemIDStr     string
		campaignIDStr string
		userIDStr     string
		outcome       string
		durationMs    int64
		cost          float64
		reason        string
		occurredAt    time.Time
	)

	for iter.Scan(&attemptNum, &itemIDStr, &campaignIDStr, &userIDStr, &outcome, &durationMs, &cost, &reason, &occurredAt) {
		itemID, err := uuid.Parse(itemIDStr)
		if err != nil {
			continue
		}
		userID, _ := uuid.Parse(userIDStr)

		attempt := domain.CallAttempt{
			QueueItemID: itemID,
			RootID:      rootID,
			UserID:      userID,
			Attempt:     attemptNum,
			Outcome:     domain.CallOutcome(outcome),
			Duration:    time.Duration(durationMs) * time.Millisecond,
			Cost:        cost,
			Reason:      reason,
			OccurredAt:  occurredAt,
		}
		if campaignID, err := uuid.Parse(campaignIDStr); err == nil {
			attempt.CampaignID = &campaignID
		}
		attempts = append(attempts, attempt)
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt store: iter close: %w", err)
	}

	return attempts, iter.PageState(), nil
}

func bucketDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
