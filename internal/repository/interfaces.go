package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	// TransitionStatus moves the campaign to "to" only while its current status is one of
	// "from". It reports false when the campaign was in another state.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) (bool, error)
}

// UserSettingsRepository stores per-user concurrency limits and time zones.
type UserSettingsRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.UserSettings, error)
	Upsert(ctx context.Context, settings *domain.UserSettings) error
	ListByIDs(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*domain.UserSettings, error)
}

// EligibilityFilter restricts which queued items are dispatchable.
type EligibilityFilter struct {
	Now time.Time
	// CampaignIDs lists campaigns whose window is open. Items of other campaigns are not eligible.
	CampaignIDs []uuid.UUID
	// IncludeDirect admits items without a campaign.
	IncludeDirect bool
}

// QueueRepository is the durable queue store.
type QueueRepository interface {
	Enqueue(ctx context.Context, items []*domain.QueueItem) error
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)
	// EligibleDepth counts queued items with scheduled_for <= now per user.
	EligibleDepth(ctx context.Context, filter EligibilityFilter) (map[uuid.UUID]int, error)
	// NextEligible returns up to limit queued items for the user ordered by
	// priority DESC, position ASC, scheduled_for ASC.
	NextEligible(ctx context.Context, userID uuid.UUID, filter EligibilityFilter, limit int) ([]*domain.QueueItem, error)
	// EarliestScheduled returns the earliest scheduled_for among queued items in scope.
	EarliestScheduled(ctx context.Context, filter EligibilityFilter) (*time.Time, error)
	// Claim moves one item from queued to processing in a single conditional write.
	// It reports false when the item is no longer queued, its campaign is not active,
	// or another item for the same contact is processing.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// Requeue moves a processing item back to queued after an initiation failure
	// without touching retry_count.
	Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time, reason string) (bool, error)
	// Finish closes a processing item.
	Finish(ctx context.Context, id uuid.UUID, status domain.QueueStatus, outcome *domain.CallOutcome, reason string, now time.Time) (bool, error)
	// Skip closes a queued item that cannot be dialled.
	Skip(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error)
	// CancelQueued cancels every queued item of the campaign and returns how many changed.
	CancelQueued(ctx context.Context, campaignID uuid.UUID, now time.Time) (int, error)
	// CountOpen counts queued and processing items of the campaign.
	CountOpen(ctx context.Context, campaignID uuid.UUID) (int, error)
	CountProcessingByUser(ctx context.Context) (map[uuid.UUID]int, error)
	ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.QueueItem, error)
	// ListByCampaign pages through a campaign's items ordered by position then id.
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, after ItemCursor, limit int) ([]*domain.QueueItem, error)
	// NextPosition reserves n consecutive positions for the user.
	NextPosition(ctx context.Context, userID uuid.UUID, n int) (int64, error)
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID) error
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
}

// DeliveryRepository deduplicates outcome notifications.
type DeliveryRepository interface {
	// Record stores the token for the item and reports false if it was already seen.
	Record(ctx context.Context, queueItemID uuid.UUID, token string, at time.Time) (bool, error)
	// Forget drops a recorded token so a redelivery is processed again.
	Forget(ctx context.Context, queueItemID uuid.UUID, token string) error
}

// AttemptStore keeps the call attempt audit log.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error
	ListAttempts(ctx context.Context, rootID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error)
}

// ItemCursor is a keyset position for ListByCampaign. The zero value starts at the beginning.
type ItemCursor struct {
	Position int64     `json:"p"`
	ID       uuid.UUID `json:"id"`
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	TotalCallsDelta      int64
	CompletedCallsDelta  int64
	SuccessfulCallsDelta int64
	FailedCallsDelta     int64
	SkippedCallsDelta    int64
	RetriesDelta         int64
}

// IsZero reports whether the delta changes nothing.
func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}
