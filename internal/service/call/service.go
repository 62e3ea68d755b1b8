package call

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/queue"
	"github.com/acme/call-dispatcher/internal/repository"
	"github.com/acme/call-dispatcher/internal/service/common"
	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

// Waker nudges the dispatcher after a direct call is queued.
type Waker interface {
	Wake(ctx context.Context, msg queue.WakeMessage) error
}

// OutcomePublisher forwards externally reported outcomes to the dispatcher.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, msg queue.OutcomeMessage) error
}

// Service handles direct calls and queue item lookups.
type Service struct {
	queue    repository.QueueRepository
	attempts repository.AttemptStore
	users    repository.UserSettingsRepository
	waker    Waker
	outcomes OutcomePublisher
	log      *zap.Logger
	now      func() time.Time
}

// NewService builds the call service. waker and outcomes may be nil.
func NewService(
	queueRepo repository.QueueRepository,
	attempts repository.AttemptStore,
	users repository.UserSettingsRepository,
	waker Waker,
	outcomes OutcomePublisher,
	lg *zap.Logger,
) *Service {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Service{
		queue:    queueRepo,
		attempts: attempts,
		users:    users,
		waker:    waker,
		outcomes: outcomes,
		log:      lg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DirectCallInput describes an ad-hoc call outside any campaign.
type DirectCallInput struct {
	UserID      uuid.UUID
	AgentID     uuid.UUID
	ContactID   uuid.UUID
	PhoneNumber string
	Priority    int
	UserData    map[string]any
	// ScheduledFor delays the call. Zero means as soon as capacity allows.
	ScheduledFor time.Time
}

// EnqueueDirect queues a direct call. Direct calls ignore calling windows and
// use the default retry policy.
func (s *Service) EnqueueDirect(ctx context.Context, input DirectCallInput) (*domain.QueueItem, error) {
	if input.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	if input.PhoneNumber == "" {
		return nil, fmt.Errorf("%w: phone number is required", apperrors.ErrValidation)
	}

	now := s.now()
	scheduled := input.ScheduledFor
	if scheduled.IsZero() || scheduled.Before(now) {
		scheduled = now
	}
	contactID := input.ContactID
	if contactID == uuid.Nil {
		contactID = uuid.New()
	}

	position, err := s.queue.NextPosition(ctx, input.UserID, 1)
	if err != nil {
		return nil, fmt.Errorf("call service: reserve position: %w", err)
	}

	item := &domain.QueueItem{
		ID:           uuid.New(),
		UserID:       input.UserID,
		ContactID:    contactID,
		AgentID:      input.AgentID,
		PhoneNumber:  input.PhoneNumber,
		CallType:     domain.CallTypeDirect,
		Status:       domain.QueueStatusQueued,
		Priority:     input.Priority,
		Position:     position,
		ScheduledFor: scheduled,
		UserData:     input.UserData,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.queue.Enqueue(ctx, []*domain.QueueItem{item}); err != nil {
		return nil, fmt.Errorf("call service: enqueue: %w", err)
	}

	if s.waker != nil && !scheduled.After(now) {
		if err := s.waker.Wake(ctx, queue.WakeMessage{Reason: queue.WakeReasonDirectCall, RequestedAt: now}); err != nil {
			s.log.Warn("wake dispatcher failed", zap.String("queue_item_id", item.ID.String()), zap.Error(err))
		}
	}
	return item, nil
}

// Get retrieves a queue item by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	return s.queue.Get(ctx, id)
}

// AttemptPage is one page of the attempt history of a retry chain.
type AttemptPage struct {
	Attempts  []domain.CallAttempt
	NextToken string
}

// Attempts lists the attempts of the chain the item belongs to, oldest first.
func (s *Service) Attempts(ctx context.Context, id uuid.UUID, pageToken string, limit int) (*AttemptPage, error) {
	if s.attempts == nil {
		return nil, fmt.Errorf("%w: attempt history is not configured", apperrors.ErrUnavailable)
	}
	item, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := DecodePagingState(pageToken)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	attempts, next, err := s.attempts.ListAttempts(ctx, item.RootID(), limit, state)
	if err != nil {
		return nil, fmt.Errorf("call service: list attempts: %w", err)
	}
	return &AttemptPage{Attempts: attempts, NextToken: EncodePagingState(next)}, nil
}

// OutcomeInput is an outcome reported through the webhook.
type OutcomeInput struct {
	QueueItemID uuid.UUID
	Outcome     domain.CallOutcome
	Duration    time.Duration
	Cost        float64
	Token       string
	Reason      string
}

// ReportOutcome validates an externally reported outcome and forwards it to
// the dispatcher. Settlement happens asynchronously.
func (s *Service) ReportOutcome(ctx context.Context, input OutcomeInput) error {
	if s.outcomes == nil {
		return fmt.Errorf("%w: outcome forwarding is not configured", apperrors.ErrUnavailable)
	}
	if !input.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", apperrors.ErrValidation, input.Outcome)
	}
	if input.Token == "" {
		return fmt.Errorf("%w: idempotency token is required", apperrors.ErrValidation)
	}
	if input.Duration < 0 || input.Cost < 0 {
		return fmt.Errorf("%w: duration and cost must not be negative", apperrors.ErrValidation)
	}
	if _, err := s.queue.Get(ctx, input.QueueItemID); err != nil {
		return err
	}

	msg := queue.OutcomeMessage{
		Kind:        queue.OutcomeKindOutcome,
		QueueItemID: input.QueueItemID,
		Outcome:     string(input.Outcome),
		DurationMs:  input.Duration.Milliseconds(),
		Cost:        input.Cost,
		Token:       input.Token,
		Reason:      input.Reason,
		OccurredAt:  s.now(),
	}
	if err := s.outcomes.PublishOutcome(ctx, msg); err != nil {
		return fmt.Errorf("%w: call service: publish outcome: %v", apperrors.ErrUnavailable, err)
	}
	return nil
}

// UpdateUserSettings stores the dispatch limit and time zone of a user.
func (s *Service) UpdateUserSettings(ctx context.Context, settings domain.UserSettings) (*domain.UserSettings, error) {
	if settings.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	if settings.ConcurrentLimit < 0 {
		return nil, fmt.Errorf("%w: concurrent limit must not be negative", apperrors.ErrValidation)
	}
	if settings.TimeZone != "" {
		if _, err := time.LoadLocation(settings.TimeZone); err != nil {
			return nil, fmt.Errorf("%w: invalid time zone %s", apperrors.ErrValidation, settings.TimeZone)
		}
	}
	settings.UpdatedAt = s.now()
	if err := s.users.Upsert(ctx, &settings); err != nil {
		return nil, fmt.Errorf("call service: store user settings: %w", err)
	}
	return &settings, nil
}

// UserSettings returns the stored settings of a user.
func (s *Service) UserSettings(ctx context.Context, userID uuid.UUID) (*domain.UserSettings, error) {
	return s.users.Get(ctx, userID)
}

// EncodePagingState converts the paging state to base64 for API responses.
func EncodePagingState(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return common.EncodeBase64(state)
}

// DecodePagingState decodes a base64 token to paging state bytes.
func DecodePagingState(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	return common.DecodeBase64(token)
}
