package campaign

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

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Waker nudges the dispatcher after new work becomes dispatchable.
type Waker interface {
	Wake(ctx context.Context, msg queue.WakeMessage) error
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	campaigns repository.CampaignRepository
	queue     repository.QueueRepository
	stats     repository.CampaignStatisticsRepository
	waker     Waker
	log       *zap.Logger
	now       func() time.Time
}

// NewService constructs a campaign service. waker may be nil.
func NewService(
	campaigns repository.CampaignRepository,
	queueRepo repository.QueueRepository,
	stats repository.CampaignStatisticsRepository,
	waker Waker,
	lg *zap.Logger,
) *Service {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Service{
		campaigns: campaigns,
		queue:     queueRepo,
		stats:     stats,
		waker:     waker,
		log:       lg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	UserID           uuid.UUID
	AgentID          uuid.UUID
	Name             string
	Description      string
	WindowStart      string
	WindowEnd        string
	TimeZone         string
	TimeZoneOverride bool
	RetryPolicy      domain.RetryPolicy
	// Start activates the campaign immediately instead of leaving it as a draft.
	Start    bool
	Contacts []ContactInput
}

// ContactInput is one number to call. A nil ContactID gets a fresh id.
type ContactInput struct {
	ContactID   uuid.UUID
	PhoneNumber string
	Priority    int
	UserData    map[string]any
}

// Create provisions a campaign and enqueues one item per contact in input order.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	window, err := validateCreateInput(input)
	if err != nil {
		return nil, err
	}

	now := s.now()
	status := domain.CampaignStatusDraft
	if input.Start {
		status = domain.CampaignStatusActive
	}
	campaign := &domain.Campaign{
		ID:               uuid.New(),
		UserID:           input.UserID,
		AgentID:          input.AgentID,
		Name:             input.Name,
		Description:      input.Description,
		Window:           window,
		TimeZone:         input.TimeZone,
		TimeZoneOverride: input.TimeZoneOverride,
		RetryPolicy:      input.RetryPolicy,
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if input.Start {
		campaign.StartedAt = &now
	}

	if err := s.campaigns.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	if err := s.stats.Ensure(ctx, campaign.ID); err != nil {
		return nil, fmt.Errorf("campaign service: ensure stats: %w", err)
	}
	if err := s.enqueue(ctx, campaign, input.Contacts, now); err != nil {
		return nil, err
	}

	if input.Start {
		s.wake(ctx, queue.WakeReasonCampaignStarted, campaign.ID)
	}
	return campaign, nil
}

// AddContacts appends contacts behind the campaign's existing items.
func (s *Service) AddContacts(ctx context.Context, campaignID uuid.UUID, contacts []ContactInput) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	if err := validateContacts(contacts); err != nil {
		return 0, err
	}
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	switch campaign.Status {
	case domain.CampaignStatusCompleted, domain.CampaignStatusCancelled:
		return 0, fmt.Errorf("%w: campaign is %s", apperrors.ErrConflict, campaign.Status)
	}

	if err := s.enqueue(ctx, campaign, contacts, s.now()); err != nil {
		return 0, err
	}
	if campaign.Status == domain.CampaignStatusActive {
		s.wake(ctx, queue.WakeReasonContactsAdded, campaign.ID)
	}
	return len(contacts), nil
}

func (s *Service) enqueue(ctx context.Context, campaign *domain.Campaign, contacts []ContactInput, now time.Time) error {
	if len(contacts) == 0 {
		return nil
	}
	first, err := s.queue.NextPosition(ctx, campaign.UserID, len(contacts))
	if err != nil {
		return fmt.Errorf("campaign service: reserve positions: %w", err)
	}

	campaignID := campaign.ID
	items := make([]*domain.QueueItem, 0, len(contacts))
	for i, c := range contacts {
		contactID := c.ContactID
		if contactID == uuid.Nil {
			contactID = uuid.New()
		}
		items = append(items, &domain.QueueItem{
			ID:           uuid.New(),
			UserID:       campaign.UserID,
			CampaignID:   &campaignID,
			ContactID:    contactID,
			AgentID:      campaign.AgentID,
			PhoneNumber:  c.PhoneNumber,
			CallType:     domain.CallTypeCampaign,
			Status:       domain.QueueStatusQueued,
			Priority:     c.Priority,
			Position:     first + int64(i),
			ScheduledFor: now,
			UserData:     c.UserData,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	if err := s.queue.Enqueue(ctx, items); err != nil {
		return fmt.Errorf("campaign service: enqueue contacts: %w", err)
	}
	if err := s.stats.ApplyDelta(ctx, campaign.ID, repository.StatsDelta{TotalCallsDelta: int64(len(items))}); err != nil {
		return fmt.Errorf("campaign service: update stats: %w", err)
	}
	return nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.campaigns.Get(ctx, id)
}

// Start moves a draft or scheduled campaign to active.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, err := s.transition(ctx, id, []domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusScheduled}, domain.CampaignStatusActive)
	if err != nil {
		return nil, err
	}
	s.wake(ctx, queue.WakeReasonCampaignStarted, id)
	return c, nil
}

// Pause stops dispatching new items. Calls in progress finish normally.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.transition(ctx, id, []domain.CampaignStatus{domain.CampaignStatusActive}, domain.CampaignStatusPaused)
}

// Resume reactivates a paused campaign.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, err := s.transition(ctx, id, []domain.CampaignStatus{domain.CampaignStatusPaused}, domain.CampaignStatusActive)
	if err != nil {
		return nil, err
	}
	s.wake(ctx, queue.WakeReasonCampaignResumed, id)
	return c, nil
}

// Cancel stops the campaign for good and cancels every item still queued.
// It returns the number of cancelled items.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (int, error) {
	from := []domain.CampaignStatus{
		domain.CampaignStatusDraft,
		domain.CampaignStatusScheduled,
		domain.CampaignStatusActive,
		domain.CampaignStatusPaused,
	}
	if _, err := s.transition(ctx, id, from, domain.CampaignStatusCancelled); err != nil {
		return 0, err
	}
	n, err := s.queue.CancelQueued(ctx, id, s.now())
	if err != nil {
		return 0, fmt.Errorf("campaign service: cancel queued items: %w", err)
	}
	s.log.Info("campaign cancelled", zap.String("campaign_id", id.String()), zap.Int("items_cancelled", n))
	return n, nil
}

// transition applies a conditional status change. Repeating a transition that
// already happened is not an error.
func (s *Service) transition(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (*domain.Campaign, error) {
	changed, err := s.campaigns.TransitionStatus(ctx, id, from, to, s.now())
	if err != nil {
		return nil, fmt.Errorf("campaign service: transition to %s: %w", to, err)
	}
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed && c.Status != to {
		return nil, fmt.Errorf("%w: campaign is %s, cannot move to %s", apperrors.ErrConflict, c.Status, to)
	}
	return c, nil
}

// Stats retrieves aggregated counters.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	return s.stats.Get(ctx, id)
}

// ItemPage is one page of a campaign's queue items.
type ItemPage struct {
	Items     []*domain.QueueItem
	NextToken string
}

// ListItems pages through the campaign's queue items in dispatch order.
func (s *Service) ListItems(ctx context.Context, campaignID uuid.UUID, pageToken string, limit int) (*ItemPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	var after repository.ItemCursor
	if err := common.DecodeCursor(pageToken, &after); err != nil {
		return nil, err
	}

	items, err := s.queue.ListByCampaign(ctx, campaignID, after, limit)
	if err != nil {
		return nil, err
	}
	page := &ItemPage{Items: items}
	if len(items) == limit {
		last := items[len(items)-1]
		token, err := common.EncodeCursor(repository.ItemCursor{Position: last.Position, ID: last.ID})
		if err != nil {
			return nil, err
		}
		page.NextToken = token
	}
	return page, nil
}

func (s *Service) wake(ctx context.Context, reason string, campaignID uuid.UUID) {
	if s.waker == nil {
		return
	}
	id := campaignID
	if err := s.waker.Wake(ctx, queue.WakeMessage{Reason: reason, CampaignID: &id, RequestedAt: s.now()}); err != nil {
		// the next periodic tick picks the work up anyway
		s.log.Warn("wake dispatcher failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}

func validateCreateInput(input CreateCampaignInput) (domain.CallingWindow, error) {
	var window domain.CallingWindow
	if input.Name == "" {
		return window, fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.UserID == uuid.Nil {
		return window, fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}

	start, err := domain.ParseTimeOfDay(input.WindowStart)
	if err != nil {
		return window, fmt.Errorf("%w: window start: %v", apperrors.ErrValidation, err)
	}
	end, err := domain.ParseTimeOfDay(input.WindowEnd)
	if err != nil {
		return window, fmt.Errorf("%w: window end: %v", apperrors.ErrValidation, err)
	}
	if start == end {
		return window, fmt.Errorf("%w: calling window must not be empty", apperrors.ErrValidation)
	}
	window = domain.CallingWindow{Start: start, End: end}

	if input.TimeZoneOverride && input.TimeZone == "" {
		return window, fmt.Errorf("%w: time zone is required when overriding the user's zone", apperrors.ErrValidation)
	}
	if input.TimeZone != "" {
		if _, err := time.LoadLocation(input.TimeZone); err != nil {
			return window, fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, input.TimeZone, err)
		}
	}

	return window, validateContacts(input.Contacts)
}

func validateContacts(contacts []ContactInput) error {
	for i, c := range contacts {
		if c.PhoneNumber == "" {
			return fmt.Errorf("%w: contact %d has no phone number", apperrors.ErrValidation, i)
		}
	}
	return nil
}
