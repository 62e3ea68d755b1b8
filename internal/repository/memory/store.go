// Package memory implements the repository interfaces in process memory.
// It backs single-node runs and the dispatcher tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/repository"
)

var (
	_ repository.CampaignRepository           = (*CampaignRepository)(nil)
	_ repository.UserSettingsRepository       = (*UserSettingsRepository)(nil)
	_ repository.QueueRepository              = (*QueueRepository)(nil)
	_ repository.CampaignStatisticsRepository = (*StatisticsRepository)(nil)
	_ repository.DeliveryRepository           = (*DeliveryRepository)(nil)
	_ repository.AttemptStore                 = (*AttemptStore)(nil)
)

// Store holds all tables behind one lock so that conditional updates are atomic.
type Store struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]domain.Campaign
	users      map[uuid.UUID]domain.UserSettings
	items      map[uuid.UUID]domain.QueueItem
	stats      map[uuid.UUID]domain.CampaignStats
	deliveries map[string]time.Time
	positions  map[uuid.UUID]int64
	attempts   map[uuid.UUID][]domain.CallAttempt
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		campaigns:  make(map[uuid.UUID]domain.Campaign),
		users:      make(map[uuid.UUID]domain.UserSettings),
		items:      make(map[uuid.UUID]domain.QueueItem),
		stats:      make(map[uuid.UUID]domain.CampaignStats),
		deliveries: make(map[string]time.Time),
		positions:  make(map[uuid.UUID]int64),
		attempts:   make(map[uuid.UUID][]domain.CallAttempt),
	}
}

func (s *Store) Campaigns() *CampaignRepository { return &CampaignRepository{s: s} }
func (s *Store) Users() *UserSettingsRepository { return &UserSettingsRepository{s: s} }
func (s *Store) Queue() *QueueRepository { return &QueueRepository{s: s} }
func (s *Store) Stats() *StatisticsRepository { return &StatisticsRepository{s: s} }
func (s *Store) Deliveries() *DeliveryRepository { return &DeliveryRepository{s: s} }
func (s *Store) Attempts() *AttemptStore { return &AttemptStore{s: s} }

// CampaignRepository implements repository.CampaignRepository.
type CampaignRepository struct{ s *Store }

func (r *CampaignRepository) Create(_ context.Context, c *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[c.ID]; ok {
		return repository.ErrConflict
	}
	r.s.campaigns[c.ID] = *c
	return nil
}

func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *CampaignRepository) ListByStatus(_ context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == status {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CampaignRepository) TransitionStatus(_ context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if c.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = at
	if to == domain.CampaignStatusActive && c.StartedAt == nil {
		c.StartedAt = &at
	}
	if to == domain.CampaignStatusCompleted || to == domain.CampaignStatusCancelled {
		c.CompletedAt = &at
	}
	r.s.campaigns[id] = c
	return true, nil
}

// UserSettingsRepository implements repository.UserSettingsRepository.
type UserSettingsRepository struct{ s *Store }

func (r *UserSettingsRepository) Get(_ context.Context, userID uuid.UUID) (*domain.UserSettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *UserSettingsRepository) Upsert(_ context.Context, settings *domain.UserSettings) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.users[settings.UserID] = *settings
	return nil
}

func (r *UserSettingsRepository) ListByIDs(_ context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*domain.UserSettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[uuid.UUID]*domain.UserSettings, len(userIDs))
	for _, id := range userIDs {
		if u, ok := r.s.users[id]; ok {
			u := u
			out[id] = &u
		}
	}
	return out, nil
}

// StatisticsRepository implements repository.CampaignStatisticsRepository.
type StatisticsRepository struct{ s *Store }

func (r *StatisticsRepository) Ensure(_ context.Context, campaignID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.stats[campaignID]; !ok {
		r.s.stats[campaignID] = domain.CampaignStats{}
	}
	return nil
}

func (r *StatisticsRepository) Get(_ context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.stats[campaignID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &st, nil
}

func (r *StatisticsRepository) ApplyDelta(_ context.Context, campaignID uuid.UUID, d repository.StatsDelta) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.stats[campaignID]
	if !ok {
		return nil
	}
	st.TotalCalls += d.TotalCallsDelta
	st.CompletedCalls += d.CompletedCallsDelta
	st.SuccessfulCalls += d.SuccessfulCallsDelta
	st.FailedCalls += d.FailedCallsDelta
	st.SkippedCalls += d.SkippedCallsDelta
	st.RetriesScheduled += d.RetriesDelta
	r.s.stats[campaignID] = st
	return nil
}

// DeliveryRepository implements repository.DeliveryRepository.
type DeliveryRepository struct{ s *Store }

func (r *DeliveryRepository) Record(_ context.Context, queueItemID uuid.UUID, token string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := queueItemID.String() + "/" + token
	if _, ok := r.s.deliveries[key]; ok {
		return false, nil
	}
	r.s.deliveries[key] = at
	return true, nil
}

func (r *DeliveryRepository) Forget(_ context.Context, queueItemID uuid.UUID, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.deliveries, queueItemID.String()+"/"+token)
	return nil
}

// AttemptStore implements repository.AttemptStore. The paging state is the offset.
type AttemptStore struct{ s *Store }

func (r *AttemptStore) AppendAttempt(_ context.Context, attempt domain.CallAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.attempts[attempt.RootID] = append(r.s.attempts[attempt.RootID], attempt)
	return nil
}

func (r *AttemptStore) ListAttempts(_ context.Context, rootID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	all := r.s.attempts[rootID]
	offset := 0
	if len(pagingState) > 0 {
		offset, _ = strconv.Atoi(string(pagingState))
	}
	if offset >= len(all) {
		return nil, nil, nil
	}
	end := offset + limit
	if end >= len(all) {
		out := append([]domain.CallAttempt(nil), all[offset:]...)
		return out, nil, nil
	}
	out := append([]domain.CallAttempt(nil), all[offset:end]...)
	return out, []byte(strconv.Itoa(end)), nil
}
