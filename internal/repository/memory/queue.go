package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/repository"
)

// QueueRepository implements repository.QueueRepository.
type QueueRepository struct{ s *Store }

func (r *QueueRepository) Enqueue(_ context.Context, items []*domain.QueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, item := range items {
		if _, ok := r.s.items[item.ID]; ok {
			continue
		}
		r.s.items[item.ID] = *item
	}
	return nil
}

func (r *QueueRepository) Get(_ context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &item, nil
}

func (r *QueueRepository) EligibleDepth(_ context.Context, filter repository.EligibilityFilter) (map[uuid.UUID]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[uuid.UUID]int)
	for _, item := range r.s.items {
		if eligible(item, filter) {
			out[item.UserID]++
		}
	}
	return out, nil
}

func (r *QueueRepository) NextEligible(_ context.Context, userID uuid.UUID, filter repository.EligibilityFilter, limit int) ([]*domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.QueueItem
	for _, item := range r.s.items {
		if item.UserID == userID && eligible(item, filter) {
			item := item
			out = append(out, &item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		return a.ID.String() < b.ID.String()
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *QueueRepository) EarliestScheduled(_ context.Context, filter repository.EligibilityFilter) (*time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var earliest *time.Time
	for _, item := range r.s.items {
		if item.Status != domain.QueueStatusQueued || !inScope(item, filter) {
			continue
		}
		if earliest == nil || item.ScheduledFor.Before(*earliest) {
			t := item.ScheduledFor
			earliest = &t
		}
	}
	return earliest, nil
}

func (r *QueueRepository) Claim(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.items[id]
	if !ok || item.Status != domain.QueueStatusQueued {
		return false, nil
	}
	if item.CampaignID != nil {
		c, ok := r.s.campaigns[*item.CampaignID]
		if !ok || c.Status != domain.CampaignStatusActive {
			return false, nil
		}
	}
	for _, other := range r.s.items {
		if other.ID != id && other.ContactID == item.ContactID && other.Status == domain.QueueStatusProcessing {
			return false, nil
		}
	}
	item.Status = domain.QueueStatusProcessing
	item.StartedAt = &now
	item.UpdatedAt = now
	r.s.items[id] = item
	return true, nil
}

func (r *QueueRepository) Requeue(_ context.Context, id uuid.UUID, scheduledFor time.Time, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.items[id]
	if !ok || item.Status != domain.QueueStatusProcessing {
		return false, nil
	}
	item.Status = domain.QueueStatusQueued
	item.ScheduledFor = scheduledFor
	item.FailureReason = reason
	item.InfraRetryCount++
	item.StartedAt = nil
	r.s.items[id] = item
	return true, nil
}

func (r *QueueRepository) Finish(_ context.Context, id uuid.UUID, status domain.QueueStatus, outcome *domain.CallOutcome, reason string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.items[id]
	if !ok || item.Status != domain.QueueStatusProcessing {
		return false, nil
	}
	item.Status = status
	if outcome != nil {
		o := *outcome
		item.LastOutcome = &o
	}
	item.FailureReason = reason
	item.CompletedAt = &now
	item.UpdatedAt = now
	r.s.items[id] = item
	return true, nil
}

func (r *QueueRepository) Skip(_ context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.items[id]
	if !ok || item.Status != domain.QueueStatusQueued {
		return false, nil
	}
	item.Status = domain.QueueStatusSkipped
	item.FailureReason = reason
	item.CompletedAt = &now
	item.UpdatedAt = now
	r.s.items[id] = item
	return true, nil
}

func (r *QueueRepository) CancelQueued(_ context.Context, campaignID uuid.UUID, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for id, item := range r.s.items {
		if item.Status != domain.QueueStatusQueued || !item.BelongsTo(campaignID) {
			continue
		}
		item.Status = domain.QueueStatusCancelled
		item.FailureReason = "campaign cancelled"
		item.CompletedAt = &now
		item.UpdatedAt = now
		r.s.items[id] = item
		n++
	}
	return n, nil
}

func (r *QueueRepository) CountOpen(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, item := range r.s.items {
		if item.BelongsTo(campaignID) && !item.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (r *QueueRepository) CountProcessingByUser(context.Context) (map[uuid.UUID]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[uuid.UUID]int)
	for _, item := range r.s.items {
		if item.Status == domain.QueueStatusProcessing {
			out[item.UserID]++
		}
	}
	return out, nil
}

func (r *QueueRepository) ListStaleProcessing(_ context.Context, startedBefore time.Time, limit int) ([]*domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.QueueItem
	for _, item := range r.s.items {
		if item.Status == domain.QueueStatusProcessing && item.StartedAt != nil && item.StartedAt.Before(startedBefore) {
			item := item
			out = append(out, &item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *QueueRepository) ListByCampaign(_ context.Context, campaignID uuid.UUID, after repository.ItemCursor, limit int) ([]*domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.QueueItem
	for _, item := range r.s.items {
		if !item.BelongsTo(campaignID) {
			continue
		}
		if item.Position < after.Position || (item.Position == after.Position && item.ID.String() <= after.ID.String()) {
			continue
		}
		item := item
		out = append(out, &item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *QueueRepository) NextPosition(_ context.Context, userID uuid.UUID, n int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if n <= 0 {
		n = 1
	}
	first := r.s.positions[userID] + 1
	r.s.positions[userID] += int64(n)
	return first, nil
}

func inScope(item domain.QueueItem, filter repository.EligibilityFilter) bool {
	if item.CampaignID == nil {
		return filter.IncludeDirect
	}
	for _, id := range filter.CampaignIDs {
		if id == *item.CampaignID {
			return true
		}
	}
	return false
}

func eligible(item domain.QueueItem, filter repository.EligibilityFilter) bool {
	return item.Status == domain.QueueStatusQueued && !item.ScheduledFor.After(filter.Now) && inScope(item, filter)
}
