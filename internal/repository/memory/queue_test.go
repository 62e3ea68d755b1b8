package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/repository"
)

func TestClaimExcludesSameContact(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	queue := store.Queue()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	contact := uuid.New()

	first := &domain.QueueItem{ID: uuid.New(), UserID: uuid.New(), ContactID: contact, Status: domain.QueueStatusQueued, ScheduledFor: now}
	second := &domain.QueueItem{ID: uuid.New(), UserID: first.UserID, ContactID: contact, Status: domain.QueueStatusQueued, ScheduledFor: now}
	if err := queue.Enqueue(ctx, []*domain.QueueItem{first, second}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if ok, _ := queue.Claim(ctx, first.ID, now); !ok {
		t.Fatalf("first claim should succeed")
	}
	if ok, _ := queue.Claim(ctx, first.ID, now); ok {
		t.Fatalf("an item can only be claimed once")
	}
	if ok, _ := queue.Claim(ctx, second.ID, now); ok {
		t.Fatalf("second item for the same contact must not be claimed while the first is processing")
	}

	if ok, _ := queue.Finish(ctx, first.ID, domain.QueueStatusCompleted, nil, "", now); !ok {
		t.Fatalf("finish should succeed")
	}
	if ok, _ := queue.Claim(ctx, second.ID, now); !ok {
		t.Fatalf("second item should be claimable once the contact is free")
	}
}

func TestClaimRequiresActiveCampaign(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	campaign := &domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusPaused}
	_ = store.Campaigns().Create(ctx, campaign)

	item := &domain.QueueItem{ID: uuid.New(), CampaignID: &campaign.ID, ContactID: uuid.New(), Status: domain.QueueStatusQueued}
	_ = store.Queue().Enqueue(ctx, []*domain.QueueItem{item})

	if ok, _ := store.Queue().Claim(ctx, item.ID, now); ok {
		t.Fatalf("items of a paused campaign must not be claimed")
	}
	_, _ = store.Campaigns().TransitionStatus(ctx, campaign.ID, []domain.CampaignStatus{domain.CampaignStatusPaused}, domain.CampaignStatusActive, now)
	if ok, _ := store.Queue().Claim(ctx, item.ID, now); !ok {
		t.Fatalf("items of an active campaign should be claimable")
	}
}

func TestListByCampaignPages(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	campaignID := uuid.New()
	var items []*domain.QueueItem
	for i := 1; i <= 5; i++ {
		items = append(items, &domain.QueueItem{ID: uuid.New(), CampaignID: &campaignID, Position: int64(i), Status: domain.QueueStatusQueued})
	}
	_ = store.Queue().Enqueue(ctx, items)

	var (
		cursor repository.ItemCursor
		seen   []int64
	)
	for {
		page, err := store.Queue().ListByCampaign(ctx, campaignID, cursor, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, item := range page {
			seen = append(seen, item.Position)
		}
		last := page[len(page)-1]
		cursor = repository.ItemCursor{Position: last.Position, ID: last.ID}
	}
	if len(seen) != 5 || seen[0] != 1 || seen[4] != 5 {
		t.Fatalf("unexpected positions %v", seen)
	}
}
