package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/queue"
	"github.com/acme/call-dispatcher/internal/repository/memory"
	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

type recorder struct {
	wakes    []queue.WakeMessage
	outcomes []queue.OutcomeMessage
}

func (r *recorder) Wake(_ context.Context, msg queue.WakeMessage) error {
	r.wakes = append(r.wakes, msg)
	return nil
}

func (r *recorder) PublishOutcome(_ context.Context, msg queue.OutcomeMessage) error {
	r.outcomes = append(r.outcomes, msg)
	return nil
}

var fixedNow = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memory.Store, *recorder) {
	store := memory.NewStore()
	rec := &recorder{}
	svc := NewService(store.Queue(), store.Attempts(), store.Users(), rec, rec, nil)
	svc.now = func() time.Time { return fixedNow }
	return svc, store, rec
}

func TestEnqueueDirect(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()
	user := uuid.New()

	item, err := svc.EnqueueDirect(ctx, DirectCallInput{UserID: user, PhoneNumber: "+15550100"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.CallType != domain.CallTypeDirect || item.CampaignID != nil || item.Status != domain.QueueStatusQueued {
		t.Fatalf("unexpected item %+v", item)
	}
	if !item.ScheduledFor.Equal(fixedNow) || item.ContactID == uuid.Nil {
		t.Fatalf("unexpected schedule or contact: %+v", item)
	}
	if len(rec.wakes) != 1 || rec.wakes[0].Reason != queue.WakeReasonDirectCall {
		t.Fatalf("expected a direct-call wake, got %+v", rec.wakes)
	}

	later, err := svc.EnqueueDirect(ctx, DirectCallInput{UserID: user, PhoneNumber: "+15550101", ScheduledFor: fixedNow.Add(time.Hour)})
	if err != nil {
		t.Fatalf("enqueue later: %v", err)
	}
	if later.Position <= item.Position {
		t.Fatalf("positions must increase: %d then %d", item.Position, later.Position)
	}
	if len(rec.wakes) != 1 {
		t.Fatalf("future calls should not wake the dispatcher")
	}
}

func TestEnqueueDirectValidation(t *testing.T) {
	svc, _, _ := newTestService()
	for name, in := range map[string]DirectCallInput{
		"missing user":  {PhoneNumber: "+15550100"},
		"missing phone": {UserID: uuid.New()},
	} {
		if _, err := svc.EnqueueDirect(context.Background(), in); !errors.Is(err, apperrors.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestReportOutcome(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()
	item, _ := svc.EnqueueDirect(ctx, DirectCallInput{UserID: uuid.New(), PhoneNumber: "+15550100"})

	bad := []OutcomeInput{
		{QueueItemID: item.ID, Outcome: "hung-up", Token: "a"},
		{QueueItemID: item.ID, Outcome: domain.CallOutcomeBusy},
		{QueueItemID: item.ID, Outcome: domain.CallOutcomeCompleted, Token: "a", Cost: -1},
	}
	for _, in := range bad {
		if err := svc.ReportOutcome(ctx, in); !errors.Is(err, apperrors.ErrValidation) {
			t.Fatalf("input %+v: expected validation error, got %v", in, err)
		}
	}
	if err := svc.ReportOutcome(ctx, OutcomeInput{QueueItemID: uuid.New(), Outcome: domain.CallOutcomeBusy, Token: "a"}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found for unknown item, got %v", err)
	}

	err := svc.ReportOutcome(ctx, OutcomeInput{QueueItemID: item.ID, Outcome: domain.CallOutcomeCompleted, Duration: 2 * time.Minute, Cost: 0.04, Token: "delivery-1"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(rec.outcomes) != 1 {
		t.Fatalf("expected one published outcome, got %d", len(rec.outcomes))
	}
	got := rec.outcomes[0]
	if got.Kind != queue.OutcomeKindOutcome || got.DurationMs != 120000 || got.Token != "delivery-1" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestAttemptsFollowTheChainRoot(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	root := uuid.New()
	retry := &domain.QueueItem{ID: uuid.New(), UserID: uuid.New(), OriginalQueueID: &root, PhoneNumber: "+15550100", Status: domain.QueueStatusQueued}
	_ = store.Queue().Enqueue(ctx, []*domain.QueueItem{retry})
	for i := 0; i < 3; i++ {
		_ = store.Attempts().AppendAttempt(ctx, domain.CallAttempt{RootID: root, Attempt: i, Outcome: domain.CallOutcomeBusy})
	}

	page, err := svc.Attempts(ctx, retry.ID, "", 2)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(page.Attempts) != 2 || page.NextToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = svc.Attempts(ctx, retry.ID, page.NextToken, 2)
	if err != nil {
		t.Fatalf("attempts page 2: %v", err)
	}
	if len(page.Attempts) != 1 || page.Attempts[0].Attempt != 2 || page.NextToken != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestUpdateUserSettings(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	user := uuid.New()

	if _, err := svc.UpdateUserSettings(ctx, domain.UserSettings{UserID: user, ConcurrentLimit: 3, TimeZone: "Nowhere/Invalid"}); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.UpdateUserSettings(ctx, domain.UserSettings{UserID: user, ConcurrentLimit: 3, TimeZone: "Europe/Berlin"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := svc.UserSettings(ctx, user)
	if err != nil || got.ConcurrentLimit != 3 || got.TimeZone != "Europe/Berlin" {
		t.Fatalf("unexpected settings %+v (%v)", got, err)
	}
}
