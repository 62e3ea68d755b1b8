package retry

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
)

func TestSimplePolicyProducesBoundedChain(t *testing.T) {
	policy, err := domain.NewSimpleRetry(3, 30*time.Minute)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	campaignID := uuid.New()
	item := &domain.QueueItem{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		CampaignID:  &campaignID,
		ContactID:   uuid.New(),
		PhoneNumber: "+15550100",
		Status:      domain.QueueStatusProcessing,
	}
	root := item.ID

	items := 1
	for {
		decision := Next(domain.CallOutcomeNoAnswer, item.RetryCount+1, policy)
		if !decision.ShouldRetry() {
			break
		}
		next := NextItem(item, decision, now)
		if next.RetryCount <= item.RetryCount {
			t.Fatalf("retry count must grow: %d -> %d", item.RetryCount, next.RetryCount)
		}
		if next.OriginalQueueID == nil || *next.OriginalQueueID != root {
			t.Fatalf("retry must point at the chain root")
		}
		if !next.ScheduledFor.Equal(now.Add(30 * time.Minute)) {
			t.Fatalf("unexpected schedule %v", next.ScheduledFor)
		}
		item = next
		items++
	}

	if items != 4 {
		t.Fatalf("expected 4 items in the chain, got %d", items)
	}
}

func TestCustomPolicyGaps(t *testing.T) {
	policy, err := domain.NewCustomRetry([]domain.RetryStep{
		{Attempt: 1, Delay: 10 * time.Minute},
		{Attempt: 3, Delay: 60 * time.Minute},
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	tests := []struct {
		attempt int
		retry   bool
		delay   time.Duration
	}{
		{attempt: 1, retry: true, delay: 10 * time.Minute},
		{attempt: 2, retry: false},
		{attempt: 3, retry: true, delay: 60 * time.Minute},
		{attempt: 4, retry: false},
	}
	for _, tt := range tests {
		d := Next(domain.CallOutcomeBusy, tt.attempt, policy)
		if d.ShouldRetry() != tt.retry {
			t.Fatalf("attempt %d: expected retry=%v, got %+v", tt.attempt, tt.retry, d)
		}
		if tt.retry && d.Delay != tt.delay {
			t.Fatalf("attempt %d: expected delay %v, got %v", tt.attempt, tt.delay, d.Delay)
		}
	}
}

func TestNonRetryableOutcomesStop(t *testing.T) {
	policy, _ := domain.NewSimpleRetry(5, time.Minute)
	for _, outcome := range []domain.CallOutcome{domain.CallOutcomeCompleted, domain.CallOutcomeFailed, domain.CallOutcomeCancelled} {
		if Next(outcome, 1, policy).ShouldRetry() {
			t.Fatalf("outcome %s must not retry", outcome)
		}
	}
}

func TestDisabledPoliciesNeverRetry(t *testing.T) {
	zero, _ := domain.NewSimpleRetry(0, 0)
	empty, _ := domain.NewCustomRetry(nil)
	for _, policy := range []domain.RetryPolicy{zero, empty, domain.NoRetry(), {}} {
		if Next(domain.CallOutcomeBusy, 1, policy).ShouldRetry() {
			t.Fatalf("policy %s should never retry", policy.Strategy())
		}
	}
}

func TestBusyTwiceWithSingleRetry(t *testing.T) {
	policy, _ := domain.NewSimpleRetry(1, 15*time.Minute)
	first := &domain.QueueItem{ID: uuid.New(), ContactID: uuid.New(), PhoneNumber: "+15550101"}
	at := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

	d := Next(domain.CallOutcomeBusy, first.RetryCount+1, policy)
	if !d.ShouldRetry() {
		t.Fatalf("expected first busy to retry")
	}
	second := NextItem(first, d, at)
	if want := time.Date(2024, 5, 6, 10, 15, 0, 0, time.UTC); !second.ScheduledFor.Equal(want) {
		t.Fatalf("expected retry at %v, got %v", want, second.ScheduledFor)
	}
	if Next(domain.CallOutcomeBusy, second.RetryCount+1, policy).ShouldRetry() {
		t.Fatalf("second busy must exhaust the policy")
	}
}
