package campaign

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

type recordingWaker struct {
	msgs []queue.WakeMessage
}

func (w *recordingWaker) Wake(_ context.Context, msg queue.WakeMessage) error {
	w.msgs = append(w.msgs, msg)
	return nil
}

func newTestService() (*Service, *memory.Store, *recordingWaker) {
	store := memory.NewStore()
	waker := &recordingWaker{}
	svc := NewService(store.Campaigns(), store.Queue(), store.Stats(), waker, nil)
	svc.now = func() time.Time { return time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC) }
	return svc, store, waker
}

func validInput(contacts ...string) CreateCampaignInput {
	in := CreateCampaignInput{
		UserID:           uuid.New(),
		AgentID:          uuid.New(),
		Name:             "spring outreach",
		WindowStart:      "09:00",
		WindowEnd:        "17:00",
		TimeZone:         "America/New_York",
		TimeZoneOverride: true,
	}
	for _, phone := range contacts {
		in.Contacts = append(in.Contacts, ContactInput{PhoneNumber: phone})
	}
	return in
}

func TestValidateCreateInputFailures(t *testing.T) {
	cases := map[string]func(*CreateCampaignInput){
		"missing name":          func(in *CreateCampaignInput) { in.Name = "" },
		"missing user":          func(in *CreateCampaignInput) { in.UserID = uuid.Nil },
		"bad window start":      func(in *CreateCampaignInput) { in.WindowStart = "9am" },
		"bad window end":        func(in *CreateCampaignInput) { in.WindowEnd = "25:00" },
		"empty window":          func(in *CreateCampaignInput) { in.WindowEnd = "09:00" },
		"override without tz":   func(in *CreateCampaignInput) { in.TimeZone = "" },
		"invalid tz":            func(in *CreateCampaignInput) { in.TimeZone = "Mars/Olympus" },
		"contact without phone": func(in *CreateCampaignInput) { in.Contacts = []ContactInput{{}} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput("+15550100")
			mutate(&in)
			if _, err := validateCreateInput(in); !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestValidateCreateInputAcceptsMidnightWindow(t *testing.T) {
	in := validInput()
	in.WindowStart, in.WindowEnd = "22:00", "02:00"
	window, err := validateCreateInput(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !window.SpansMidnight() {
		t.Fatalf("expected window to span midnight")
	}
}

func TestCreateEnqueuesContactsInOrder(t *testing.T) {
	svc, store, waker := newTestService()
	ctx := context.Background()

	c, err := svc.Create(ctx, validInput("+15550101", "+15550102", "+15550103"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.CampaignStatusDraft {
		t.Fatalf("expected draft, got %s", c.Status)
	}
	if len(waker.msgs) != 0 {
		t.Fatalf("draft campaigns must not wake the dispatcher")
	}

	page, err := svc.ListItems(ctx, c.ID, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(page.Items))
	}
	for i, item := range page.Items {
		if want := "+1555010" + string(rune('1'+i)); item.PhoneNumber != want {
			t.Fatalf("item %d: expected %s, got %s", i, want, item.PhoneNumber)
		}
		if item.Status != domain.QueueStatusQueued || item.CallType != domain.CallTypeCampaign || item.ContactID == uuid.Nil {
			t.Fatalf("unexpected item %+v", item)
		}
	}

	st, _ := store.Stats().Get(ctx, c.ID)
	if st.TotalCalls != 3 {
		t.Fatalf("expected total 3, got %d", st.TotalCalls)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _, waker := newTestService()
	ctx := context.Background()
	c, err := svc.Create(ctx, validInput("+15550101"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Resume(ctx, c.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("resume of a draft should conflict, got %v", err)
	}
	if got, err := svc.Start(ctx, c.ID); err != nil || got.Status != domain.CampaignStatusActive {
		t.Fatalf("start: %v %+v", err, got)
	}
	if got, err := svc.Pause(ctx, c.ID); err != nil || got.Status != domain.CampaignStatusPaused {
		t.Fatalf("pause: %v %+v", err, got)
	}
	if _, err := svc.Pause(ctx, c.ID); err != nil {
		t.Fatalf("repeated pause should be a no-op, got %v", err)
	}
	page, err := svc.ListItems(ctx, c.ID, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Status != domain.QueueStatusQueued {
		t.Fatalf("pause must keep queued items queued for resume, got %+v", page.Items)
	}
	if got, err := svc.Resume(ctx, c.ID); err != nil || got.Status != domain.CampaignStatusActive {
		t.Fatalf("resume: %v %+v", err, got)
	}

	reasons := make([]string, 0, len(waker.msgs))
	for _, m := range waker.msgs {
		reasons = append(reasons, m.Reason)
	}
	if len(reasons) != 2 || reasons[0] != queue.WakeReasonCampaignStarted || reasons[1] != queue.WakeReasonCampaignResumed {
		t.Fatalf("unexpected wake reasons %v", reasons)
	}
}

func TestCancelCancelsQueuedItems(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	in := validInput("+15550101", "+15550102")
	in.Start = true
	c, err := svc.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	page, _ := svc.ListItems(ctx, c.ID, "", 10)
	if ok, _ := store.Queue().Claim(ctx, page.Items[0].ID, svc.now()); !ok {
		t.Fatalf("claim failed")
	}

	n, err := svc.Cancel(ctx, c.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 queued item cancelled, got %d", n)
	}

	first, _ := store.Queue().Get(ctx, page.Items[0].ID)
	second, _ := store.Queue().Get(ctx, page.Items[1].ID)
	if first.Status != domain.QueueStatusProcessing || second.Status != domain.QueueStatusCancelled {
		t.Fatalf("unexpected statuses %s / %s", first.Status, second.Status)
	}
	if _, err := svc.Start(ctx, c.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("cancelled campaigns cannot restart, got %v", err)
	}
	if _, err := svc.AddContacts(ctx, c.ID, []ContactInput{{PhoneNumber: "+15550199"}}); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("cannot add contacts to a cancelled campaign, got %v", err)
	}
}

func TestListItemsPages(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	c, err := svc.Create(ctx, validInput("+15550101", "+15550102", "+15550103", "+15550104", "+15550105"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var seen []int64
	token := ""
	for i := 0; i < 5; i++ {
		page, err := svc.ListItems(ctx, c.ID, token, 2)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		for _, item := range page.Items {
			seen = append(seen, item.Position)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	if len(seen) != 5 {
		t.Fatalf("expected 5 items across pages, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("positions not ascending: %v", seen)
		}
	}

	if _, err := svc.ListItems(ctx, c.ID, "%%%", 2); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for bad token, got %v", err)
	}
}
