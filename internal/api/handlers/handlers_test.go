package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/queue"
	"github.com/acme/call-dispatcher/internal/repository/memory"
	callsvc "github.com/acme/call-dispatcher/internal/service/call"
	campaignsvc "github.com/acme/call-dispatcher/internal/service/campaign"
	"github.com/acme/call-dispatcher/internal/service/concurrency"
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

type testServer struct {
	app    *fiber.App
	rec    *recorder
	ledger *concurrency.MemoryLedger
}

func newTestServer(checks map[string]HealthCheck) *testServer {
	store := memory.NewStore()
	rec := &recorder{}
	ledger := concurrency.NewMemoryLedger()

	set := NewHandlerSet(Deps{
		Campaigns: campaignsvc.NewService(store.Campaigns(), store.Queue(), store.Stats(), rec, nil),
		Calls:     callsvc.NewService(store.Queue(), store.Attempts(), store.Users(), rec, rec, nil),
		Ledger:    ledger,
		Waker:     rec,
		Checks:    checks,
	})
	app := fiber.New(fiber.Config{ErrorHandler: set.ErrorHandler})
	set.Register(app)
	return &testServer{app: app, rec: rec, ledger: ledger}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func campaignBody(user uuid.UUID, start bool) map[string]any {
	return map[string]any{
		"user_id":            user,
		"agent_id":           uuid.New(),
		"name":               "spring renewals",
		"window_start":       "09:00",
		"window_end":         "17:00",
		"time_zone":          "America/New_York",
		"time_zone_override": true,
		"retry_policy":       map[string]any{"strategy": "simple", "max_retries": 2, "interval_minutes": 30},
		"start":              start,
		"contacts": []map[string]any{
			{"contact_id": uuid.New(), "phone_number": "+15550100"},
			{"contact_id": uuid.New(), "phone_number": "+15550101", "priority": 5},
		},
	}
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(nil)
	user := uuid.New()

	var created campaignResponse
	if code := s.do(t, http.MethodPost, "/api/v1/campaigns/", campaignBody(user, false), &created); code != http.StatusCreated {
		t.Fatalf("create: status %d", code)
	}
	if created.Status != "draft" || created.WindowStart != "09:00" || created.RetryPolicy.Strategy() != "simple" {
		t.Fatalf("unexpected campaign %+v", created)
	}
	base := "/api/v1/campaigns/" + created.ID.String()

	var stats campaignStatsResponse
	if code := s.do(t, http.MethodGet, base+"/stats", nil, &stats); code != http.StatusOK {
		t.Fatalf("stats: status %d", code)
	}
	if stats.TotalCalls != 2 {
		t.Fatalf("expected 2 total calls, got %+v", stats)
	}

	var started campaignResponse
	if code := s.do(t, http.MethodPost, base+"/start", nil, &started); code != http.StatusOK || started.Status != "active" {
		t.Fatalf("start: status %d campaign %+v", code, started)
	}
	if len(s.rec.wakes) != 1 || s.rec.wakes[0].Reason != queue.WakeReasonCampaignStarted {
		t.Fatalf("expected a start wake, got %+v", s.rec.wakes)
	}

	if code := s.do(t, http.MethodPost, base+"/pause", nil, nil); code != http.StatusOK {
		t.Fatalf("pause: status %d", code)
	}
	if code := s.do(t, http.MethodPost, base+"/resume", nil, nil); code != http.StatusOK {
		t.Fatalf("resume: status %d", code)
	}

	var cancelled map[string]any
	if code := s.do(t, http.MethodPost, base+"/cancel", nil, &cancelled); code != http.StatusOK {
		t.Fatalf("cancel: status %d", code)
	}
	if cancelled["items_cancelled"] != float64(2) {
		t.Fatalf("expected 2 cancelled items, got %v", cancelled)
	}

	if code := s.do(t, http.MethodPost, base+"/resume", nil, nil); code != http.StatusConflict {
		t.Fatalf("resume after cancel: expected 409, got %d", code)
	}
	more := map[string]any{"contacts": []map[string]any{{"contact_id": uuid.New(), "phone_number": "+15550199"}}}
	if code := s.do(t, http.MethodPost, base+"/contacts", more, nil); code != http.StatusConflict {
		t.Fatalf("add contacts after cancel: expected 409, got %d", code)
	}
}

func TestCreateCampaignRejectsBadInput(t *testing.T) {
	s := newTestServer(nil)

	badWindow := campaignBody(uuid.New(), false)
	badWindow["window_start"] = "25:00"
	if code := s.do(t, http.MethodPost, "/api/v1/campaigns/", badWindow, nil); code != http.StatusBadRequest {
		t.Fatalf("bad window: expected 400, got %d", code)
	}

	badPolicy := campaignBody(uuid.New(), false)
	badPolicy["retry_policy"] = map[string]any{"strategy": "custom", "schedule": []map[string]any{{"attempt": 1, "delay_minutes": 0}}}
	if code := s.do(t, http.MethodPost, "/api/v1/campaigns/", badPolicy, nil); code != http.StatusBadRequest {
		t.Fatalf("bad retry policy: expected 400, got %d", code)
	}

	if code := s.do(t, http.MethodGet, "/api/v1/campaigns/not-a-uuid", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", code)
	}
	if code := s.do(t, http.MethodGet, "/api/v1/campaigns/"+uuid.NewString(), nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown campaign: expected 404, got %d", code)
	}
}

func TestListCampaignItemsPages(t *testing.T) {
	s := newTestServer(nil)

	var created campaignResponse
	if code := s.do(t, http.MethodPost, "/api/v1/campaigns/", campaignBody(uuid.New(), false), &created); code != http.StatusCreated {
		t.Fatalf("create: status %d", code)
	}
	base := "/api/v1/campaigns/" + created.ID.String() + "/items"

	var first listItemsResponse
	if code := s.do(t, http.MethodGet, base+"?limit=1", nil, &first); code != http.StatusOK {
		t.Fatalf("first page: status %d", code)
	}
	if len(first.Items) != 1 || first.NextPage == "" || first.Items[0].PhoneNumber != "+15550100" {
		t.Fatalf("unexpected first page %+v", first)
	}

	var second listItemsResponse
	if code := s.do(t, http.MethodGet, base+"?limit=1&page_token="+first.NextPage, nil, &second); code != http.StatusOK {
		t.Fatalf("second page: status %d", code)
	}
	if len(second.Items) != 1 || second.Items[0].PhoneNumber != "+15550101" {
		t.Fatalf("unexpected second page %+v", second)
	}

	var item queueItemResponse
	if code := s.do(t, http.MethodGet, "/api/v1/queue-items/"+second.Items[0].ID.String(), nil, &item); code != http.StatusOK {
		t.Fatalf("get item: status %d", code)
	}
	if item.CampaignID == nil || *item.CampaignID != created.ID {
		t.Fatalf("item not linked to campaign: %+v", item)
	}
}

func TestDirectCallAndOutcomeWebhook(t *testing.T) {
	s := newTestServer(nil)
	user := uuid.New()

	var item queueItemResponse
	body := map[string]any{"user_id": user, "agent_id": uuid.New(), "contact_id": uuid.New(), "phone_number": "+15550123"}
	if code := s.do(t, http.MethodPost, "/api/v1/calls", body, &item); code != http.StatusAccepted {
		t.Fatalf("direct call: status %d", code)
	}
	if item.CallType != "direct" || item.Status != "queued" {
		t.Fatalf("unexpected item %+v", item)
	}
	if len(s.rec.wakes) != 1 || s.rec.wakes[0].Reason != queue.WakeReasonDirectCall {
		t.Fatalf("expected a direct-call wake, got %+v", s.rec.wakes)
	}

	outcome := map[string]any{"queue_item_id": item.ID, "outcome": "completed", "duration_ms": 42000, "cost": 0.12, "idempotency_token": "tok-1"}
	if code := s.do(t, http.MethodPost, "/api/v1/outcomes", outcome, nil); code != http.StatusAccepted {
		t.Fatalf("outcome: status %d", code)
	}
	if len(s.rec.outcomes) != 1 || s.rec.outcomes[0].DurationMs != 42000 || s.rec.outcomes[0].Kind != queue.OutcomeKindOutcome {
		t.Fatalf("unexpected forwarded outcomes %+v", s.rec.outcomes)
	}

	unknown := map[string]any{"queue_item_id": item.ID, "outcome": "exploded", "idempotency_token": "tok-2"}
	if code := s.do(t, http.MethodPost, "/api/v1/outcomes", unknown, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown outcome: expected 400, got %d", code)
	}

	var attempts map[string]any
	if code := s.do(t, http.MethodGet, "/api/v1/queue-items/"+item.ID.String()+"/attempts", nil, &attempts); code != http.StatusOK {
		t.Fatalf("attempts: status %d", code)
	}
	if list, ok := attempts["attempts"].([]any); !ok || len(list) != 0 {
		t.Fatalf("expected empty attempt history, got %v", attempts)
	}
}

func TestUserSettingsRoundTrip(t *testing.T) {
	s := newTestServer(nil)
	path := "/api/v1/users/" + uuid.NewString() + "/settings"

	if code := s.do(t, http.MethodGet, path, nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing settings: expected 404, got %d", code)
	}

	var saved userSettingsResponse
	if code := s.do(t, http.MethodPut, path, map[string]any{"concurrent_limit": 3, "time_zone": "Europe/Berlin"}, &saved); code != http.StatusOK {
		t.Fatalf("put: status %d", code)
	}
	if saved.ConcurrentLimit != 3 || saved.TimeZone != "Europe/Berlin" {
		t.Fatalf("unexpected settings %+v", saved)
	}

	var loaded userSettingsResponse
	if code := s.do(t, http.MethodGet, path, nil, &loaded); code != http.StatusOK || loaded.ConcurrentLimit != 3 {
		t.Fatalf("get: status %d settings %+v", code, loaded)
	}

	if code := s.do(t, http.MethodPut, path, map[string]any{"concurrent_limit": 1, "time_zone": "Mars/Olympus"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad zone: expected 400, got %d", code)
	}
}

func TestDispatcherEndpoints(t *testing.T) {
	s := newTestServer(nil)
	user := uuid.New()
	if ok, err := s.ledger.Acquire(context.Background(), user, 2, 10); err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}

	var snap struct {
		System int            `json:"system"`
		Users  map[string]int `json:"users"`
	}
	if code := s.do(t, http.MethodGet, "/api/v1/dispatcher/ledger", nil, &snap); code != http.StatusOK {
		t.Fatalf("ledger: status %d", code)
	}
	if snap.System != 1 || snap.Users[user.String()] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if code := s.do(t, http.MethodPost, "/api/v1/dispatcher/wake", nil, nil); code != http.StatusAccepted {
		t.Fatalf("wake: status %d", code)
	}
	if len(s.rec.wakes) != 1 || s.rec.wakes[0].Reason != queue.WakeReasonManual {
		t.Fatalf("expected a manual wake, got %+v", s.rec.wakes)
	}
}

func TestHealthReportsFailingChecks(t *testing.T) {
	s := newTestServer(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	var body struct {
		Status string            `json:"status"`
		Errors map[string]string `json:"errors"`
	}
	if code := s.do(t, http.MethodGet, "/healthz", nil, &body); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if body.Status != "degraded" || body.Errors["redis"] == "" || body.Errors["postgres"] != "" {
		t.Fatalf("unexpected health body %+v", body)
	}
}
