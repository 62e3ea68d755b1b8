package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
	callsvc "github.com/acme/call-dispatcher/internal/service/call"
)

type directCallRequest struct {
	UserID       uuid.UUID      `json:"user_id"`
	AgentID      uuid.UUID      `json:"agent_id"`
	ContactID    uuid.UUID      `json:"contact_id"`
	PhoneNumber  string         `json:"phone_number"`
	Priority     int            `json:"priority"`
	UserData     map[string]any `json:"user_data"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
}

type queueItemResponse struct {
	ID              uuid.UUID           `json:"id"`
	UserID          uuid.UUID           `json:"user_id"`
	CampaignID      *uuid.UUID          `json:"campaign_id,omitempty"`
	ContactID       uuid.UUID           `json:"contact_id"`
	AgentID         uuid.UUID           `json:"agent_id"`
	PhoneNumber     string              `json:"phone_number"`
	CallType        domain.CallType     `json:"call_type"`
	Status          domain.QueueStatus  `json:"status"`
	Priority        int                 `json:"priority"`
	ScheduledFor    time.Time           `json:"scheduled_for"`
	RetryCount      int                 `json:"retry_count"`
	OriginalQueueID *uuid.UUID          `json:"original_queue_id,omitempty"`
	LastOutcome     *domain.CallOutcome `json:"last_outcome,omitempty"`
	FailureReason   string              `json:"failure_reason,omitempty"`
	UserData        map[string]any      `json:"user_data,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

type attemptResponse struct {
	QueueItemID uuid.UUID          `json:"queue_item_id"`
	Attempt     int                `json:"attempt"`
	Outcome     domain.CallOutcome `json:"outcome"`
	DurationMs  int64              `json:"duration_ms"`
	Cost        float64            `json:"cost"`
	Reason      string             `json:"reason,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
}

type outcomeRequest struct {
	QueueItemID uuid.UUID `json:"queue_item_id"`
	Outcome     string    `json:"outcome"`
	DurationMs  int64     `json:"duration_ms"`
	Cost        float64   `json:"cost"`
	Token       string    `json:"idempotency_token"`
	Reason      string    `json:"reason"`
}

type userSettingsRequest struct {
	ConcurrentLimit int    `json:"concurrent_limit"`
	TimeZone        string `json:"time_zone"`
}

type userSettingsResponse struct {
	UserID          uuid.UUID `json:"user_id"`
	ConcurrentLimit int       `json:"concurrent_limit"`
	TimeZone        string    `json:"time_zone"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (h *HandlerSet) enqueueDirectCall(ctx *fiber.Ctx) error {
	var req directCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := callsvc.DirectCallInput{
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		ContactID:   req.ContactID,
		PhoneNumber: req.PhoneNumber,
		Priority:    req.Priority,
		UserData:    req.UserData,
	}
	if req.ScheduledFor != nil {
		input.ScheduledFor = req.ScheduledFor.UTC()
	}

	item, err := h.calls.EnqueueDirect(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(toQueueItemResponse(item))
}

func (h *HandlerSet) getQueueItem(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "queue item")
	if err != nil {
		return err
	}

	item, err := h.calls.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toQueueItemResponse(item))
}

func (h *HandlerSet) listAttempts(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "queue item")
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	page, err := h.calls.Attempts(ctx.Context(), id, ctx.Query("page_token"), limit)
	if err != nil {
		return translateError(err)
	}

	attempts := make([]attemptResponse, 0, len(page.Attempts))
	for _, a := range page.Attempts {
		attempts = append(attempts, attemptResponse{
			QueueItemID: a.QueueItemID,
			Attempt:     a.Attempt,
			Outcome:     a.Outcome,
			DurationMs:  a.Duration.Milliseconds(),
			Cost:        a.Cost,
			Reason:      a.Reason,
			OccurredAt:  a.OccurredAt,
		})
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"attempts":        attempts,
		"next_page_token": page.NextToken,
	})
}

func (h *HandlerSet) reportOutcome(ctx *fiber.Ctx) error {
	var req outcomeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.QueueItemID == uuid.Nil {
		return fiber.NewError(http.StatusBadRequest, "queue_item_id is required")
	}

	err := h.calls.ReportOutcome(ctx.Context(), callsvc.OutcomeInput{
		QueueItemID: req.QueueItemID,
		Outcome:     domain.CallOutcome(req.Outcome),
		Duration:    time.Duration(req.DurationMs) * time.Millisecond,
		Cost:        req.Cost,
		Token:       req.Token,
		Reason:      req.Reason,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

func (h *HandlerSet) getUserSettings(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "user")
	if err != nil {
		return err
	}

	settings, err := h.calls.UserSettings(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toUserSettingsResponse(settings))
}

func (h *HandlerSet) putUserSettings(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "user")
	if err != nil {
		return err
	}

	var req userSettingsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	settings, err := h.calls.UpdateUserSettings(ctx.Context(), domain.UserSettings{
		UserID:          id,
		ConcurrentLimit: req.ConcurrentLimit,
		TimeZone:        req.TimeZone,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toUserSettingsResponse(settings))
}

func toQueueItemResponse(item *domain.QueueItem) queueItemResponse {
	return queueItemResponse{
		ID:              item.ID,
		UserID:          item.UserID,
		CampaignID:      item.CampaignID,
		ContactID:       item.ContactID,
		AgentID:         item.AgentID,
		PhoneNumber:     item.PhoneNumber,
		CallType:        item.CallType,
		Status:          item.Status,
		Priority:        item.Priority,
		ScheduledFor:    item.ScheduledFor,
		RetryCount:      item.RetryCount,
		OriginalQueueID: item.OriginalQueueID,
		LastOutcome:     item.LastOutcome,
		FailureReason:   item.FailureReason,
		UserData:        item.UserData,
		CreatedAt:       item.CreatedAt,
		UpdatedAt:       item.UpdatedAt,
		StartedAt:       item.StartedAt,
		CompletedAt:     item.CompletedAt,
	}
}

func toUserSettingsResponse(s *domain.UserSettings) userSettingsResponse {
	return userSettingsResponse{
		UserID:          s.UserID,
		ConcurrentLimit: s.ConcurrentLimit,
		TimeZone:        s.TimeZone,
		UpdatedAt:       s.UpdatedAt,
	}
}
