package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
	campaignsvc "github.com/acme/call-dispatcher/internal/service/campaign"
	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

type createCampaignRequest struct {
	UserID           uuid.UUID        `json:"user_id"`
	AgentID          uuid.UUID        `json:"agent_id"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	WindowStart      string           `json:"window_start"`
	WindowEnd        string           `json:"window_end"`
	TimeZone         string           `json:"time_zone"`
	TimeZoneOverride bool             `json:"time_zone_override"`
	RetryPolicy      json.RawMessage  `json:"retry_policy"`
	Start            bool             `json:"start"`
	Contacts         []contactRequest `json:"contacts"`
}

type contactRequest struct {
	ContactID   uuid.UUID      `json:"contact_id"`
	PhoneNumber string         `json:"phone_number"`
	Priority    int            `json:"priority"`
	UserData    map[string]any `json:"user_data"`
}

type campaignResponse struct {
	ID               uuid.UUID             `json:"id"`
	UserID           uuid.UUID             `json:"user_id"`
	AgentID          uuid.UUID             `json:"agent_id"`
	Name             string                `json:"name"`
	Description      string                `json:"description"`
	WindowStart      string                `json:"window_start"`
	WindowEnd        string                `json:"window_end"`
	TimeZone         string                `json:"time_zone"`
	TimeZoneOverride bool                  `json:"time_zone_override"`
	RetryPolicy      domain.RetryPolicy    `json:"retry_policy"`
	Status           domain.CampaignStatus `json:"status"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

type campaignStatsResponse struct {
	TotalCalls       int64 `json:"total_calls"`
	CompletedCalls   int64 `json:"completed_calls"`
	SuccessfulCalls  int64 `json:"successful_calls"`
	FailedCalls      int64 `json:"failed_calls"`
	SkippedCalls     int64 `json:"skipped_calls"`
	RetriesScheduled int64 `json:"retries_scheduled"`
}

type listItemsResponse struct {
	Items    []queueItemResponse `json:"items"`
	NextPage string              `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Start)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Pause)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Resume)
}

func (h *HandlerSet) lifecycle(ctx *fiber.Ctx, op func(context.Context, uuid.UUID) (*domain.Campaign, error)) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}
	campaign, err := op(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}
	n, err := h.campaigns.Cancel(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"status": domain.CampaignStatusCancelled, "items_cancelled": n})
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}

	stats, err := h.campaigns.Stats(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(campaignStatsResponse{
		TotalCalls:       stats.TotalCalls,
		CompletedCalls:   stats.CompletedCalls,
		SuccessfulCalls:  stats.SuccessfulCalls,
		FailedCalls:      stats.FailedCalls,
		SkippedCalls:     stats.SkippedCalls,
		RetriesScheduled: stats.RetriesScheduled,
	})
}

func (h *HandlerSet) addContacts(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}

	var req struct {
		Contacts []contactRequest `json:"contacts"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	n, err := h.campaigns.AddContacts(ctx.Context(), id, toContactInputs(req.Contacts))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"enqueued": n})
}

func (h *HandlerSet) listCampaignItems(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "campaign")
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	page, err := h.campaigns.ListItems(ctx.Context(), id, ctx.Query("page_token"), limit)
	if err != nil {
		return translateError(err)
	}

	resp := listItemsResponse{Items: make([]queueItemResponse, 0, len(page.Items)), NextPage: page.NextToken}
	for _, item := range page.Items {
		resp.Items = append(resp.Items, toQueueItemResponse(item))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:               c.ID,
		UserID:           c.UserID,
		AgentID:          c.AgentID,
		Name:             c.Name,
		Description:      c.Description,
		WindowStart:      c.Window.Start.String(),
		WindowEnd:        c.Window.End.String(),
		TimeZone:         c.TimeZone,
		TimeZoneOverride: c.TimeZoneOverride,
		RetryPolicy:      c.RetryPolicy,
		Status:           c.Status,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		StartedAt:        c.StartedAt,
		CompletedAt:      c.CompletedAt,
	}
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	input := campaignsvc.CreateCampaignInput{
		UserID:           req.UserID,
		AgentID:          req.AgentID,
		Name:             req.Name,
		Description:      req.Description,
		WindowStart:      req.WindowStart,
		WindowEnd:        req.WindowEnd,
		TimeZone:         req.TimeZone,
		TimeZoneOverride: req.TimeZoneOverride,
		Start:            req.Start,
		Contacts:         toContactInputs(req.Contacts),
	}

	if len(req.RetryPolicy) > 0 && string(req.RetryPolicy) != "null" {
		if err := json.Unmarshal(req.RetryPolicy, &input.RetryPolicy); err != nil {
			return campaignsvc.CreateCampaignInput{}, fmt.Errorf("%w: retry_policy: %v", apperrors.ErrValidation, err)
		}
	}
	return input, nil
}

func toContactInputs(req []contactRequest) []campaignsvc.ContactInput {
	contacts := make([]campaignsvc.ContactInput, 0, len(req))
	for _, c := range req {
		contacts = append(contacts, campaignsvc.ContactInput{
			ContactID:   c.ContactID,
			PhoneNumber: c.PhoneNumber,
			Priority:    c.Priority,
			UserData:    c.UserData,
		})
	}
	return contacts
}
