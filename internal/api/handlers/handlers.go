package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	callsvc "github.com/acme/call-dispatcher/internal/service/call"
	campaignsvc "github.com/acme/call-dispatcher/internal/service/campaign"
	"github.com/acme/call-dispatcher/internal/service/concurrency"
)

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Campaigns *campaignsvc.Service
	Calls     *callsvc.Service
	Ledger    concurrency.Ledger
	Waker     callsvc.Waker
	Checks    map[string]HealthCheck
	Logger    *zap.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns *campaignsvc.Service
	calls     *callsvc.Service
	ledger    concurrency.Ledger
	waker     callsvc.Waker
	checks    map[string]HealthCheck
	log       *zap.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(d Deps) *HandlerSet {
	lg := d.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &HandlerSet{
		campaigns: d.Campaigns,
		calls:     d.Calls,
		ledger:    d.Ledger,
		waker:     d.Waker,
		checks:    d.Checks,
		log:       lg,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/api").Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Post("/:id/contacts", h.addContacts)
	campaigns.Get("/:id/items", h.listCampaignItems)

	v1.Post("/calls", h.enqueueDirectCall)

	items := v1.Group("/queue-items")
	items.Get("/:id", h.getQueueItem)
	items.Get("/:id/attempts", h.listAttempts)

	v1.Post("/outcomes", h.reportOutcome)

	users := v1.Group("/users")
	users.Get("/:id/settings", h.getUserSettings)
	users.Put("/:id/settings", h.putUserSettings)

	dispatcher := v1.Group("/dispatcher")
	dispatcher.Get("/ledger", h.ledgerSnapshot)
	dispatcher.Post("/wake", h.wakeDispatcher)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make(map[string]string)
	for _, name := range names {
		if err := h.checks[name](healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
