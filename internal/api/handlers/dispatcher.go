package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/call-dispatcher/internal/queue"
)

func (h *HandlerSet) ledgerSnapshot(ctx *fiber.Ctx) error {
	if h.ledger == nil {
		return fiber.NewError(http.StatusServiceUnavailable, "ledger is not configured")
	}

	snap, err := h.ledger.Snapshot(ctx.Context())
	if err != nil {
		return err
	}

	users := make(map[string]int, len(snap.Users))
	for id, n := range snap.Users {
		users[id.String()] = n
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"system": snap.System, "users": users})
}

func (h *HandlerSet) wakeDispatcher(ctx *fiber.Ctx) error {
	if h.waker == nil {
		return fiber.NewError(http.StatusServiceUnavailable, "dispatcher wake is not configured")
	}

	msg := queue.WakeMessage{Reason: queue.WakeReasonManual, RequestedAt: time.Now().UTC()}
	if err := h.waker.Wake(ctx.Context(), msg); err != nil {
		h.log.Warn("manual wake failed", zap.Error(err))
		return fiber.NewError(http.StatusServiceUnavailable, "dispatcher wake failed")
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"status": "woken"})
}
