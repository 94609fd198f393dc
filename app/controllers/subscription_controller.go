package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/docvaulthq/DocVault/internal/pkg/usercontext"
)

type subscribeRequest struct {
	PlanID         uint   `json:"plan_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// HandleListPlans returns all active subscription plans.
func HandleListPlans(c *fiber.Ctx) error {
	plans, err := GetEntitlementStore().ListActivePlans()
	if err != nil {
		return mapEntitlementError(c, err)
	}
	return c.JSON(fiber.Map{"plans": plans})
}

// HandleSubscribe debits the plan price and activates a subscription with the
// plan's download quota.
func HandleSubscribe(c *fiber.Ctx) error {
	var req subscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "idempotency_key is required")
	}
	if req.PlanID == 0 {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "plan_id is required")
	}

	userCtx := usercontext.GetUserContext(c)
	sub, err := GetEntitlementService().Subscribe(c.Context(), userCtx.UserID, req.PlanID, key)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"subscription": sub})
}

// HandleGetSubscription returns the user's active subscription, if any.
func HandleGetSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	sub, err := GetEntitlementStore().ActiveSubscription(userCtx.UserID)
	if err != nil {
		return mapEntitlementError(c, err)
	}
	if sub == nil {
		return jsonError(c, fiber.StatusNotFound, "not_found", "No active subscription")
	}

	return c.JSON(fiber.Map{"subscription": sub})
}

// HandleCancelSubscription cancels the user's active subscription. Remaining
// quota is forfeited; there is no refund.
func HandleCancelSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	if err := GetEntitlementService().CancelSubscription(c.Context(), userCtx.UserID); err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{"status": "cancelled"})
}
