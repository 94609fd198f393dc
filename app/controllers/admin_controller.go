package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/docvaulthq/DocVault/app/models"
	"github.com/docvaulthq/DocVault/app/repository"
	"github.com/docvaulthq/DocVault/internal/pkg/database"
	"github.com/docvaulthq/DocVault/internal/pkg/payment"
	"github.com/docvaulthq/DocVault/internal/pkg/reconcile"
	"github.com/docvaulthq/DocVault/internal/pkg/usercontext"
)

type adminUserUpdateRequest struct {
	Role   string `json:"role"`
	Status string `json:"status"`
}

type adminConfirmRequest struct {
	Outcome string `json:"outcome"`
}

type adminRefundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// HandleAdminListUsers returns a paginated user list, optionally filtered by ?q=.
func HandleAdminListUsers(c *fiber.Ctx) error {
	userRepo := repository.GetGlobalFactory().GetUserRepository()

	if q := strings.TrimSpace(c.Query("q")); q != "" {
		users, err := userRepo.Search(q)
		if err != nil {
			return mapEntitlementError(c, err)
		}
		return c.JSON(fiber.Map{"users": users, "total": len(users)})
	}

	offset, limit := parsePagination(c)
	users, err := userRepo.List(offset, limit)
	if err != nil {
		return mapEntitlementError(c, err)
	}
	total, err := userRepo.Count()
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{"users": users, "total": total})
}

// HandleAdminUpdateUser changes a user's role or status.
func HandleAdminUpdateUser(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	var req adminUserUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}

	userRepo := repository.GetGlobalFactory().GetUserRepository()
	user, err := userRepo.GetByID(id)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	if req.Role != "" {
		if req.Role != models.ROLE_USER && req.Role != models.ROLE_ADMIN {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid role")
		}
		user.Role = req.Role
	}
	if req.Status != "" {
		switch req.Status {
		case models.STATUS_ACTIVE, models.STATUS_INACTIVE, models.STATUS_DISABLED:
			user.Status = req.Status
		default:
			return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid status")
		}
	}

	if err := userRepo.Update(user); err != nil {
		return mapEntitlementError(c, err)
	}

	adminCtx := usercontext.GetUserContext(c)
	log.Infof("[Admin] user %d updated user %d (role=%s status=%s)", adminCtx.UserID, user.ID, user.Role, user.Status)
	return c.JSON(fiber.Map{"user": user})
}

// HandleAdminListTransactions returns the global ledger, newest first.
func HandleAdminListTransactions(c *fiber.Ctx) error {
	offset, limit := parsePagination(c)

	entries, err := GetLedgerStore().ListEntries(offset, limit)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{"transactions": entries})
}

// HandleAdminConfirmTransaction manually settles a pending entry, for cases
// where a bank transfer proof arrives through support instead of the webhook.
// It goes through the same idempotent confirmation path.
func HandleAdminConfirmTransaction(c *fiber.Ctx) error {
	ref := strings.TrimSpace(c.Params("ref"))
	if ref == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "transaction reference is required")
	}

	var req adminConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	outcome := strings.ToLower(strings.TrimSpace(req.Outcome))
	if outcome != models.LedgerStatusCompleted && outcome != models.LedgerStatusFailed {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "outcome must be completed or failed")
	}

	entry, err := GetEntitlementService().ConfirmPayment(c.Context(), ref, outcome)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	adminCtx := usercontext.GetUserContext(c)
	log.Infof("[Admin] user %d confirmed transaction %s as %s", adminCtx.UserID, ref, outcome)
	return c.JSON(fiber.Map{"transaction": entry})
}

// HandleAdminRefundTransaction credits back a completed debit as a new refund
// entry. Grants stay in place; this is a monetary correction only.
func HandleAdminRefundTransaction(c *fiber.Ctx) error {
	ref := strings.TrimSpace(c.Params("ref"))
	if ref == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "transaction reference is required")
	}

	var req adminRefundRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "idempotency_key is required")
	}

	entry, err := GetEntitlementService().RefundEntry(c.Context(), ref, key)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	adminCtx := usercontext.GetUserContext(c)
	log.Infof("[Admin] user %d refunded transaction %s", adminCtx.UserID, ref)
	return c.JSON(fiber.Map{"transaction": entry})
}

// HandleAdminListWebhookEvents returns recent payment webhook events for
// gateway debugging.
func HandleAdminListWebhookEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	events, err := payment.NewRepository(database.GetDB()).ListRecentEvents(limit)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{"events": events})
}

// HandleAdminRunReconcile triggers a single reconciliation sweep on demand.
func HandleAdminRunReconcile(c *fiber.Ctx) error {
	if err := reconcile.GetManager().RunSweepOnce(); err != nil {
		return mapEntitlementError(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
