package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/docvaulthq/DocVault/internal/pkg/usercontext"
)

type depositRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// HandleGetBalance returns the current user's account balance.
func HandleGetBalance(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	balance, err := GetEntitlementService().GetBalance(c.Context(), userCtx.UserID)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{"balance": balance})
}

// HandleListTransactions returns the user's ledger history, newest first.
func HandleListTransactions(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	offset, limit := parsePagination(c)

	entries, err := GetLedgerStore().ListEntriesByUser(userCtx.UserID, offset, limit)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{"transactions": entries})
}

// HandleDeposit credits the account immediately (simulated instant payment).
// The idempotency key makes client retries safe: a reused key returns the
// stored entry instead of crediting twice.
func HandleDeposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "idempotency_key is required")
	}
	if req.Amount <= 0 {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "amount must be positive")
	}

	userCtx := usercontext.GetUserContext(c)
	entry, err := GetEntitlementService().Deposit(c.Context(), userCtx.UserID, req.Amount, key)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{"transaction": entry})
}

// HandleBankTransferDeposit opens a pending deposit waiting for out-of-band
// confirmation. The idempotency key doubles as the transaction reference the
// bank transfer proof must carry.
func HandleBankTransferDeposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "idempotency_key is required")
	}
	if req.Amount <= 0 {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "amount must be positive")
	}

	userCtx := usercontext.GetUserContext(c)
	entry, err := GetEntitlementService().OpenBankTransferDeposit(c.Context(), userCtx.UserID, req.Amount, key)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"transaction":     entry,
		"transaction_ref": entry.IdempotencyKey,
		"status":          entry.Status,
	})
}
