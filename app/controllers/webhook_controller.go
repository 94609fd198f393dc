package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/docvaulthq/DocVault/internal/pkg/env"
	"github.com/docvaulthq/DocVault/internal/pkg/ledger"
	"github.com/docvaulthq/DocVault/internal/pkg/payment"
)

// HandlePaymentWebhook receives out-of-band payment confirmations (bank
// transfer verification service, wallet provider). The payload is recorded
// before processing so redeliveries dedupe on (provider, event id), and the
// entry finalization itself is idempotent. A 2xx therefore never lies: either
// the confirmation was applied, or it had been applied before.
func HandlePaymentWebhook(c *fiber.Ctx) error {
	payload := c.Body()

	secret := env.GetEnv("PAYMENT_WEBHOOK_SECRET", "")
	signatureValid := payment.VerifyWebhookSignature(payload, c.Get("X-Webhook-Signature"), secret)
	if !signatureValid {
		log.Warnf("[Webhook] rejected payment confirmation with invalid signature from %s", c.IP())
		return jsonError(c, fiber.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed")
	}

	conf, err := payment.ParseConfirmation(payload)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	entry, err := GetPaymentGateway().ProcessConfirmation(c.Context(), conf, payload, signatureValid)
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			// Unknown reference: most likely a stale confirmation for an entry
			// the reconciler already swept. Nothing to retry.
			return jsonError(c, fiber.StatusNotFound, "not_found", "Unknown transaction reference")
		}
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{
		"transaction_ref": entry.IdempotencyKey,
		"status":          entry.Status,
	})
}
