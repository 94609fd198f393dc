package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/docvaulthq/DocVault/app/models"
)

// Confirmer is the slice of the entitlement service the gateway needs.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, transactionRef, outcome string) (*models.LedgerEntry, error)
}

// Gateway normalizes out-of-band payment confirmations (bank transfer proof
// verification, wallet callbacks) and feeds them into the entitlement
// service. Every path is safe under redelivery: events are deduplicated on
// (provider, event id) and ConfirmPayment no-ops on finalized entries.
type Gateway struct {
	repo      Repository
	confirmer Confirmer
}

// NewGateway creates a payment gateway from an injected repository and confirmer.
func NewGateway(repo Repository, confirmer Confirmer) *Gateway {
	return &Gateway{repo: repo, confirmer: confirmer}
}

// NewGatewayFromDB creates a payment gateway from a GORM DB handle.
func NewGatewayFromDB(db *gorm.DB, confirmer Confirmer) *Gateway {
	return NewGateway(NewRepository(db), confirmer)
}

// ParseConfirmation decodes and validates a confirmation payload.
func ParseConfirmation(payload []byte) (*Confirmation, error) {
	var c Confirmation
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("malformed confirmation payload: %w", err)
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.TransactionRef = strings.TrimSpace(c.TransactionRef)
	c.Outcome = strings.ToLower(strings.TrimSpace(c.Outcome))

	if c.TransactionRef == "" {
		return nil, errors.New("transaction_ref is required")
	}
	switch c.Outcome {
	case models.LedgerStatusCompleted, models.LedgerStatusFailed:
	default:
		return nil, fmt.Errorf("invalid confirmation outcome %q", c.Outcome)
	}
	return &c, nil
}

// RecordWebhookEvent persists webhook payloads idempotently. The returned
// bool reports whether this delivery was the first one.
func (g *Gateway) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.PaymentWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.PaymentWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return g.repo.CreateWebhookEventIfNotExists(event)
}

// ProcessConfirmation records the event and settles the referenced ledger
// entry. A redelivered event that was already processed successfully is
// acknowledged without re-running the confirmation.
func (g *Gateway) ProcessConfirmation(ctx context.Context, c *Confirmation, payload []byte, signatureValid bool) (*models.LedgerEntry, error) {
	created, event, err := g.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        c.Provider,
		ProviderEventID: c.EventID,
		EventType:       "payment." + c.Outcome,
		PayloadJSON:     string(payload),
		SignatureValid:  signatureValid,
	})
	if err != nil {
		return nil, err
	}

	if !created && event.ProcessedAt != nil && event.ProcessingError == "" {
		// Redelivery of an already-processed event.
		return g.confirmer.ConfirmPayment(ctx, c.TransactionRef, c.Outcome)
	}

	entry, confirmErr := g.confirmer.ConfirmPayment(ctx, c.TransactionRef, c.Outcome)

	errMsg := ""
	if confirmErr != nil {
		errMsg = confirmErr.Error()
	}
	if err := g.repo.MarkWebhookProcessed(event.ID, errMsg); err != nil {
		return entry, err
	}
	return entry, confirmErr
}
