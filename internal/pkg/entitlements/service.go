package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/docvaulthq/DocVault/app/models"
	"github.com/docvaulthq/DocVault/internal/pkg/ledger"
)

const (
	storageRetryDelay   = 100 * time.Millisecond
	conflictRetryDelay  = 25 * time.Millisecond
	planReferencePrefix = "plan:"
)

// Catalog is the read side of the document catalog the service needs.
type Catalog interface {
	GetByID(id uint) (*models.Document, error)
	GetByUUID(uuid string) (*models.Document, error)
}

// Service orchestrates purchases, deposits, subscriptions and download
// authorization against the ledger, the entitlement store and the catalog.
//
// All money movement funnels through ledger.Store.FinalizeEntry; the service
// itself never touches a balance. Grant creation is insert-idempotent, which
// makes every multi-step operation safely retryable end to end.
type Service struct {
	ledger  ledger.Store
	store   Store
	catalog Catalog

	// countDownload is a best-effort counter hook. Failures are logged and
	// never block a download.
	countDownload func(documentID uint) error
}

// NewService creates an entitlement service from injected stores.
func NewService(ledgerStore ledger.Store, store Store, catalog Catalog, countDownload func(uint) error) *Service {
	if countDownload == nil {
		countDownload = func(uint) error { return nil }
	}
	return &Service{
		ledger:        ledgerStore,
		store:         store,
		catalog:       catalog,
		countDownload: countDownload,
	}
}

// PurchaseDocument buys access to a document for the user. The caller
// supplies one idempotency key per purchase attempt so retried network calls
// cannot double-charge: a reused key resumes the prior attempt and returns
// its outcome.
func (s *Service) PurchaseDocument(ctx context.Context, userID, documentID uint, idempotencyKey string) (*models.EntitlementGrant, error) {
	_ = ctx
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	var grant *models.EntitlementGrant
	err := s.withConflictRetry(func() error {
		var opErr error
		grant, opErr = s.purchaseDocument(userID, documentID, idempotencyKey)
		return opErr
	})
	return grant, err
}

func (s *Service) purchaseDocument(userID, documentID uint, idempotencyKey string) (*models.EntitlementGrant, error) {
	doc, err := s.getDocument(documentID)
	if err != nil {
		return nil, err
	}

	// Owners and already-granted users get their existing grant back, no charge.
	hasGrant, err := s.hasGrantRetried(userID, doc.ID)
	if err != nil {
		return nil, err
	}
	if doc.IsOwnedBy(userID) || hasGrant {
		return s.ensureGrant(userID, doc.ID, grantViaFor(doc, userID))
	}

	if doc.IsFree() {
		return s.ensureGrant(userID, doc.ID, models.GrantViaPurchase)
	}

	entry, created, err := s.ledger.OpenEntry(userID, models.LedgerKindPurchase, -doc.Price, doc.UUID, idempotencyKey)
	if err != nil {
		return nil, s.storageErr("open purchase entry", err)
	}

	if !created && entry.IsFinal() {
		// Retry of a finished attempt: report the recorded outcome.
		if entry.Status == models.LedgerStatusFailed {
			if entry.FailureReason == "insufficient funds" {
				return nil, ErrInsufficientFunds
			}
			return nil, fmt.Errorf("%w: %s", ErrPurchaseFailed, entry.FailureReason)
		}
		// Completed earlier; fall through to re-create the grant, which is
		// a no-op if it already exists (crash between debit and grant).
	} else {
		finalized, err := s.ledger.FinalizeEntry(entry.ID, models.LedgerStatusCompleted)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return nil, ErrInsufficientFunds
			}
			return nil, s.storageErr("finalize purchase entry", err)
		}
		if finalized.Status != models.LedgerStatusCompleted {
			return nil, fmt.Errorf("%w: %s", ErrPurchaseFailed, finalized.FailureReason)
		}
	}

	return s.ensureGrant(userID, doc.ID, models.GrantViaPurchase)
}

// DownloadDocument authorizes a download and returns the document whose file
// may be served. Success requires an existing grant, or — for free documents —
// an active subscription with remaining quota, which is consumed atomically.
func (s *Service) DownloadDocument(ctx context.Context, userID, documentID uint) (*models.Document, error) {
	_ = ctx

	doc, err := s.getDocument(documentID)
	if err != nil {
		return nil, err
	}

	authorized, err := s.hasGrantRetried(userID, doc.ID)
	if err != nil {
		return nil, err
	}
	if !authorized && doc.IsOwnedBy(userID) {
		authorized = true
	}

	if !authorized {
		if !doc.IsFree() {
			return nil, ErrDownloadNotAuthorized
		}
		ok, _, err := s.store.ConsumeSubscriptionDownload(userID)
		if err != nil {
			return nil, s.storageErr("consume subscription download", err)
		}
		if !ok {
			return nil, s.subscriptionDenial(userID)
		}
	}

	// Best-effort counter; explicitly allowed to be lossy and never blocks
	// the download.
	if err := s.countDownload(doc.ID); err != nil {
		log.Warnf("[Entitlements] download counter for document %d failed: %v", doc.ID, err)
	}

	return doc, nil
}

// Deposit credits the user's balance immediately (simulated instant payment).
func (s *Service) Deposit(ctx context.Context, userID uint, amount int64, idempotencyKey string) (*models.LedgerEntry, error) {
	_ = ctx
	if amount <= 0 {
		return nil, errors.New("deposit amount must be positive")
	}

	entry, created, err := s.ledger.OpenEntry(userID, models.LedgerKindDeposit, amount, "", idempotencyKey)
	if err != nil {
		return nil, s.storageErr("open deposit entry", err)
	}
	if !created && entry.IsFinal() {
		return entry, nil
	}

	finalized, err := s.ledger.FinalizeEntry(entry.ID, models.LedgerStatusCompleted)
	if err != nil {
		return nil, s.storageErr("finalize deposit entry", err)
	}
	return finalized, nil
}

// OpenBankTransferDeposit opens a pending deposit that waits for an
// out-of-band confirmation (bank transfer proof). The entry is finalized by
// ConfirmPayment or failed by the stale-pending sweep.
func (s *Service) OpenBankTransferDeposit(ctx context.Context, userID uint, amount int64, idempotencyKey string) (*models.LedgerEntry, error) {
	_ = ctx
	if amount <= 0 {
		return nil, errors.New("deposit amount must be positive")
	}

	entry, _, err := s.ledger.OpenEntry(userID, models.LedgerKindDeposit, amount, models.PaymentProviderBankTransfer, idempotencyKey)
	if err != nil {
		return nil, s.storageErr("open bank transfer entry", err)
	}
	return entry, nil
}

// Subscribe debits the plan price and activates a subscription with the
// plan's period and download quota.
func (s *Service) Subscribe(ctx context.Context, userID, planID uint, idempotencyKey string) (*models.Subscription, error) {
	_ = ctx
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	plan, err := s.store.GetPlan(planID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, s.storageErr("load plan", err)
	}

	entry, created, err := s.ledger.OpenEntry(userID, models.LedgerKindSubscription, -plan.Price,
		fmt.Sprintf("%s%d", planReferencePrefix, plan.ID), idempotencyKey)
	if err != nil {
		return nil, s.storageErr("open subscription entry", err)
	}

	if !created && entry.IsFinal() {
		if entry.Status == models.LedgerStatusFailed {
			if entry.FailureReason == "insufficient funds" {
				return nil, ErrInsufficientFunds
			}
			return nil, fmt.Errorf("%w: %s", ErrPurchaseFailed, entry.FailureReason)
		}
		// Completed earlier: fall through to ensure the subscription exists.
	} else {
		finalized, err := s.ledger.FinalizeEntry(entry.ID, models.LedgerStatusCompleted)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return nil, ErrInsufficientFunds
			}
			return nil, s.storageErr("finalize subscription entry", err)
		}
		if finalized.Status != models.LedgerStatusCompleted {
			return nil, fmt.Errorf("%w: %s", ErrPurchaseFailed, finalized.FailureReason)
		}
	}

	return s.activateSubscription(userID, plan)
}

// CancelSubscription marks the user's active subscription cancelled.
func (s *Service) CancelSubscription(ctx context.Context, userID uint) error {
	_ = ctx
	if err := s.store.CancelSubscription(userID); err != nil {
		return s.storageErr("cancel subscription", err)
	}
	return nil
}

// ConfirmPayment settles a pending ledger entry from an out-of-band
// confirmation (bank transfer verification, wallet callback). The transaction
// reference is the idempotency key of the pending entry. Redelivery of the
// same confirmation is harmless: FinalizeEntry no-ops on finalized entries
// and the follow-up steps are insert-idempotent.
func (s *Service) ConfirmPayment(ctx context.Context, transactionRef, outcome string) (*models.LedgerEntry, error) {
	_ = ctx

	var status string
	switch outcome {
	case models.LedgerStatusCompleted, models.LedgerStatusFailed:
		status = outcome
	default:
		return nil, fmt.Errorf("invalid confirmation outcome %q", outcome)
	}

	entry, err := s.ledger.GetEntryByKey(transactionRef)
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			return nil, err
		}
		return nil, s.storageErr("resolve transaction reference", err)
	}

	finalized, err := s.ledger.FinalizeEntry(entry.ID, status)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return finalized, ErrInsufficientFunds
		}
		return nil, s.storageErr("finalize confirmed entry", err)
	}

	if finalized.Status != models.LedgerStatusCompleted {
		return finalized, nil
	}

	switch finalized.Kind {
	case models.LedgerKindPurchase:
		doc, err := s.catalog.GetByUUID(finalized.ReferenceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return finalized, ErrDocumentNotFound
			}
			return finalized, s.storageErr("resolve purchased document", err)
		}
		if _, err := s.ensureGrant(finalized.UserID, doc.ID, models.GrantViaPurchase); err != nil {
			return finalized, err
		}
	case models.LedgerKindSubscription:
		planID, ok := parsePlanReference(finalized.ReferenceID)
		if !ok {
			return finalized, fmt.Errorf("malformed plan reference %q", finalized.ReferenceID)
		}
		plan, err := s.store.GetPlan(planID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return finalized, ErrPlanNotFound
			}
			return finalized, s.storageErr("load confirmed plan", err)
		}
		if _, err := s.activateSubscription(finalized.UserID, plan); err != nil {
			return finalized, err
		}
	}

	return finalized, nil
}

// RefundEntry credits back a completed debit as a new refund entry. The
// original entry stays untouched; grant revocation is intentionally not
// performed here.
func (s *Service) RefundEntry(ctx context.Context, originalRef, idempotencyKey string) (*models.LedgerEntry, error) {
	_ = ctx

	original, err := s.ledger.GetEntryByKey(originalRef)
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			return nil, err
		}
		return nil, s.storageErr("resolve refund original", err)
	}
	if original.Status != models.LedgerStatusCompleted || !original.IsDebit() {
		return nil, fmt.Errorf("entry %s is not a completed debit", originalRef)
	}

	entry, created, err := s.ledger.OpenEntry(original.UserID, models.LedgerKindRefund, -original.Amount, original.IdempotencyKey, idempotencyKey)
	if err != nil {
		return nil, s.storageErr("open refund entry", err)
	}
	if !created && entry.IsFinal() {
		return entry, nil
	}

	finalized, err := s.ledger.FinalizeEntry(entry.ID, models.LedgerStatusCompleted)
	if err != nil {
		return nil, s.storageErr("finalize refund entry", err)
	}
	return finalized, nil
}

// GetBalance returns the user's current balance.
func (s *Service) GetBalance(ctx context.Context, userID uint) (int64, error) {
	_ = ctx
	balance, err := s.ledger.GetBalance(userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return 0, err
		}
		return 0, s.storageErr("read balance", err)
	}
	return balance, nil
}

func (s *Service) getDocument(documentID uint) (*models.Document, error) {
	doc, err := s.catalog.GetByID(documentID)
	if err == nil {
		return doc, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	// One retry with backoff before giving up on storage.
	time.Sleep(storageRetryDelay)
	doc, err = s.catalog.GetByID(documentID)
	if err == nil {
		return doc, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	return nil, fmt.Errorf("%w: load document: %v", ErrServiceUnavailable, err)
}

func (s *Service) hasGrantRetried(userID, documentID uint) (bool, error) {
	ok, err := s.store.HasGrant(userID, documentID)
	if err == nil {
		return ok, nil
	}
	time.Sleep(storageRetryDelay)
	ok, err = s.store.HasGrant(userID, documentID)
	if err != nil {
		return false, fmt.Errorf("%w: check grant: %v", ErrServiceUnavailable, err)
	}
	return ok, nil
}

// ensureGrant creates the grant if missing and returns the stored row.
func (s *Service) ensureGrant(userID, documentID uint, via string) (*models.EntitlementGrant, error) {
	if err := s.store.CreateGrant(userID, documentID, via); err != nil {
		return nil, s.storageErr("create grant", err)
	}
	grant, err := s.store.GetGrant(userID, documentID)
	if err != nil {
		return nil, s.storageErr("load grant", err)
	}
	return grant, nil
}

// subscriptionDenial distinguishes an expired or cancelled subscription from
// plain missing authorization. Exhausted quota on a still-active subscription
// stays a not-authorized outcome.
func (s *Service) subscriptionDenial(userID uint) error {
	sub, err := s.store.LatestSubscription(userID)
	if err != nil {
		return s.storageErr("load latest subscription", err)
	}
	if sub != nil && (sub.Status != models.SubscriptionStatusActive || !time.Now().Before(sub.EndDate)) {
		return ErrSubscriptionExpired
	}
	return ErrDownloadNotAuthorized
}

func (s *Service) activateSubscription(userID uint, plan *models.SubscriptionPlan) (*models.Subscription, error) {
	existing, err := s.store.ActiveSubscription(userID)
	if err != nil {
		return nil, s.storageErr("load active subscription", err)
	}
	if existing != nil && existing.PlanID == plan.ID {
		// Retry after a crash between debit and activation.
		return existing, nil
	}

	now := time.Now()
	sub := &models.Subscription{
		UserID:             userID,
		PlanID:             plan.ID,
		StartDate:          now,
		EndDate:            now.AddDate(0, 0, plan.DurationDays),
		DownloadsRemaining: plan.DownloadQuota,
		Status:             models.SubscriptionStatusActive,
	}
	if err := s.store.CreateSubscription(sub); err != nil {
		return nil, s.storageErr("create subscription", err)
	}
	return sub, nil
}

// storageErr retries the classification once removed: domain outcomes pass
// through, everything else is surfaced as ServiceUnavailable so the HTTP
// layer maps it to 503 instead of swallowing it.
func (s *Service) storageErr(op string, err error) error {
	if isDomainErr(err) || isConflict(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrServiceUnavailable, op, err)
}

// withConflictRetry runs op and retries it exactly once if the storage layer
// reported a serialization failure.
func (s *Service) withConflictRetry(op func() error) error {
	err := op()
	if !isConflict(err) {
		return err
	}
	log.Warnf("[Entitlements] concurrency conflict, retrying once: %v", err)
	time.Sleep(conflictRetryDelay)
	if err = op(); err == nil {
		return nil
	}
	if isConflict(err) {
		return ErrConcurrencyConflict
	}
	return err
}

func grantViaFor(doc *models.Document, userID uint) string {
	if doc.IsOwnedBy(userID) {
		return models.GrantViaOwnership
	}
	return models.GrantViaPurchase
}

func parsePlanReference(ref string) (uint, bool) {
	raw, ok := strings.CutPrefix(ref, planReferencePrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
