package controllers

import (
	"errors"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/docvaulthq/DocVault/app/repository"
	"github.com/docvaulthq/DocVault/internal/pkg/database"
	"github.com/docvaulthq/DocVault/internal/pkg/entitlements"
	"github.com/docvaulthq/DocVault/internal/pkg/ledger"
	metrics "github.com/docvaulthq/DocVault/internal/pkg/metrics/counter"
	"github.com/docvaulthq/DocVault/internal/pkg/payment"
	"github.com/docvaulthq/DocVault/internal/pkg/storage"
)

var (
	ledgerStore        ledger.Store
	entitlementStore   entitlements.Store
	entitlementService *entitlements.Service
	paymentGateway     *payment.Gateway
	serviceOnce        sync.Once

	storageClient *storage.Client
	storageOnce   sync.Once
)

// initServices wires the singleton service graph on first use.
func initServices() {
	serviceOnce.Do(func() {
		db := database.GetDB()
		ledgerStore = ledger.NewStore(db)
		entitlementStore = entitlements.NewStore(db)
		entitlementService = entitlements.NewService(
			ledgerStore,
			entitlementStore,
			repository.GetGlobalFactory().GetDocumentRepository(),
			metrics.AddDocumentDownload,
		)
		paymentGateway = payment.NewGatewayFromDB(db, entitlementService)
	})
}

// GetLedgerStore returns the shared ledger store
func GetLedgerStore() ledger.Store {
	initServices()
	return ledgerStore
}

// GetEntitlementStore returns the shared entitlement store
func GetEntitlementStore() entitlements.Store {
	initServices()
	return entitlementStore
}

// GetEntitlementService returns the shared entitlement service
func GetEntitlementService() *entitlements.Service {
	initServices()
	return entitlementService
}

// GetPaymentGateway returns the shared payment gateway
func GetPaymentGateway() *payment.Gateway {
	initServices()
	return paymentGateway
}

// GetStorageClient returns the S3 client, or nil if S3 storage is disabled.
func GetStorageClient() *storage.Client {
	storageOnce.Do(func() {
		cfg, err := storage.LoadConfig()
		if err != nil {
			log.Errorf("[Controllers] invalid S3 storage config: %v", err)
			return
		}
		if !cfg.IsEnabled() {
			return
		}
		client, err := storage.NewClient(cfg)
		if err != nil {
			log.Errorf("[Controllers] S3 storage unavailable: %v", err)
			return
		}
		storageClient = client
	})
	return storageClient
}

// jsonError writes a uniform error body
func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": message,
	})
}

// mapEntitlementError translates service outcomes into HTTP responses.
// Insufficient funds maps to 402 so clients can distinguish "top up and
// retry" from hard authorization failures.
func mapEntitlementError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, entitlements.ErrDocumentNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "Document not found")
	case errors.Is(err, entitlements.ErrPlanNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "Subscription plan not found")
	case errors.Is(err, entitlements.ErrInsufficientFunds):
		return jsonError(c, fiber.StatusPaymentRequired, "insufficient_funds", "Account balance is too low")
	case errors.Is(err, entitlements.ErrDownloadNotAuthorized):
		return jsonError(c, fiber.StatusForbidden, "not_authorized", "No entitlement or subscription quota for this document")
	case errors.Is(err, entitlements.ErrSubscriptionExpired):
		return jsonError(c, fiber.StatusForbidden, "subscription_expired", "Subscription has expired")
	case errors.Is(err, entitlements.ErrPurchaseFailed):
		return jsonError(c, fiber.StatusUnprocessableEntity, "purchase_failed", err.Error())
	case errors.Is(err, entitlements.ErrConcurrencyConflict):
		return jsonError(c, fiber.StatusConflict, "conflict", "Concurrent modification, please retry")
	case errors.Is(err, entitlements.ErrServiceUnavailable):
		return jsonError(c, fiber.StatusServiceUnavailable, "service_unavailable", "Storage temporarily unavailable, please retry")
	case errors.Is(err, ledger.ErrEntryNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "Transaction not found")
	case errors.Is(err, ledger.ErrAccountNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "Account not found")
	case errors.Is(err, gorm.ErrRecordNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "Record not found")
	default:
		log.Errorf("[Controllers] unexpected error: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Unexpected error")
	}
}

// parseUintParam parses a positive numeric route parameter.
func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Params(name)
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 {
		return 0, errors.New("invalid " + name)
	}
	return uint(v), nil
}

// parseAmount parses a money amount given in minor units.
func parseAmount(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

// parsePagination reads page/page_size query params with sane bounds.
func parsePagination(c *fiber.Ctx) (offset, limit int) {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit = c.QueryInt("page_size", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return (page - 1) * limit, limit
}
