package entitlements

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/docvaulthq/DocVault/internal/pkg/ledger"
)

var (
	// ErrDocumentNotFound means the requested document does not exist (or was deleted).
	ErrDocumentNotFound = errors.New("document not found")
	// ErrPlanNotFound means the requested subscription plan does not exist or is inactive.
	ErrPlanNotFound = errors.New("subscription plan not found")
	// ErrDownloadNotAuthorized means the user has neither a grant nor usable
	// subscription quota for the document.
	ErrDownloadNotAuthorized = errors.New("download not authorized")
	// ErrSubscriptionExpired means the user's subscription window has closed
	// (or was cancelled) and can no longer authorize downloads.
	ErrSubscriptionExpired = errors.New("subscription expired")
	// ErrPurchaseFailed means a prior attempt with the same idempotency key
	// already failed permanently; retrying with the same key returns the same
	// outcome by design.
	ErrPurchaseFailed = errors.New("purchase previously failed")
	// ErrConcurrencyConflict means the transactional retry was exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrServiceUnavailable means storage stayed unreachable after a retry.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInsufficientFunds is re-exported so HTTP adapters only need this package.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

// domainErrs are outcomes, not infrastructure failures; they pass through the
// storage retry untouched.
var domainErrs = []error{
	ErrDocumentNotFound,
	ErrPlanNotFound,
	ErrDownloadNotAuthorized,
	ErrSubscriptionExpired,
	ErrPurchaseFailed,
	ErrInsufficientFunds,
	ledger.ErrEntryNotFound,
	ledger.ErrAccountNotFound,
	gorm.ErrRecordNotFound,
}

func isDomainErr(err error) bool {
	for _, d := range domainErrs {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// isConflict detects MySQL serialization failures (deadlock, lock wait
// timeout) that are safe to retry as a whole operation.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Deadlock found") ||
		strings.Contains(msg, "Lock wait timeout")
}
