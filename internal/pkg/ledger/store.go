package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/docvaulthq/DocVault/app/models"
)

var (
	// ErrInsufficientFunds means finalizing the debit would have taken the
	// account balance below zero. The entry is persisted as failed.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrEntryNotFound means no ledger entry exists for the given reference.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrAccountNotFound means the user has no account row.
	ErrAccountNotFound = errors.New("account not found")
)

// Store provides DB operations for accounts and the append-only ledger.
//
// FinalizeEntry is the only place in the whole codebase that mutates a
// balance, and it does so inside a single transaction holding a row lock on
// the account. Entries transition pending -> completed|failed exactly once.
type Store interface {
	CreateAccount(userID uint) error
	GetBalance(userID uint) (int64, error)
	OpenEntry(userID uint, kind string, amount int64, referenceID, idempotencyKey string) (*models.LedgerEntry, bool, error)
	FinalizeEntry(entryID uint, outcome string) (*models.LedgerEntry, error)
	GetEntry(entryID uint) (*models.LedgerEntry, error)
	GetEntryByKey(idempotencyKey string) (*models.LedgerEntry, error)
	ListEntriesByUser(userID uint, offset, limit int) ([]models.LedgerEntry, error)
	ListEntries(offset, limit int) ([]models.LedgerEntry, error)
	SweepStalePending(olderThan time.Duration) (int64, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a ledger store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// CreateAccount inserts a zero-balance account for the user. Re-creating an
// existing account is a silent no-op.
func (s *gormStore) CreateAccount(userID uint) error {
	account := &models.Account{UserID: userID, Balance: 0}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(account).Error
}

func (s *gormStore) GetBalance(userID uint) (int64, error) {
	var account models.Account
	err := s.db.Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return account.Balance, nil
}

// OpenEntry creates a pending ledger entry. A reused idempotency key returns
// the previously stored entry instead of creating a duplicate, which makes
// client retries safe. The second return value reports whether a new entry
// was created.
func (s *gormStore) OpenEntry(userID uint, kind string, amount int64, referenceID, idempotencyKey string) (*models.LedgerEntry, bool, error) {
	if !models.ValidLedgerKind(kind) {
		return nil, false, fmt.Errorf("invalid ledger entry kind %q", kind)
	}
	if idempotencyKey == "" {
		return nil, false, errors.New("idempotency key is required")
	}

	entry := &models.LedgerEntry{
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		Status:         models.LedgerStatusPending,
		ReferenceID:    referenceID,
		IdempotencyKey: idempotencyKey,
	}
	tx := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(entry)
	if tx.Error != nil {
		return nil, false, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.LedgerEntry
	if err := s.db.Where("idempotency_key = ?", idempotencyKey).First(&stored).Error; err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

// FinalizeEntry settles a pending entry. For a completed outcome it locks the
// account row, verifies debits keep the balance non-negative and applies the
// amount; entry status and balance change commit atomically. Finalizing an
// already-finalized entry is a no-op that returns the stored entry, so
// redelivered confirmations cannot double-apply.
//
// An insufficient debit is persisted as a failed entry (audit trail) and
// reported as ErrInsufficientFunds after the transaction commits.
func (s *gormStore) FinalizeEntry(entryID uint, outcome string) (*models.LedgerEntry, error) {
	if outcome != models.LedgerStatusCompleted && outcome != models.LedgerStatusFailed {
		return nil, fmt.Errorf("invalid finalize outcome %q", outcome)
	}

	var result models.LedgerEntry
	var finalizeErr error

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var entry models.LedgerEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&entry, entryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound
			}
			return err
		}

		if entry.IsFinal() {
			result = entry
			return nil
		}

		now := time.Now()

		if outcome == models.LedgerStatusFailed {
			if err := s.markEntry(tx, &entry, models.LedgerStatusFailed, "confirmation failed", now); err != nil {
				return err
			}
			result = entry
			return nil
		}

		// Lock the account row for the balance check + mutation. Two
		// concurrent finalizations for the same user serialize here.
		var account models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", entry.UserID).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		if entry.IsDebit() && account.Balance+entry.Amount < 0 {
			// Commit the failed entry; returning an error here would roll
			// the status write back, so it is reported after the commit.
			if err := s.markEntry(tx, &entry, models.LedgerStatusFailed, "insufficient funds", now); err != nil {
				return err
			}
			result = entry
			finalizeErr = ErrInsufficientFunds
			return nil
		}

		if err := tx.Model(&models.Account{}).
			Where("user_id = ?", entry.UserID).
			Update("balance", gorm.Expr("balance + ?", entry.Amount)).Error; err != nil {
			return err
		}

		if err := s.markEntry(tx, &entry, models.LedgerStatusCompleted, "", now); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, finalizeErr
}

// markEntry writes the one-time status transition inside the caller's transaction.
func (s *gormStore) markEntry(tx *gorm.DB, entry *models.LedgerEntry, status, reason string, now time.Time) error {
	updates := map[string]interface{}{
		"status":         status,
		"failure_reason": reason,
		"finalized_at":   &now,
	}
	if err := tx.Model(&models.LedgerEntry{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
		return err
	}
	entry.Status = status
	entry.FailureReason = reason
	entry.FinalizedAt = &now
	return nil
}

func (s *gormStore) GetEntry(entryID uint) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.First(&entry, entryID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *gormStore) GetEntryByKey(idempotencyKey string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.Where("idempotency_key = ?", idempotencyKey).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *gormStore) ListEntriesByUser(userID uint, offset, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").Offset(offset).Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (s *gormStore) ListEntries(offset, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&entries).Error
	return entries, err
}

// SweepStalePending fails pending entries older than the cutoff. Entries that
// never received a confirmation (abandoned requests, dead gateways) would
// otherwise sit pending forever. The conditional UPDATE cannot race a
// concurrent FinalizeEntry into a double transition.
func (s *gormStore) SweepStalePending(olderThan time.Duration) (int64, error) {
	now := time.Now()
	cutoff := now.Add(-olderThan)
	res := s.db.Model(&models.LedgerEntry{}).
		Where("status = ? AND created_at < ?", models.LedgerStatusPending, cutoff).
		Updates(map[string]interface{}{
			"status":         models.LedgerStatusFailed,
			"failure_reason": "stale pending entry",
			"finalized_at":   &now,
		})
	return res.RowsAffected, res.Error
}
