package models

import "time"

// Ledger entry kinds. Amounts are signed: deposits and refunds are credits
// (positive), purchases and subscriptions are debits (negative).
const (
	LedgerKindDeposit      = "deposit"
	LedgerKindPurchase     = "purchase"
	LedgerKindSubscription = "subscription"
	LedgerKindRefund       = "refund"
)

// Ledger entry statuses. An entry transitions at most once, from pending to
// completed or failed, and is immutable afterwards.
const (
	LedgerStatusPending   = "pending"
	LedgerStatusCompleted = "completed"
	LedgerStatusFailed    = "failed"
)

// LedgerEntry is an append-only record of a balance-affecting event. The sum
// of Amount over all completed entries of a user equals that user's balance.
type LedgerEntry struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserID         uint       `gorm:"not null;index" json:"user_id"`
	Kind           string     `gorm:"type:varchar(20);not null;index" json:"kind"`
	Amount         int64      `gorm:"type:bigint;not null" json:"amount"`
	Status         string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_ledger_entries_status_created,priority:1" json:"status"`
	ReferenceID    string     `gorm:"type:varchar(64);default:'';index" json:"reference_id"`
	IdempotencyKey string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"idempotency_key"`
	FailureReason  string     `gorm:"type:varchar(255);default:''" json:"failure_reason,omitempty"`
	FinalizedAt    *time.Time `gorm:"type:timestamp;default:null" json:"finalized_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index:idx_ledger_entries_status_created,priority:2" json:"created_at"`
}

// IsFinal reports whether the entry has already been finalized.
func (e *LedgerEntry) IsFinal() bool {
	return e.Status != LedgerStatusPending
}

// IsDebit reports whether the entry takes money out of the account.
func (e *LedgerEntry) IsDebit() bool {
	return e.Amount < 0
}

// ValidLedgerKind reports whether kind is one of the known entry kinds.
func ValidLedgerKind(kind string) bool {
	switch kind {
	case LedgerKindDeposit, LedgerKindPurchase, LedgerKindSubscription, LedgerKindRefund:
		return true
	default:
		return false
	}
}
