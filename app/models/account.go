package models

import "time"

// Account holds a user's current balance in minor currency units.
// The balance is only ever mutated inside ledger.Store.FinalizeEntry, which
// locks this row for the duration of the transaction. Everything else treats
// it as read-only.
type Account struct {
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Balance   int64     `gorm:"type:bigint;not null;default:0" json:"balance"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
