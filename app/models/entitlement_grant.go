package models

import "time"

// How a grant came to exist.
const (
	GrantViaPurchase  = "purchase"
	GrantViaOwnership = "ownership"
)

// EntitlementGrant records that a user may access a document's file. The
// composite primary key makes inserts naturally idempotent: re-granting an
// existing (user, document) pair is a no-op, never a duplicate row.
//
// Grants are permanent once written. Subscription quota downloads do not
// create grants; each one is authorized on its own.
type EntitlementGrant struct {
	UserID     uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	DocumentID uint      `gorm:"primaryKey;autoIncrement:false" json:"document_id"`
	GrantedVia string    `gorm:"type:varchar(20);not null" json:"granted_via"`
	GrantedAt  time.Time `gorm:"autoCreateTime" json:"granted_at"`
}
