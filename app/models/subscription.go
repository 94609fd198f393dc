package models

import "time"

// Subscription statuses. Transitions are one-way: active -> expired (time
// based) or active -> cancelled (user action), never backward.
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

// Subscription gives a user a per-period quota of free-tier document
// downloads. DownloadsRemaining is only ever decremented atomically together
// with a successful download authorization.
type Subscription struct {
	ID                 uint             `gorm:"primaryKey" json:"id"`
	UserID             uint             `gorm:"not null;index:idx_subscriptions_user_status,priority:1" json:"user_id"`
	PlanID             uint             `gorm:"not null;index" json:"plan_id"`
	Plan               SubscriptionPlan `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
	StartDate          time.Time        `gorm:"type:timestamp;not null" json:"start_date"`
	EndDate            time.Time        `gorm:"type:timestamp;not null;index" json:"end_date"`
	DownloadsRemaining int              `gorm:"type:int;not null;default:0" json:"downloads_remaining"`
	Status             string           `gorm:"type:varchar(20);not null;default:'active';index:idx_subscriptions_user_status,priority:2" json:"status"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsUsable reports whether the subscription can authorize downloads at t.
func (s *Subscription) IsUsable(t time.Time) bool {
	return s.Status == SubscriptionStatusActive && t.Before(s.EndDate) && s.DownloadsRemaining > 0
}
