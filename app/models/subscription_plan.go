package models

import "time"

// SubscriptionPlan defines a purchasable subscription tier: its price, how
// long a period runs and how many free-tier downloads it includes.
type SubscriptionPlan struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"name" validate:"required,max=100"`
	Price         int64     `gorm:"type:bigint;not null" json:"price" validate:"gte=0"`
	DurationDays  int       `gorm:"type:int;not null" json:"duration_days" validate:"gt=0"`
	DownloadQuota int       `gorm:"type:int;not null" json:"download_quota" validate:"gte=0"`
	IsActive      bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
