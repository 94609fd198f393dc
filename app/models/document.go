package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/docvaulthq/DocVault/internal/pkg/shortener"
)

type Document struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UUID          string         `gorm:"type:char(36) CHARACTER SET utf8 COLLATE utf8_bin;uniqueIndex;not null" json:"uuid"`
	UserID        uint           `gorm:"index" json:"user_id"`
	User          User           `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Title         string         `gorm:"type:varchar(255)" json:"title" validate:"required,max=255"`
	Description   string         `gorm:"type:text" json:"description"`
	Price         int64          `gorm:"type:bigint;not null;default:0" json:"price" validate:"gte=0"`
	IsPremium     bool           `gorm:"default:false" json:"is_premium"`
	FilePath      string         `gorm:"type:varchar(255);not null" json:"-"`
	FileName      string         `gorm:"type:varchar(255);not null" json:"file_name"`
	FileSize      int64          `gorm:"type:bigint" json:"file_size"`
	FileType      string         `gorm:"type:varchar(50)" json:"file_type"`
	PageCount     int            `gorm:"type:int;default:0" json:"page_count"`
	ShareLink     string         `gorm:"type:varchar(255) CHARACTER SET utf8 COLLATE utf8_bin;uniqueIndex" json:"share_link"`
	IsPublic      bool           `gorm:"default:true" json:"is_public"`
	ViewCount     int            `gorm:"default:0" json:"view_count"`
	DownloadCount int            `gorm:"default:0" json:"download_count"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate fills in the UUID and normalizes the premium flag so that
// is_premium always mirrors price > 0.
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.UUID == "" {
		d.UUID = uuid.New().String()
	}
	d.IsPremium = d.Price > 0

	if d.ShareLink == "" {
		// A real link needs the row ID; AfterCreate fills it in.
		d.ShareLink = "temp"
	}

	return nil
}

// AfterCreate generates the share link once the row ID exists.
func (d *Document) AfterCreate(tx *gorm.DB) error {
	if d.ShareLink == "temp" {
		d.ShareLink = shortener.EncodeID(d.ID)
		return tx.Model(d).Update("share_link", d.ShareLink).Error
	}

	return nil
}

// BeforeSave keeps the premium flag consistent on updates as well.
func (d *Document) BeforeSave(tx *gorm.DB) error {
	d.IsPremium = d.Price > 0
	return nil
}

// IsFree reports whether the document can be obtained without a purchase.
func (d *Document) IsFree() bool {
	return d.Price == 0
}

// IsOwnedBy reports whether the given user uploaded this document.
func (d *Document) IsOwnedBy(userID uint) bool {
	return d.UserID == userID
}
