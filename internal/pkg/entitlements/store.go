package entitlements

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/docvaulthq/DocVault/app/models"
)

// Store provides DB operations for grants and subscriptions.
type Store interface {
	HasGrant(userID, documentID uint) (bool, error)
	GetGrant(userID, documentID uint) (*models.EntitlementGrant, error)
	CreateGrant(userID, documentID uint, via string) error
	ActiveSubscription(userID uint) (*models.Subscription, error)
	LatestSubscription(userID uint) (*models.Subscription, error)
	CreateSubscription(sub *models.Subscription) error
	CancelSubscription(userID uint) error
	ConsumeSubscriptionDownload(userID uint) (bool, int, error)
	GetPlan(planID uint) (*models.SubscriptionPlan, error)
	ListActivePlans() ([]models.SubscriptionPlan, error)
	ExpireDueSubscriptions(now time.Time) (int64, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates an entitlement store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// HasGrant reports whether the user holds a grant for the document. Grants
// are permanent once written.
func (s *gormStore) HasGrant(userID, documentID uint) (bool, error) {
	_, err := s.GetGrant(userID, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *gormStore) GetGrant(userID, documentID uint) (*models.EntitlementGrant, error) {
	var grant models.EntitlementGrant
	err := s.db.Where("user_id = ? AND document_id = ?", userID, documentID).First(&grant).Error
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// CreateGrant inserts a grant idempotently: re-inserting an existing
// (user, document) pair is a silent success, never an error and never a
// duplicate row. Safe under concurrent duplicate creation without locking.
func (s *gormStore) CreateGrant(userID, documentID uint, via string) error {
	grant := &models.EntitlementGrant{
		UserID:     userID,
		DocumentID: documentID,
		GrantedVia: via,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "document_id"}},
		DoNothing: true,
	}).Create(grant).Error
}

func (s *gormStore) ActiveSubscription(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.Where("user_id = ? AND status = ? AND end_date > ?",
		userID, models.SubscriptionStatusActive, time.Now()).
		Order("end_date DESC").First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// LatestSubscription returns the user's most recent subscription regardless
// of status, or nil if they never had one.
func (s *gormStore) LatestSubscription(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.Where("user_id = ?", userID).
		Order("end_date DESC").First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (s *gormStore) CreateSubscription(sub *models.Subscription) error {
	return s.db.Create(sub).Error
}

// CancelSubscription marks the user's active subscriptions cancelled. The
// transition is one-way; already expired or cancelled rows are untouched.
func (s *gormStore) CancelSubscription(userID uint) error {
	return s.db.Model(&models.Subscription{}).
		Where("user_id = ? AND status = ?", userID, models.SubscriptionStatusActive).
		Update("status", models.SubscriptionStatusCancelled).Error
}

// ConsumeSubscriptionDownload decrements the download quota of the user's
// newest usable subscription. The conditional UPDATE keyed to that row's ID is
// the atomicity boundary: under concurrent downloads at most
// DownloadsRemaining consumes can succeed, and a user holding several active
// subscriptions loses exactly one quota unit per download.
func (s *gormStore) ConsumeSubscriptionDownload(userID uint) (bool, int, error) {
	var sub models.Subscription
	err := s.db.Where("user_id = ? AND status = ? AND end_date > ? AND downloads_remaining > 0",
		userID, models.SubscriptionStatusActive, time.Now()).
		Order("end_date DESC").First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, 0, nil
		}
		return false, 0, err
	}

	res := s.db.Model(&models.Subscription{}).
		Where("id = ? AND status = ? AND end_date > ? AND downloads_remaining > 0",
			sub.ID, models.SubscriptionStatusActive, time.Now()).
		Update("downloads_remaining", gorm.Expr("downloads_remaining - 1"))
	if res.Error != nil {
		return false, 0, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race on this row to a concurrent consume.
		return false, 0, nil
	}

	var after models.Subscription
	if err := s.db.First(&after, sub.ID).Error; err != nil {
		// Quota was consumed; remaining count is informational only.
		return true, 0, nil
	}
	return true, after.DownloadsRemaining, nil
}

func (s *gormStore) GetPlan(planID uint) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	err := s.db.Where("id = ? AND is_active = ?", planID, true).First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *gormStore) ListActivePlans() ([]models.SubscriptionPlan, error) {
	var plans []models.SubscriptionPlan
	err := s.db.Where("is_active = ?", true).Order("price ASC").Find(&plans).Error
	return plans, err
}

// ExpireDueSubscriptions flips active subscriptions whose window has closed
// to expired. Run periodically by the reconciler.
func (s *gormStore) ExpireDueSubscriptions(now time.Time) (int64, error) {
	res := s.db.Model(&models.Subscription{}).
		Where("status = ? AND end_date <= ?", models.SubscriptionStatusActive, now).
		Update("status", models.SubscriptionStatusExpired)
	return res.RowsAffected, res.Error
}
