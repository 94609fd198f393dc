package repository

import (
	"gorm.io/gorm"

	"github.com/docvaulthq/DocVault/app/models"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByActivationToken(token string) (*models.User, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
	Search(query string) ([]models.User, error)
}

// DocumentRepository defines the interface for document-related database operations
type DocumentRepository interface {
	Create(document *models.Document) error
	GetByID(id uint) (*models.Document, error)
	GetByUUID(uuid string) (*models.Document, error)
	GetByShareLink(shareLink string) (*models.Document, error)
	GetByUserID(userID uint, offset, limit int) ([]models.Document, error)
	Update(document *models.Document) error
	Delete(id uint) error
	List(offset, limit int) ([]models.Document, error)
	Count() (int64, error)
	CountByUserID(userID uint) (int64, error)
	Search(query string) ([]models.Document, error)
	GetRecentDocuments(limit int) ([]models.Document, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User     UserRepository
	Document DocumentRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:     NewUserRepository(db),
		Document: NewDocumentRepository(db),
	}
}
