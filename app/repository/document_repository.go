package repository

import (
	"strings"

	"gorm.io/gorm"

	"github.com/docvaulthq/DocVault/app/models"
)

// documentRepository implements the DocumentRepository interface
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository instance
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create creates a new document in the database
func (r *documentRepository) Create(document *models.Document) error {
	return r.db.Create(document).Error
}

// GetByID retrieves a document by its ID
func (r *documentRepository) GetByID(id uint) (*models.Document, error) {
	var document models.Document
	err := r.db.First(&document, id).Error
	if err != nil {
		return nil, err
	}
	return &document, nil
}

// GetByUUID retrieves a document by its UUID
func (r *documentRepository) GetByUUID(uuid string) (*models.Document, error) {
	var document models.Document
	err := r.db.Where("uuid = ?", uuid).First(&document).Error
	if err != nil {
		return nil, err
	}
	return &document, nil
}

// GetByShareLink retrieves a document by its share link
func (r *documentRepository) GetByShareLink(shareLink string) (*models.Document, error) {
	var document models.Document
	err := r.db.Where("share_link = ?", shareLink).First(&document).Error
	if err != nil {
		return nil, err
	}
	return &document, nil
}

// GetByUserID retrieves a paginated list of documents owned by a user
func (r *documentRepository) GetByUserID(userID uint, offset, limit int) ([]models.Document, error) {
	var documents []models.Document
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").Offset(offset).Limit(limit).
		Find(&documents).Error
	return documents, err
}

// Update updates an existing document in the database
func (r *documentRepository) Update(document *models.Document) error {
	return r.db.Save(document).Error
}

// Delete soft deletes a document by its ID
func (r *documentRepository) Delete(id uint) error {
	return r.db.Delete(&models.Document{}, id).Error
}

// List retrieves a paginated list of documents
func (r *documentRepository) List(offset, limit int) ([]models.Document, error) {
	var documents []models.Document
	err := r.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&documents).Error
	return documents, err
}

// Count returns the total number of documents
func (r *documentRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Document{}).Count(&count).Error
	return count, err
}

// CountByUserID returns the number of documents owned by a user
func (r *documentRepository) CountByUserID(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Document{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// Search searches for documents by title or file name
func (r *documentRepository) Search(query string) ([]models.Document, error) {
	var documents []models.Document
	searchPattern := "%" + strings.TrimSpace(query) + "%"
	err := r.db.Where("title LIKE ? OR file_name LIKE ?", searchPattern, searchPattern).Find(&documents).Error
	return documents, err
}

// GetRecentDocuments retrieves the most recently uploaded documents
func (r *documentRepository) GetRecentDocuments(limit int) ([]models.Document, error) {
	var documents []models.Document
	err := r.db.Order("created_at DESC").Limit(limit).Find(&documents).Error
	return documents, err
}
