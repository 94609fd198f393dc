package controllers

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/docvaulthq/DocVault/app/models"
	"github.com/docvaulthq/DocVault/app/repository"
	metrics "github.com/docvaulthq/DocVault/internal/pkg/metrics/counter"
	"github.com/docvaulthq/DocVault/internal/pkg/usercontext"
)

const downloadURLTTL = 15 * time.Minute

var allowedDocumentExtensions = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".epub": "application/epub+zip",
}

type purchaseRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// HandleListDocuments returns a paginated catalog listing. Optional ?q=
// filters by title or file name.
func HandleListDocuments(c *fiber.Ctx) error {
	docRepo := repository.GetGlobalFactory().GetDocumentRepository()

	if q := strings.TrimSpace(c.Query("q")); q != "" {
		docs, err := docRepo.Search(q)
		if err != nil {
			return mapEntitlementError(c, err)
		}
		return c.JSON(fiber.Map{"documents": docs, "total": len(docs)})
	}

	offset, limit := parsePagination(c)
	docs, err := docRepo.List(offset, limit)
	if err != nil {
		return mapEntitlementError(c, err)
	}
	total, err := docRepo.Count()
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{"documents": docs, "total": total})
}

// HandleGetDocument returns a single document's metadata and whether the
// current user may download it.
func HandleGetDocument(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	doc, err := repository.GetGlobalFactory().GetDocumentRepository().GetByID(id)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	userCtx := usercontext.GetUserContext(c)
	entitled := doc.IsOwnedBy(userCtx.UserID)
	if !entitled && userCtx.IsLoggedIn {
		entitled, err = GetEntitlementStore().HasGrant(userCtx.UserID, doc.ID)
		if err != nil {
			return mapEntitlementError(c, err)
		}
	}

	if err := metrics.AddDocumentView(doc.ID); err != nil {
		log.Warnf("[Documents] view counter for document %d failed: %v", doc.ID, err)
	}

	return c.JSON(fiber.Map{
		"document": doc,
		"entitled": entitled,
	})
}

// HandleGetDocumentByShareLink resolves a short share link to its document.
func HandleGetDocumentByShareLink(c *fiber.Ctx) error {
	shareLink := strings.TrimSpace(c.Params("sharelink"))
	if shareLink == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "share link is required")
	}

	doc, err := repository.GetGlobalFactory().GetDocumentRepository().GetByShareLink(shareLink)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	if err := metrics.AddDocumentView(doc.ID); err != nil {
		log.Warnf("[Documents] view counter for document %d failed: %v", doc.ID, err)
	}

	return c.JSON(fiber.Map{"document": doc})
}

// HandleUploadDocument accepts a multipart document upload, stores the file
// and creates the catalog row plus an ownership grant for the uploader.
func HandleUploadDocument(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "file is required")
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	contentType, ok := allowedDocumentExtensions[ext]
	if !ok {
		return jsonError(c, fiber.StatusUnsupportedMediaType, "unsupported_type", fmt.Sprintf("file type %s is not supported", ext))
	}

	title := strings.TrimSpace(c.FormValue("title"))
	if title == "" {
		title = strings.TrimSuffix(fileHeader.Filename, ext)
	}
	var price int64
	if raw := strings.TrimSpace(c.FormValue("price")); raw != "" {
		parsed, perr := parseAmount(raw)
		if perr != nil || parsed < 0 {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", "price must be a non-negative integer amount in minor units")
		}
		price = parsed
	}

	docUUID := uuid.New().String()
	now := time.Now()
	objectKey := fmt.Sprintf("documents/%04d/%02d/%s%s", now.Year(), int(now.Month()), docUUID, ext)

	if client := GetStorageClient(); client != nil {
		src, err := fileHeader.Open()
		if err != nil {
			return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to read upload")
		}
		defer src.Close()

		if _, err := client.UploadDocument(c.Context(), objectKey, src, fileHeader.Size, contentType); err != nil {
			log.Errorf("[Documents] upload to object storage failed: %v", err)
			return jsonError(c, fiber.StatusServiceUnavailable, "service_unavailable", "Object storage unavailable")
		}
	} else {
		localPath := filepath.Join("uploads", objectKey)
		if err := c.SaveFile(fileHeader, localPath); err != nil {
			log.Errorf("[Documents] local save failed: %v", err)
			return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to store file")
		}
	}

	doc := &models.Document{
		UUID:        docUUID,
		UserID:      userCtx.UserID,
		Title:       title,
		Description: strings.TrimSpace(c.FormValue("description")),
		Price:       price,
		FilePath:    objectKey,
		FileName:    fileHeader.Filename,
		FileSize:    fileHeader.Size,
		FileType:    contentType,
	}
	if err := repository.GetGlobalFactory().GetDocumentRepository().Create(doc); err != nil {
		return mapEntitlementError(c, err)
	}

	// The uploader always may download their own document.
	if err := GetEntitlementStore().CreateGrant(userCtx.UserID, doc.ID, models.GrantViaOwnership); err != nil {
		log.Warnf("[Documents] ownership grant for document %d failed: %v", doc.ID, err)
	}

	log.Infof("[Documents] user %d uploaded document %d (%s)", userCtx.UserID, doc.ID, doc.UUID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"document": doc})
}

// HandleDeleteDocument removes a document. Only the owner or an admin may
// delete; the stored object is removed best-effort.
func HandleDeleteDocument(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	docRepo := repository.GetGlobalFactory().GetDocumentRepository()
	doc, err := docRepo.GetByID(id)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	userCtx := usercontext.GetUserContext(c)
	if !doc.IsOwnedBy(userCtx.UserID) && !userCtx.IsAdmin {
		return jsonError(c, fiber.StatusForbidden, "forbidden", "Only the owner may delete this document")
	}

	if err := docRepo.Delete(doc.ID); err != nil {
		return mapEntitlementError(c, err)
	}

	if client := GetStorageClient(); client != nil {
		if err := client.DeleteDocument(c.Context(), doc.FilePath); err != nil {
			log.Warnf("[Documents] failed to delete object %s: %v", doc.FilePath, err)
		}
	}

	return c.JSON(fiber.Map{"status": "deleted"})
}

// HandlePurchaseDocument buys access to a premium document. The client must
// send an idempotency key so network retries cannot double-charge.
func HandlePurchaseDocument(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	var req purchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "idempotency_key is required")
	}

	userCtx := usercontext.GetUserContext(c)
	grant, err := GetEntitlementService().PurchaseDocument(c.Context(), userCtx.UserID, id, key)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{
		"document_id": grant.DocumentID,
		"granted_via": grant.GrantedVia,
		"granted_at":  grant.GrantedAt.UTC().Format(time.RFC3339),
	})
}

// HandleDownloadDocument authorizes a download and returns a short-lived URL
// for the file. Authorization and quota consumption happen in the service;
// the URL itself carries no further checks.
func HandleDownloadDocument(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	userCtx := usercontext.GetUserContext(c)
	doc, err := GetEntitlementService().DownloadDocument(c.Context(), userCtx.UserID, id)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	if client := GetStorageClient(); client != nil {
		url, err := client.PresignDownload(c.Context(), doc.FilePath, doc.FileName, downloadURLTTL)
		if err != nil {
			log.Errorf("[Documents] presign for document %d failed: %v", doc.ID, err)
			return jsonError(c, fiber.StatusServiceUnavailable, "service_unavailable", "Object storage unavailable")
		}
		return c.JSON(fiber.Map{
			"download_url": url,
			"expires_in":   int(downloadURLTTL.Seconds()),
			"file_name":    doc.FileName,
		})
	}

	return c.Download(filepath.Join("uploads", doc.FilePath), doc.FileName)
}

// HandleListMyDocuments returns the documents owned by the current user.
func HandleListMyDocuments(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	offset, limit := parsePagination(c)

	docRepo := repository.GetGlobalFactory().GetDocumentRepository()
	docs, err := docRepo.GetByUserID(userCtx.UserID, offset, limit)
	if err != nil {
		return mapEntitlementError(c, err)
	}
	total, err := docRepo.CountByUserID(userCtx.UserID)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{"documents": docs, "total": total})
}
