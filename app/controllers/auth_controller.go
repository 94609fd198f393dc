package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/docvaulthq/DocVault/app/models"
	"github.com/docvaulthq/DocVault/app/repository"
	"github.com/docvaulthq/DocVault/internal/pkg/session"
	"github.com/docvaulthq/DocVault/internal/pkg/usercontext"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleApiRegister creates a new user account together with its zero-balance
// ledger account.
func HandleApiRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	user, err := models.CreateUser(strings.TrimSpace(req.Name), req.Email, req.Password)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
	}
	// No activation mail flow on the API; accounts are usable immediately.
	user.Status = models.STATUS_ACTIVE

	userRepo := repository.GetGlobalFactory().GetUserRepository()
	if _, err := userRepo.GetByEmail(req.Email); err == nil {
		return jsonError(c, fiber.StatusConflict, "email_taken", "Email address is already registered")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return mapEntitlementError(c, err)
	}

	if err := userRepo.Create(user); err != nil {
		return mapEntitlementError(c, err)
	}

	if err := GetLedgerStore().CreateAccount(user.ID); err != nil {
		// The user row exists; the account can still be created on first use,
		// but this should never happen.
		log.Errorf("[Auth] failed to create ledger account for user %d: %v", user.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to initialize account")
	}

	log.Infof("[Auth] registered user %d (%s)", user.ID, user.Email)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":    user.ID,
		"name":  user.Name,
		"email": user.Email,
	})
}

// HandleApiLogin verifies credentials and establishes a session.
func HandleApiLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}

	userRepo := repository.GetGlobalFactory().GetUserRepository()
	user, err := userRepo.GetByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusUnauthorized, "invalid_credentials", "Email or password is wrong")
		}
		return mapEntitlementError(c, err)
	}

	if !user.CheckPassword(req.Password) {
		return jsonError(c, fiber.StatusUnauthorized, "invalid_credentials", "Email or password is wrong")
	}
	if !user.IsActive() {
		return jsonError(c, fiber.StatusForbidden, "account_disabled", "Account is not active")
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Session unavailable")
	}
	sess.Set(usercontext.KeyUserID, user.ID)
	sess.Set(usercontext.KeyUsername, user.Name)
	sess.Set(usercontext.KeyIsAdmin, user.IsAdmin())
	if err := sess.Save(); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to save session")
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := userRepo.Update(user); err != nil {
		log.Warnf("[Auth] failed to store last login for user %d: %v", user.ID, err)
	}

	return c.JSON(fiber.Map{
		"id":       user.ID,
		"name":     user.Name,
		"email":    user.Email,
		"is_admin": user.IsAdmin(),
	})
}

// HandleApiLogout destroys the current session.
func HandleApiLogout(c *fiber.Ctx) error {
	if err := session.DestroySession(c); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to destroy session")
	}
	return c.JSON(fiber.Map{"status": "logged_out"})
}

// HandleApiMe returns the authenticated user's profile and balance.
func HandleApiMe(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	userRepo := repository.GetGlobalFactory().GetUserRepository()
	user, err := userRepo.GetByID(userCtx.UserID)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	balance, err := GetEntitlementService().GetBalance(c.Context(), user.ID)
	if err != nil {
		return mapEntitlementError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":         user.ID,
		"name":       user.Name,
		"email":      user.Email,
		"is_admin":   user.IsAdmin(),
		"balance":    balance,
		"created_at": user.CreatedAt.UTC().Format(time.RFC3339),
	})
}
