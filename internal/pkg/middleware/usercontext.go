package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/docvaulthq/DocVault/internal/pkg/session"
	"github.com/docvaulthq/DocVault/internal/pkg/usercontext"
)

// UserContextMiddleware resolves the session into a UserContext for every
// request. This centralizes identity handling; downstream handlers and
// services trust the context without re-verification.
func UserContextMiddleware(c *fiber.Ctx) error {
	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		// On error: treat as anonymous user
		usercontext.SetUserContext(c, usercontext.UserContext{
			IsLoggedIn: false,
			IsAdmin:    false,
		})
		return c.Next()
	}

	userID := sess.Get(usercontext.KeyUserID)
	if userID == nil {
		// Anonymous user - no session data
		usercontext.SetUserContext(c, usercontext.UserContext{
			IsLoggedIn: false,
			IsAdmin:    false,
		})
		return c.Next()
	}

	username := session.GetSessionValue(c, usercontext.KeyUsername)
	isAdmin := sess.Get(usercontext.KeyIsAdmin)

	usercontext.SetUserContext(c, usercontext.UserContext{
		UserID:     userID.(uint),
		Username:   username,
		IsLoggedIn: true,
		IsAdmin:    isAdmin != nil && isAdmin.(bool),
	})

	return c.Next()
}
