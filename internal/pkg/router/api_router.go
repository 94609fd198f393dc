package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/docvaulthq/DocVault/app/controllers"
	"github.com/docvaulthq/DocVault/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	// Auth
	auth := v1.Group("/auth")
	auth.Post("/register", controllers.HandleApiRegister)
	auth.Post("/login", controllers.HandleApiLogin)
	auth.Post("/logout", middleware.RequireAuth, controllers.HandleApiLogout)
	auth.Get("/me", middleware.RequireAuth, controllers.HandleApiMe)

	// Catalog (public reads)
	v1.Get("/documents", controllers.HandleListDocuments)
	v1.Get("/documents/:id<int>", controllers.HandleGetDocument)
	v1.Get("/d/:sharelink", controllers.HandleGetDocumentByShareLink)

	// Documents (authenticated)
	v1.Post("/documents", middleware.RequireAuth, controllers.HandleUploadDocument)
	v1.Get("/my/documents", middleware.RequireAuth, controllers.HandleListMyDocuments)
	v1.Delete("/documents/:id<int>", middleware.RequireAuth, controllers.HandleDeleteDocument)
	v1.Post("/documents/:id<int>/purchase", middleware.RequireAuth, controllers.HandlePurchaseDocument)
	v1.Get("/documents/:id<int>/download", middleware.RequireAuth, controllers.HandleDownloadDocument)

	// Wallet / ledger
	v1.Get("/balance", middleware.RequireAuth, controllers.HandleGetBalance)
	v1.Get("/transactions", middleware.RequireAuth, controllers.HandleListTransactions)
	v1.Post("/deposits", middleware.RequireAuth, controllers.HandleDeposit)
	v1.Post("/deposits/bank-transfer", middleware.RequireAuth, controllers.HandleBankTransferDeposit)

	// Subscriptions
	v1.Get("/plans", controllers.HandleListPlans)
	v1.Post("/subscriptions", middleware.RequireAuth, controllers.HandleSubscribe)
	v1.Get("/subscriptions/me", middleware.RequireAuth, controllers.HandleGetSubscription)
	v1.Delete("/subscriptions/me", middleware.RequireAuth, controllers.HandleCancelSubscription)

	// Payment gateway callbacks (HMAC-signed, no session)
	v1.Post("/webhooks/payment", controllers.HandlePaymentWebhook)

	// Admin
	admin := v1.Group("/admin", middleware.RequireAdmin)
	admin.Get("/users", controllers.HandleAdminListUsers)
	admin.Patch("/users/:id<int>", controllers.HandleAdminUpdateUser)
	admin.Get("/transactions", controllers.HandleAdminListTransactions)
	admin.Post("/transactions/:ref/confirm", controllers.HandleAdminConfirmTransaction)
	admin.Post("/transactions/:ref/refund", controllers.HandleAdminRefundTransaction)
	admin.Get("/webhook-events", controllers.HandleAdminListWebhookEvents)
	admin.Post("/reconcile", controllers.HandleAdminRunReconcile)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
