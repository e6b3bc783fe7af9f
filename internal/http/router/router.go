package router

import (
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"

	"github.com/ignatzorin/expert-marketplace/internal/config"
	"github.com/ignatzorin/expert-marketplace/internal/http/handlers"
	"github.com/ignatzorin/expert-marketplace/internal/http/middleware"
)

// Handlers набор обработчиков, которые монтирует SetupRouter.
type Handlers struct {
	Projects      *handlers.ProjectHandler
	Payments      *handlers.PaymentHandler
	Payouts       *handlers.PayoutHandler
	Connect       *handlers.ConnectHandler
	Webhook       *handlers.WebhookHandler
	Notifications *handlers.NotificationHandler
	WS            *handlers.WSHandler
	Health        *handlers.HealthHandler
}

func SetupRouter(
	cfg *config.Config,
	h Handlers,
	tokens middleware.AccessTokenParser,
	limiterStore limiter.Store,
) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", h.Health.Health)

	api := r.Group("/api")
	api.GET("/health", h.Health.Health)
	api.GET("/ws", h.WS.Handle)

	// вебхук проверяется подписью, bearer токена у процессора нет
	api.POST("/payments/webhook", h.Webhook.Handle)

	limited := middleware.RateLimitMiddleware(limiterStore, cfg.RateLimitLimit, cfg.RateLimitPeriod)
	validateID := middleware.UUIDValidator("id")

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(tokens))

	payments := protected.Group("/payments")
	{
		payments.POST("/checkout", limited, h.Payments.Checkout)
		payments.POST("", limited, h.Payments.Create)
		payments.GET("", h.Payments.History)
		payments.GET("/balance", h.Payments.Balance)

		payments.POST("/connect/create", limited, h.Connect.Create)
		payments.POST("/connect/refresh", limited, h.Connect.Refresh)
		payments.GET("/connect/status", h.Connect.Status)

		payments.POST("/payouts", limited, h.Payouts.PayoutNow)
		payments.GET("/payouts", h.Payouts.ListPayouts)

		payments.GET("/invoices", h.Payouts.ListInvoices)
		payments.GET("/invoices/:id", validateID, h.Payouts.GetInvoice)

		payments.GET("/:id", validateID, h.Payments.Get)
	}

	projects := protected.Group("/projects")
	{
		projects.POST("", h.Projects.Create)
		projects.GET("", h.Projects.List)
		projects.GET("/:id", validateID, h.Projects.Get)
		projects.POST("/:id/accept", validateID, h.Projects.Accept)
		projects.POST("/:id/start", validateID, h.Projects.Start)
		projects.POST("/:id/deliver", validateID, h.Projects.Deliver)
		projects.POST("/:id/revision", validateID, h.Projects.RequestRevision)
		projects.POST("/:id/complete", validateID, h.Projects.Complete)
		projects.POST("/:id/cancel", validateID, h.Projects.Cancel)
		projects.POST("/:id/dispute", validateID, h.Projects.Dispute)
		projects.PUT("/:id/status", validateID, h.Projects.UpdateStatus)
	}

	notifications := protected.Group("/notifications")
	{
		notifications.GET("", h.Notifications.ListNotifications)
		notifications.PUT("/:id/read", validateID, h.Notifications.MarkAsRead)
	}

	return r
}
