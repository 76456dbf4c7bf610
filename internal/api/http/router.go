package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-chat/internal/api/http/handlers"
	"github.com/spec-kit/ticket-chat/internal/auth"
	"github.com/spec-kit/ticket-chat/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Metrics        *handlers.MetricsHandler
	Messages       *handlers.MessagesHandler
	Attachments    *handlers.AttachmentsHandler
	Realtime       *handlers.RealtimeHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	protected := app.Group("", cfg.AuthMiddleware.Handle, auth.RequireRole())

	tickets := protected.Group("/tickets/:id")
	tickets.Post("/messages", cfg.Messages.PostMessage)
	tickets.Get("/messages", cfg.Messages.ListMessages)
	tickets.Post("/attachments", cfg.Attachments.Upload)
	tickets.Get("/attachments", cfg.Attachments.List)

	protected.Get("/ws", cfg.Realtime.Upgrade, cfg.Realtime.Serve())

	if cfg.Metrics != nil {
		protected.Get("/metrics", auth.RequireRole(domain.ActorRoleAgent), cfg.Metrics.Get)
	}
}
