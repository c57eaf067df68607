package router

import (
	"courier-service/controller"
	"courier-service/middleware"

	"github.com/casbin/casbin/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RestOptions struct {
	JWTAccessKey string
	Enforcer     *casbin.Enforcer
	Metrics      prometheus.Gatherer
}

func Rest(app *fiber.App, h *controller.Controller, opts RestOptions) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "success", "message": nil, "data": "ok"})
	})
	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{})))
	}

	api := app.Group("/v1", logger.New())

	// Realtime
	realtime := api.Group("/realtime", middleware.JWT(opts.JWTAccessKey), middleware.OTP())
	realtime.Get("/token", h.RealtimeToken)

	// Conversations
	conversations := api.Group("/conversations", middleware.JWT(opts.JWTAccessKey), middleware.OTP())
	conversations.Get("", h.ListConversations)
	conversations.Delete("", h.DeleteConversation)
	conversations.Get("/messages", h.ListMessages)
	conversations.Post("/messages", h.SendMessage)
	conversations.Post("/read", h.MarkConversationRead)

	// Messages
	messages := api.Group("/messages", middleware.JWT(opts.JWTAccessKey), middleware.OTP())
	messages.Post("/:id/reactions", h.AddReaction)
	messages.Delete("/:id/reactions/:emoji", h.RemoveReaction)

	// Notifications
	notifications := api.Group("/notifications", middleware.JWT(opts.JWTAccessKey), middleware.OTP())
	notifications.Get("", h.ListNotifications)
	notifications.Post("/read", h.MarkAllNotificationsRead)
	notifications.Post("/:id/read", h.MarkNotificationRead)
	notifications.Delete("/:id", h.DeleteNotification)

	// Admin
	if opts.Enforcer != nil {
		admin := api.Group("/admin", middleware.JWT(opts.JWTAccessKey), middleware.OTP(), middleware.RBAC(opts.Enforcer))
		admin.Delete("/users/:id/notifications", h.AdminDeleteUserNotifications)
	}
}
