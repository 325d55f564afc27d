package routes

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pixel-relay-backend/controllers"
	"pixel-relay-backend/middlewares"
)

// Register wires all HTTP routes.
func Register(app *fiber.App, webhooks *controllers.WebhookController, ops *controllers.OpsController) {
	// Webhook intake: authenticated by HMAC inside the handler, not JWT.
	app.Post("/webhooks/orders/paid", webhooks.OrdersPaid)

	// Prometheus scrape endpoint
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Operator endpoints (JWT auth)
	opsGroup := app.Group("/ops")
	opsGroup.Use(middlewares.RequireOperator())
	opsGroup.Get("/jobs/summary", ops.JobSummary)
	opsGroup.Get("/jobs/dead", ops.DeadLetters)
	opsGroup.Post("/jobs/:id/requeue", ops.Requeue)
	opsGroup.Post("/pipeline/run", ops.RunPass)
}
