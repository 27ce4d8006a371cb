package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-gateway/internal/api/http/handlers"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health  *handlers.HealthHandler
	Token   *handlers.TokenHandler
	Calls   *handlers.CallsHandler
	Metrics *handlers.MetricsHandler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", cfg.Metrics.Snapshot)

	app.Get("/get-token", cfg.Token.GetToken)
	app.Post("/make-call", cfg.Calls.MakeCall)
}
