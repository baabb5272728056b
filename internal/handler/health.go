package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Check reports whether one dependency is usable
type Check func(ctx context.Context) bool

// HealthHandler reports provider configuration and dependency health
type HealthHandler struct {
	providers map[string]bool
	checks    map[string]Check
}

func NewHealthHandler(providers map[string]bool, checks map[string]Check) *HealthHandler {
	return &HealthHandler{providers: providers, checks: checks}
}

// Health handles GET /health. It always answers 200; degraded
// dependencies are reported in the body.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := "ok"
	deps := fiber.Map{}
	for name, check := range h.checks {
		healthy := check(ctx)
		deps[name] = healthy
		if !healthy {
			status = "degraded"
		}
	}

	services := fiber.Map{}
	for name, configured := range h.providers {
		services[name] = configured
	}

	return c.JSON(fiber.Map{
		"status":       status,
		"services":     services,
		"dependencies": deps,
	})
}
