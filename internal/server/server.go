// Package server assembles the fiber application and the collaborators
// shared by the HTTP server, the worker and the developer CLI.
package server

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/handler"
	"github.com/researchdesk/api/internal/middleware"
	"github.com/researchdesk/api/internal/service"
	ws "github.com/researchdesk/api/internal/websocket"
	"github.com/researchdesk/api/pkg/response"
)

// Deps are the collaborators the HTTP surface needs
type Deps struct {
	Service   *service.ResearchService
	Hub       *ws.Hub
	Validator *validator.Validate
	Health    *handler.HealthHandler
	Logger    *zap.Logger

	// Auth guards the research and job routes. Nil means identity headers only.
	Auth fiber.Handler

	// RateLimiter is optional; ResearchPerHour applies to POST /research
	RateLimiter     *middleware.RateLimiter
	ResearchPerHour int
}

// NewApp builds the fiber app with every route registered
func NewApp(d Deps) *fiber.App {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Validator == nil {
		d.Validator = validator.New()
	}
	if d.Auth == nil {
		d.Auth = middleware.Identity()
	}
	if d.Health == nil {
		d.Health = handler.NewHealthHandler(nil, nil)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(d.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", d.Health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	researchHandler := handler.NewResearchHandler(d.Service, d.Validator, d.Logger)
	progressHandler := handler.NewProgressHandler(d.Service, d.Hub, d.Logger)

	// Research routes
	startChain := []fiber.Handler{d.Auth}
	if d.RateLimiter != nil {
		startChain = append(startChain, d.RateLimiter.ResearchLimit(d.ResearchPerHour))
	}
	startChain = append(startChain, researchHandler.Start)
	app.Post("/research", startChain...)
	app.Get("/job/:jobId", d.Auth, researchHandler.Job)
	app.Get("/job/:jobId/report", d.Auth, researchHandler.Report)

	// WebSocket routes
	app.Use("/ws", progressHandler.Upgrade)
	app.Get("/ws/jobs/:jobId", progressHandler.Stream())

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusUnauthorized:
		errCode = response.CodeUnauthorized
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    errCode,
			"message": message,
		},
	})
}
