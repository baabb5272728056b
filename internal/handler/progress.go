package handler

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/model"
	"github.com/researchdesk/api/internal/service"
	ws "github.com/researchdesk/api/internal/websocket"
)

// ProgressHandler serves the per-job websocket progress channel
type ProgressHandler struct {
	service *service.ResearchService
	hub     *ws.Hub
	logger  *zap.Logger
}

func NewProgressHandler(svc *service.ResearchService, hub *ws.Hub, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{service: svc, hub: hub, logger: logger}
}

// Upgrade rejects plain HTTP requests on websocket routes
func (h *ProgressHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream handles GET /ws/jobs/:jobId. Unknown jobs still get a stream;
// the first message is the current job status when one exists.
func (h *ProgressHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		h.hub.HandleConnection(c, jobID, func() *model.WSStatusMessage {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			initial, err := h.service.CurrentStatus(ctx, jobID)
			if err != nil {
				h.logger.Debug("No status snapshot for observer", zap.String("job_id", jobID), zap.Error(err))
				return nil
			}
			return initial
		})
	})
}
