package handler

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/jobstore"
	"github.com/researchdesk/api/internal/model"
	"github.com/researchdesk/api/internal/service"
	"github.com/researchdesk/api/pkg/response"
)

type ResearchHandler struct {
	service   *service.ResearchService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewResearchHandler(svc *service.ResearchService, v *validator.Validate, logger *zap.Logger) *ResearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchHandler{
		service:   svc,
		validator: v,
		logger:    logger,
	}
}

// Start handles POST /research
// @Summary      Start research job
// @Description  Start an asynchronous research job for a subject
// @Tags         Research
// @Accept       json
// @Produce      json
// @Param        request body model.ResearchRequest true "Research request"
// @Success      202 {object} model.ResearchStartResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /research [post]
func (h *ResearchHandler) Start(c *fiber.Ctx) error {
	var req model.ResearchRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartResearch(c.UserContext(), &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSubject) {
			return response.ValidationError(c, "Subject is required", nil)
		}
		h.logger.Error("Failed to start research", zap.Error(err))
		return response.ServiceError(c, "Failed to start research")
	}

	return response.Accepted(c, result)
}

// Job handles GET /job/:jobId
// @Summary      Get research job
// @Description  Get the current status of a research job
// @Tags         Research
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /job/{jobId} [get]
func (h *ResearchHandler) Job(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetJob(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		h.logger.Error("Failed to load job", zap.String("job_id", jobID), zap.Error(err))
		return response.ServiceError(c, "Failed to load job")
	}

	return response.OK(c, result)
}

// Report handles GET /job/:jobId/report
// @Summary      Get research report
// @Description  Get the markdown report of a completed research job
// @Tags         Research
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.ReportResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /job/{jobId}/report [get]
func (h *ResearchHandler) Report(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetReport(c.UserContext(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, jobstore.ErrReportNotReady):
			status := ""
			if job, jerr := h.service.GetJob(c.UserContext(), jobID); jerr == nil {
				status = string(job.Status)
			}
			return response.ReportNotReady(c, status)
		}
		h.logger.Error("Failed to load report", zap.String("job_id", jobID), zap.Error(err))
		return response.ServiceError(c, "Failed to load report")
	}

	return response.OK(c, result)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
