package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/vidforge-backend/internal/http/response"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/services"
)

type VideoHandler struct {
	log     *logger.Logger
	service services.VideoService
}

func NewVideoHandler(log *logger.Logger, service services.VideoService) *VideoHandler {
	return &VideoHandler{log: log.With("handler", "VideoHandler"), service: service}
}

// Generate handles POST /videos/generate.
func (h *VideoHandler) Generate(c *gin.Context) {
	var req services.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, apierr.E(apierr.KindValidation, "", err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	rd := ctxutil.GetRequestData(c.Request.Context())
	view, err := h.service.Submit(c.Request.Context(), rd, req)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondCreated(c, view)
}

// Status handles GET /videos/jobs/:job_id/status.
func (h *VideoHandler) Status(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	view, err := h.service.Status(c.Request.Context(), rd, jobID)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, view)
}

// VideoURL handles GET /videos/jobs/:job_id/video-url.
func (h *VideoHandler) VideoURL(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	artifacts, err := h.service.Artifacts(c.Request.Context(), rd, jobID)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, artifacts)
}

// Cancel handles POST /videos/jobs/:job_id/cancel.
func (h *VideoHandler) Cancel(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	view, err := h.service.Cancel(c.Request.Context(), rd, jobID)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, view)
}

// List handles GET /videos/jobs.
func (h *VideoHandler) List(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	views, err := h.service.List(c.Request.Context(), rd, limit)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": views})
}

// Events handles GET /videos/jobs/:job_id/events.
func (h *VideoHandler) Events(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	events, err := h.service.Events(c.Request.Context(), rd, jobID, limit)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"events": events})
}

func (h *VideoHandler) jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		response.RespondError(c, apierr.Ef(apierr.KindValidation, "", "invalid job id %q", c.Param("job_id")))
		return uuid.Nil, false
	}
	return id, true
}
