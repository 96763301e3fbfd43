package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/vidforge-backend/internal/http/response"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/services"
	"github.com/yungbote/vidforge-backend/internal/sse"
)

// EventsHandler serves the live progress stream. Polling GET status remains
// the contract of record; the stream is a convenience on top.
type EventsHandler struct {
	log     *logger.Logger
	hub     *sse.Hub
	service services.VideoService
}

func NewEventsHandler(log *logger.Logger, hub *sse.Hub, service services.VideoService) *EventsHandler {
	return &EventsHandler{log: log.With("handler", "EventsHandler"), hub: hub, service: service}
}

// Stream handles GET /api/events/stream?job_id=. Ownership is checked through
// the same path as the status endpoint before the subscription starts.
func (h *EventsHandler) Stream(c *gin.Context) {
	jobID, err := uuid.Parse(c.Query("job_id"))
	if err != nil {
		response.RespondError(c, apierr.Ef(apierr.KindValidation, "", "invalid or missing job_id"))
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	if _, err := h.service.Status(c.Request.Context(), rd, jobID); err != nil {
		response.RespondError(c, err)
		return
	}

	client := h.hub.NewClient(rd.UserID)
	h.hub.AddChannel(client, sse.JobChannel(jobID))
	defer h.hub.RemoveClient(client)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
