package app

import (
	"fmt"

	"github.com/gin-gonic/gin"

	httpH "github.com/yungbote/vidforge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/vidforge-backend/internal/http/middleware"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/server"
	"github.com/yungbote/vidforge-backend/internal/sse"
)

type Handlers struct {
	Video  *httpH.VideoHandler
	Events *httpH.EventsHandler
}

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

func wireHandlers(log *logger.Logger, svcs Services, hub *sse.Hub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Video:  httpH.NewVideoHandler(log, svcs.Video),
		Events: httpH.NewEventsHandler(log, hub, svcs.Video),
	}
}

func wireMiddleware(log *logger.Logger) (Middleware, error) {
	log.Info("Wiring middleware...")
	auth, err := httpMW.NewAuthMiddleware(log)
	if err != nil {
		return Middleware{}, fmt.Errorf("init auth middleware: %w", err)
	}
	return Middleware{Auth: auth}, nil
}

func wireRouter(log *logger.Logger, handlers Handlers, middleware Middleware) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		Log:            log,
		AuthMiddleware: middleware.Auth,
		VideoHandler:   handlers.Video,
		EventsHandler:  handlers.Events,
	})
}
