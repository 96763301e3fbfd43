package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yungbote/vidforge-backend/internal/http/handlers"
	"github.com/yungbote/vidforge-backend/internal/http/middleware"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	AuthMiddleware *middleware.AuthMiddleware
	VideoHandler   *handlers.VideoHandler
	EventsHandler  *handlers.EventsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(otelgin.Middleware("vidforge-backend"))
	router.Use(middleware.AttachTraceContext())
	router.Use(middleware.APIMetrics())
	router.Use(middleware.RequestLogger(cfg.Log))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())

	videos := protected.Group("/videos")
	{
		videos.POST("/generate", cfg.VideoHandler.Generate)
		videos.GET("/jobs", cfg.VideoHandler.List)
		videos.GET("/jobs/:job_id/status", cfg.VideoHandler.Status)
		videos.GET("/jobs/:job_id/video-url", cfg.VideoHandler.VideoURL)
		videos.POST("/jobs/:job_id/cancel", cfg.VideoHandler.Cancel)
		videos.GET("/jobs/:job_id/events", cfg.VideoHandler.Events)
	}

	api := protected.Group("/api")
	{
		api.GET("/events/stream", cfg.EventsHandler.Stream)
	}

	return router
}
