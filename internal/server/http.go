package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// HTTPServer wraps http.Server with a bounded graceful shutdown. In-flight
// requests get the drain window; SSE streams are closed by the hub before the
// listener stops.
type HTTPServer struct {
	log *logger.Logger
	srv *http.Server
}

func NewHTTPServer(log *logger.Logger, router *gin.Engine, addr string) *HTTPServer {
	return &HTTPServer{
		log: log.With("component", "HTTPServer"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *HTTPServer) Start() error {
	s.log.Info("HTTP server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	timeout := envutil.DurationSec("SHUTDOWN_TIMEOUT_SECONDS", 30*time.Second)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.srv.Shutdown(sctx)
}
