package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/vidforge-backend/internal/observability"
)

// APIMetrics records per-route request counts and latency. No-op when
// metrics are disabled.
func APIMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		m := observability.Current()
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		m.ApiInflightInc()
		c.Next()
		m.ApiInflightDec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveAPI(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
