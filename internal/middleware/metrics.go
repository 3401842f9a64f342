package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recipegate/recipegate/internal/telemetry"
)

// Metrics records request count and latency for every routed request.
//
// The path label is set from c.FullPath(), the matched route template (e.g.
// /v1/recipes/:id/claim) rather than the raw URL, so recipe ids never inflate
// label cardinality. Requests matching no registered route use the literal
// "<no-route>".
//
// Must be registered after gin.Recovery() and RequestID() so the status set
// by error handlers is captured correctly.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		status := fmt.Sprintf("%d", c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}
