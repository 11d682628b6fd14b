package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filevault/filevault/internal/telemetry"
)

const noRoute = "<no-route>"

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request.
//
// The path label is c.FullPath(), the matched route template such as
// /api/v1/files/:id, so file ids never become label values. Unmatched requests are
// recorded under "<no-route>".
//
// Register after gin.Recovery() so the status written by the recovery handler is
// the one recorded.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
