package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/metrics"
)

var defaultMetricsExclude = []string{"/metrics", "/health", "/ready"}

// MetricsMiddleware records HTTP metrics keyed by route pattern.
func MetricsMiddleware(m *metrics.Metrics, excludePaths ...string) gin.HandlerFunc {
	if len(excludePaths) == 0 {
		excludePaths = defaultMetricsExclude
	}
	exclude := make(map[string]bool, len(excludePaths))
	for _, path := range excludePaths {
		exclude[path] = true
	}

	return func(c *gin.Context) {
		if exclude[c.Request.URL.Path] {
			c.Next()
			return
		}

		m.IncrementHTTPRequestsInFlight()
		defer m.DecrementHTTPRequestsInFlight()

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// MetricsEndpoint returns a handler for the /metrics endpoint
func MetricsEndpoint(m *metrics.Metrics) gin.HandlerFunc {
	handler := m.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
