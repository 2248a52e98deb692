package observability

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var probePaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// RequestLogger logs one line per request. Websocket upgrades are logged
// when the client connection ends; successful probes only at debug.
func RequestLogger(logger zerolog.Logger, node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		upgrade := isUpgrade(c)
		c.Next()

		status := c.Writer.Status()
		path := routePath(c)

		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case isProbe(path):
			event = logger.Debug()
		}
		if upgrade {
			event.
				Str("node", node).
				Str("path", path).
				Dur("connected_for", time.Since(start)).
				Str("client_ip", c.ClientIP()).
				Msg("ws connection ended")
			return
		}
		event.
			Str("node", node).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http request")
	}
}

// RequestMetricsMiddleware records admin request counts and latency.
// Websocket upgrades are skipped; connection gauges cover them.
func RequestMetricsMiddleware(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isUpgrade(c) {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		RecordHTTPRequest(node, c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	// Unmatched paths would explode label cardinality.
	return "unmatched"
}

func isProbe(path string) bool {
	_, ok := probePaths[path]
	return ok
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}
