package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"cortex/internal/logging"
	"cortex/internal/observability"
)

// requestLogger routes access logs through the process logger instead of
// gin's own writer. Streaming endpoints log on disconnect, which is when
// c.Next returns.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s)",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start).Round(time.Millisecond),
		)
	}
}

// traceRequests opens one span per request. Streaming endpoints keep their
// span open for the life of the connection.
func traceRequests(obs *observability.Observability) gin.HandlerFunc {
	return func(c *gin.Context) {
		if obs == nil || obs.Tracer == nil {
			c.Next()
			return
		}
		ctx, span := obs.Tracer.StartSpan(c.Request.Context(), observability.SpanHTTPRequest,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
		)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		span.End()
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID", "X-Requested-With"}
	cfg.AllowWebSockets = true
	return cfg
}
