package api

import (
	"context"
	"net/http"
	"time"

	"github.com/contact-bulk-upload-api/internal/config"
	"github.com/contact-bulk-upload-api/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthChecker reports whether a backing dependency is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewRouter creates and configures the Gin router. db may be nil, in which
// case /health only reports the process itself.
func NewRouter(services *service.Services, cfg *config.Config, db HealthChecker, log zerolog.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(recoveryMiddleware(log))
	router.Use(loggingMiddleware(log))
	router.Use(corsMiddleware())

	// Handlers
	uploadHandler := NewUploadHandler(services, cfg, log)
	progressHandler := NewProgressHandler(services, log)

	router.GET("/health", healthCheck(db))
	router.GET("/metrics", metricsHandler(services))

	contacts := router.Group("/contacts")
	{
		contacts.POST("/bulk-upload-advanced", uploadHandler.Upload)
		contacts.DELETE("/cancel-bulk-upload/:jobId", uploadHandler.Cancel)
		contacts.DELETE("/bulk-upload-session", uploadHandler.ResetSession)
		contacts.GET("/bulk-upload/:jobId", uploadHandler.GetStatus)
		contacts.GET("/bulk-upload/:jobId/errors", uploadHandler.GetErrors)
		contacts.GET("/upload-progress/ws", progressHandler.Serve)
	}

	return router
}

// healthCheck returns the health status
func healthCheck(db HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   "contact-bulk-upload-api",
		}

		if db != nil {
			ctx, cancel := contextWithTimeout(c, 2*time.Second)
			defer cancel()
			if err := db.HealthCheck(ctx); err != nil {
				body["status"] = "unhealthy"
				body["database"] = err.Error()
				c.JSON(http.StatusServiceUnavailable, body)
				return
			}
			body["database"] = "ok"
		}

		c.JSON(http.StatusOK, body)
	}
}

// metricsHandler returns worker, broadcaster and session counters
func metricsHandler(services *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"jobs":      services.Job.Stats(),
			"timestamp": time.Now().Format(time.RFC3339),
		}
		if services.Progress != nil {
			body["progress"] = services.Progress.Stats()
		}
		if services.Sessions != nil {
			body["sessions"] = gin.H{"active": services.Sessions.Len()}
		}

		c.JSON(http.StatusOK, body)
	}
}

// recoveryMiddleware handles panics
func recoveryMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("error", err).Str("path", c.Request.URL.Path).Msg("Panic recovered")
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// loggingMiddleware logs requests
func loggingMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		event := log.Info()
		if statusCode >= 400 {
			event = log.Warn()
		}
		if statusCode >= 500 {
			event = log.Error()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

// corsMiddleware handles CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// contextWithTimeout creates a context with timeout for handlers
func contextWithTimeout(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), timeout)
}

// sessionID identifies the uploading client: the session header, then the
// sessionId query parameter, then the client address
func sessionID(c *gin.Context) string {
	if id := c.GetHeader(SessionHeader); id != "" {
		return id
	}
	if id := c.Query("sessionId"); id != "" {
		return id
	}
	return c.ClientIP()
}
