package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/errors"
)

const defaultReadinessTimeout = 3 * time.Second

// Config holds middleware configuration
type Config struct {
	Logger         *slog.Logger
	ServiceName    string
	TrustedProxies []string

	// AllowedOrigins enables CORS for browser callers. Empty leaves CORS off.
	AllowedOrigins []string
	// ContentTypeExempt lists paths that accept any body, such as third-party webhooks.
	ContentTypeExempt []string
	// ErrorMappers translate domain errors for ErrorHandler before the generic fallback.
	ErrorMappers []errors.Mapper
}

// DefaultConfig returns a configuration with CORS off and no exemptions
func DefaultConfig(serviceName string, logger *slog.Logger) *Config {
	return &Config{
		Logger:      logger,
		ServiceName: serviceName,
	}
}

// Setup applies the standard middleware chain to a Gin router
func Setup(router *gin.Engine, config *Config) {
	InitValidator()

	if len(config.TrustedProxies) > 0 {
		_ = router.SetTrustedProxies(config.TrustedProxies)
	}

	router.Use(Recovery(config.Logger))
	router.Use(RequestID())
	router.Use(CorrelationID())
	router.Use(Logger(config.Logger))

	// preflight requests must answer before the content type check
	if len(config.AllowedOrigins) > 0 {
		router.Use(CORS(config.AllowedOrigins))
	}

	router.Use(InputSanitizer())
	router.Use(ContentType(config.ContentTypeExempt...))
	router.Use(ErrorHandler(config.Logger, config.ErrorMappers...))
}

// CORS allows the listed origins to call the API with credentials. origins must not be empty.
func CORS(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", HeaderRequestID, HeaderCorrelationID},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", HeaderRequestID, HeaderCorrelationID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// HealthCheck reports liveness
func HealthCheck(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	}
}

// Check reports whether one dependency is usable
type Check func(ctx context.Context) error

// ReadinessCheck runs every named check under a shared timeout. One failure makes the
// service not ready; the body lists each dependency's state.
func ReadinessCheck(serviceName string, timeout time.Duration, checks map[string]Check) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = defaultReadinessTimeout
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		status, code := "ready", http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status, code = "not ready", http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		c.JSON(code, gin.H{
			"status":  status,
			"service": serviceName,
			"checks":  results,
		})
	}
}

// NoRoute renders unknown paths in the API error format
func NoRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusNotFound, APIErrorResponse{
			Code:      "ROUTE_NOT_FOUND",
			Message:   "The requested resource was not found",
			RequestID: GetRequestID(c),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Path:      c.Request.URL.Path,
		})
	}
}

// NoMethod renders unsupported methods in the API error format
func NoMethod() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, APIErrorResponse{
			Code:      "METHOD_NOT_ALLOWED",
			Message:   "The request method is not supported for this resource",
			RequestID: GetRequestID(c),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Path:      c.Request.URL.Path,
		})
	}
}

// WrapHandler adapts an error-returning handler; returned errors are rendered by ErrorHandler.
func WrapHandler(handler func(*gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := handler(c); err != nil {
			_ = c.Error(err)
		}
	}
}
