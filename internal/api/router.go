// Package api wires together all HTTP routes for the FileVault backend.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - /api/v1/files and /api/v1/me require a bearer token; the authenticated user
//     is the actor for every file operation.
//   - /api/v1/admin additionally requires the admin role, read from the user row.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/api/admin"
	fileapi "github.com/filevault/filevault/internal/api/files"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/db/repositories"
	"github.com/filevault/filevault/internal/middleware"
	"github.com/filevault/filevault/internal/storage"
)

// Version is reported by /version and the server binary.
const Version = "0.1.0"

// FileManager is the file hierarchy manager as used by user and admin routes.
type FileManager interface {
	fileapi.FileService
	admin.Takedowner
}

// BackendCatalog is the backend catalog as used by user and admin routes.
type BackendCatalog interface {
	fileapi.BackendCatalog
	admin.BackendCatalog
}

// Deps are the services the router exposes over HTTP.
type Deps struct {
	DB      *sqlx.DB
	Tokens  middleware.TokenValidator
	Files   FileManager
	Quota   fileapi.QuotaReporter
	Catalog BackendCatalog
	// Native is probed by /ready. Nil when no built-in store is bound.
	Native storage.Storage
}

// BackgroundServices holds resources that must be released during graceful
// shutdown. The caller (cmd/server) calls Shutdown after the HTTP server stopped.
type BackgroundServices struct {
	memoryLimiters []*middleware.MemoryLimiter
	closers        []func() error
}

// Shutdown stops limiter cleanup loops and closes shared clients.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.memoryLimiters {
		rl.Stop()
	}
	for _, closeFn := range bg.closers {
		if err := closeFn(); err != nil {
			slog.Warn("error closing background resource", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg *config.Config, deps Deps) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeaders(cfg.Security.TLS.Enabled)))
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Native))
	router.GET("/version", versionHandler())

	apiLimiter, uploadLimiter, err := newLimiters(cfg.Security.RateLimiting, bg)
	if err != nil {
		return nil, nil, err
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(deps.Tokens, repositories.NewUserRepository(deps.DB)))
	var uploadChain []gin.HandlerFunc
	if apiLimiter != nil {
		v1.Use(middleware.RateLimitMiddleware(apiLimiter))
		uploadChain = append(uploadChain, middleware.RateLimitMiddleware(uploadLimiter))
	}

	fileHandlers := fileapi.NewHandlers(deps.Files, deps.Quota, deps.Catalog, cfg.Server.MaxUploadBytes)
	fileHandlers.Register(v1, uploadChain...)

	adminGroup := v1.Group("/admin")
	adminGroup.Use(middleware.RequireAdmin())
	adminHandlers := &admin.Handlers{
		Backends: admin.NewBackendHandlers(deps.Catalog),
		Groups:   admin.NewGroupHandlers(deps.DB),
		Users:    admin.NewUserHandlers(deps.DB),
		Files:    admin.NewFileHandlers(deps.Files),
		Logs:     admin.NewLogHandlers(deps.DB),
	}
	adminHandlers.Register(adminGroup)

	return router, bg, nil
}

// newLimiters builds the general and upload limiters. Both are nil when rate
// limiting is disabled. With a Redis URL the limits are shared across replicas.
func newLimiters(cfg config.RateLimitingConfig, bg *BackgroundServices) (middleware.Limiter, middleware.Limiter, error) {
	if !cfg.Enabled {
		slog.Warn("rate limiting disabled")
		return nil, nil, nil
	}
	general := middleware.RateLimitConfig{RequestsPerMinute: cfg.RequestsPerMinute, BurstSize: cfg.Burst}
	uploads := middleware.RateLimitConfig{RequestsPerMinute: cfg.UploadsPerMinute, BurstSize: max(1, cfg.UploadsPerMinute/6)}

	if cfg.RedisURL != "" {
		client, err := middleware.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		bg.closers = append(bg.closers, client.Close)
		slog.Info("rate limiting backed by redis")
		return middleware.NewRedisLimiter(client, general, "fv:rl:api:"),
			middleware.NewRedisLimiter(client, uploads, "fv:rl:upload:"), nil
	}

	g := middleware.NewMemoryLimiter(general)
	u := middleware.NewMemoryLimiter(uploads)
	bg.memoryLimiters = append(bg.memoryLimiters, g, u)
	return g, u, nil
}

// healthCheckHandler reports liveness, including database connectivity.
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the service can take traffic. Unlike /health it
// also probes the built-in store, so a readiness gate fails when uploads would.
func readinessHandler(db *sqlx.DB, native storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if native != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()
			// Exists on an absent key exercises auth and connectivity without writing.
			if _, err := native.Exists(ctx, ".readiness-probe"); err != nil {
				checks["storage"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "storage backend not ready",
				})
				return
			}
			checks["storage"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware emits one structured record per request. The handler installed
// by telemetry.SetupLogger decides between JSON and text output.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("user_agent", c.Request.UserAgent()),
		}
		if userID := c.GetString(middleware.UserIDKey); userID != "" {
			attrs = append(attrs, slog.String("user_id", userID))
		}
		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
