package router

import (
	"context"
	"net/http"
	"time"

	"guildbell/internal/common"
	"guildbell/internal/config"
	"guildbell/internal/domain/jobs"
	"guildbell/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New creates the operator API: health checks plus the job routes behind
// API key auth.
func New(ctx context.Context, cfg *config.Config, jobsHandler *jobs.Handler, deps map[string]Pinger) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()

	// Global middleware stack (order matters)
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog())
	r.Use(middleware.CORS(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.Burst,
	)
	go rateLimiter.Cleanup(ctx, time.Minute)
	r.Use(rateLimiter.Middleware())

	r.GET("/health", healthCheck(deps))

	api := r.Group("/api/v1")
	api.Use(middleware.Auth(cfg.Auth.APIKeys))
	{
		jobsHandler.RegisterRoutes(api)
	}

	return r
}

// healthCheck handles GET /health. Any unreachable dependency turns the
// response into a 503.
func healthCheck(deps map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(deps))
		healthy := true
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		body := gin.H{
			"status":  "ok",
			"service": "guildbell",
			"checks":  checks,
		}
		if !healthy {
			body["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, common.APIResponse{Success: false, Data: body})
			return
		}
		common.Success(c, http.StatusOK, body)
	}
}
