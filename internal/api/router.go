// Package api wires together the HTTP routes for the recipegate service.
//
// Route grouping philosophy:
//   - Discovery routes (listing, metadata, marker inspection) are public:
//     the whole point of a paywall preview is that anyone can see it.
//   - Everything that creates records, mints invoices, or releases secrets
//     requires a bearer token, because the gating service keys purchases and
//     ownership by the authenticated identity.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recipegate/recipegate/internal/api/recipes"
	"github.com/recipegate/recipegate/internal/auth"
	"github.com/recipegate/recipegate/internal/config"
	"github.com/recipegate/recipegate/internal/gating"
	"github.com/recipegate/recipegate/internal/middleware"
)

// NewRouter builds the Gin engine with the full middleware chain and all
// recipe routes. The rate limiter is injected by cmd/server, which knows
// whether a shared Redis client is available; pass nil to disable limiting.
func NewRouter(cfg *config.Config, svc *gating.Service, tokens *auth.Manager, limiter middleware.Limiter, logger *slog.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	if limiter != nil {
		router.Use(middleware.RateLimit(limiter, cfg.Security.RateLimiting.RequestsPerMinute))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := recipes.NewHandler(svc, logger)

	v1 := router.Group("/v1/recipes")
	{
		v1.GET("", h.List)
		v1.GET("/:id", h.Get)
		v1.POST("/check", h.Check)

		authed := v1.Group("", middleware.RequireAuth(tokens))
		{
			authed.POST("", h.Create)
			authed.GET("/:id/content", h.Content)
			authed.POST("/:id/invoice", h.Invoice)
			authed.POST("/:id/claim", h.Claim)
			authed.POST("/:id/backfill", h.Backfill)
			authed.PUT("/:id/ref", h.UpdateRef)
			authed.POST("/index/rebuild", h.RebuildIndex)
		}
	}

	return router
}
