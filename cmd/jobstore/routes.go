package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobstore/internal/handlers"
	"github.com/huangang/jobstore/internal/middleware"
	"github.com/huangang/jobstore/pkg/logger"
	"github.com/huangang/jobstore/pkg/response"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up the monitoring API on r.
func registerRoutes(ctx context.Context, r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(svc.log), logger.GinRecovery(svc.log))
	r.Use(middleware.CORS(svc.cfg.Server.AllowOrigins))

	healthHandler := handlers.NewHealthHandler(svc.storage.Store)
	r.GET("/health", healthHandler.CheckHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	queueHandler := handlers.NewQueueHandler(svc.storage.Monitor, svc.storage.Aggregator)

	api := r.Group("/api", middleware.RateLimit(ctx, svc.cfg.Server.RateLimit, svc.cfg.Server.RateBurst))
	{
		api.GET("/queues", queueHandler.List)
		api.GET("/queues/:queue", queueHandler.Get)
		api.GET("/queues/:queue/enqueued", queueHandler.Enqueued)
		api.GET("/queues/:queue/fetched", queueHandler.Fetched)
		api.GET("/counters/:key", queueHandler.Counter)
	}

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "route not found")
	})
}
