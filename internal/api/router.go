package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/records-timeline/internal/config"
	"github.com/jengzang/records-timeline/internal/handler"
	"github.com/jengzang/records-timeline/internal/metrics"
	"github.com/jengzang/records-timeline/internal/middleware"
)

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, timeline *handler.TimelineHandler, limiter *middleware.RateLimiter, rec metrics.Recorder) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(rec))

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Timeline API is running",
		})
	})

	if h := rec.Handler(); h != nil && cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(h))
	}

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 时间线接口
		tl := api.Group("/timeline", middleware.JWTAuth(cfg.JWTSecret))
		if limiter != nil {
			tl.Use(middleware.RateLimit(limiter))
		}
		timeline.RegisterRoutes(tl)
	}

	return r
}
