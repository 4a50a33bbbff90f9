package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/api/handlers"
	"github.com/apk-analysis/apk-rename-go/internal/config"
	"github.com/apk-analysis/apk-rename-go/internal/metrics"
	"github.com/apk-analysis/apk-rename-go/internal/middleware"
	"github.com/apk-analysis/apk-rename-go/internal/service"
)

// Version 服务版本，由 cmd 在构建时注入
var Version = "dev"

// SetupRouter 创建路由，promMetrics 为 nil 时不暴露 /metrics
func SetupRouter(cfg *config.Config, logger *logrus.Logger, jobService service.JobService, hub *handlers.ProgressHub, promMetrics *metrics.PrometheusMetrics) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
		r.GET("/metrics", promMetrics.Handler())
	}

	jobHandler := handlers.NewJobHandler(jobService, cfg.Work.UploadDir, logger)

	// 上传文件在内存中最多保留 32MB，其余写临时文件
	r.MaxMultipartMemory = 32 << 20

	v1 := r.Group("/api")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		protected := v1.Group("")
		if cfg.Server.APIToken != "" {
			protected.Use(middleware.AuthMiddleware(cfg.Server.APIToken))
		}
		protected.GET("/stats", jobHandler.GetStats)

		protected.POST("/jobs", jobHandler.CreateJob)
		protected.GET("/jobs", jobHandler.ListJobs)
		protected.GET("/jobs/:id", jobHandler.GetJob)
		protected.GET("/jobs/:id/download", jobHandler.DownloadJob)
	}

	if hub != nil {
		ws := r.Group("/ws")
		if cfg.Server.APIToken != "" {
			ws.Use(middleware.AuthMiddleware(cfg.Server.APIToken))
		}
		ws.GET("/jobs/:id", hub.HandleWebSocket)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP Request")
			return
		}
		entry.Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
