package api

import (
	"github.com/gin-gonic/gin"

	"github.com/bsvalues/TerraFusionMono-sub011/internal/chaos"
	"github.com/bsvalues/TerraFusionMono-sub011/internal/orchestrator"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/config"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/metrics"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/tracing"
)

// RouterConfig holds the dependencies of the API router
type RouterConfig struct {
	Integration    *orchestrator.Integration
	Tester         *chaos.Tester
	Auth           config.AuthConfig
	AllowedOrigins []string
	Debug          bool
	// RateLimiter throttles the authenticated endpoints when set
	RateLimiter *RateLimiter

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.TracingService
}

// NewRouter creates and configures the API router
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics(&metrics.Config{Enabled: false}, nil)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.NewNoopService()
	}

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(cfg.Logger))
	router.Use(RecoveryMiddleware(cfg.Logger))
	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(SecurityHeadersMiddleware())
	router.Use(cfg.Metrics.PrometheusMiddleware())
	router.Use(cfg.Tracer.TracingMiddleware())

	h := NewHandler(cfg.Integration, cfg.Tester)

	router.GET("/health", h.Liveness)
	router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/system/health", h.SystemHealth)
		v1.GET("/diagnostic", h.Diagnostic)
		v1.GET("/circuits/open", h.OpenCircuits)
		v1.GET("/agents/unhealthy", h.UnhealthyAgents)
		v1.GET("/agents/:id/health", h.AgentHealth)

		protected := v1.Group("")
		protected.Use(AuthMiddleware(cfg.Auth))
		if cfg.RateLimiter != nil {
			protected.Use(cfg.RateLimiter.Middleware())
		}
		{
			protected.POST("/agents/:id/restart", h.RestartAgent)
			protected.POST("/circuits/:id/reset", h.ResetCircuit)

			if cfg.Tester != nil {
				tests := protected.Group("/tests")
				{
					tests.POST("", h.RunTest)
					tests.GET("", h.ListTests)
					tests.GET("/:id", h.GetTest)
					tests.DELETE("/:id", h.CancelTest)
				}
			}
		}
	}

	return router
}
