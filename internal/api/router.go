package api

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/repograde/pkg/health"
	"github.com/NikhilSetiya/repograde/pkg/logging"
	"github.com/NikhilSetiya/repograde/pkg/metrics"
	"github.com/NikhilSetiya/repograde/pkg/tracing"
)

// RouterConfig configures the control API
type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	Debug          bool
}

// Dependencies are the services the router exposes. Health, Metrics,
// Tracing and Events are optional.
type Dependencies struct {
	Controller Controller
	Health     *health.Service
	Metrics    *metrics.Metrics
	Tracing    *tracing.TracingService
	Events     *Hub
	Logger     *logging.Logger
}

// NewRouter creates and configures the control API router
func NewRouter(cfg RouterConfig, deps Dependencies) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger))
	router.Use(ErrorHandlingMiddleware(logger))
	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(SecurityHeadersMiddleware())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}

	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
	}

	tasks := NewTaskHandler(deps.Controller, logger)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/batch", tasks.GetBatch)
		v1.GET("/tasks", tasks.ListTasks)
		v1.GET("/tasks/:owner/:repo", tasks.GetTask)
		if deps.Events != nil {
			v1.GET("/events", deps.Events.StreamHandler())
		}

		control := v1.Group("")
		control.Use(AuthMiddleware(cfg.JWTSecret))
		{
			control.POST("/tasks/:owner/:repo/skip", tasks.SkipTask)
			control.POST("/tasks/:owner/:repo/stop", tasks.StopTask)
			control.POST("/batch/abort", tasks.AbortAll)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
