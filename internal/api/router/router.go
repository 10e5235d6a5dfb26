package router

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kasetai/orchestrator/internal/api/handler"
)

// SetupAPIRouter configures and returns the Gin router for the API service
func SetupAPIRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "job-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a new job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs/:job_id - Get job status snapshot
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		// GET /api/v1/queue/metrics - Queue depths and job gauges
		v1.GET("/queue/metrics", jobHandler.QueueMetrics)
	}

	return r
}

// SetupMonitoringRouter configures the Gin router exposed by each worker for
// its local error and performance telemetry
func SetupMonitoringRouter(logger *slog.Logger, mh *handler.MonitoringHandler) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))

	r.GET("/health", mh.Health)

	monitoring := r.Group("/monitoring")
	{
		monitoring.GET("/errors", mh.Errors)
		monitoring.GET("/performance", mh.Performance)
	}

	return r
}
