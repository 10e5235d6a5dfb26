package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kasetai/orchestrator/internal/faults"
	"github.com/kasetai/orchestrator/internal/perf"
)

// ActiveJobsCounter reports the number of jobs currently executing.
type ActiveJobsCounter interface {
	ActiveJobs() int
}

// MonitoringHandler exposes worker-local error and performance telemetry.
type MonitoringHandler struct {
	logger     *slog.Logger
	tracker    *faults.Tracker
	monitor    *perf.Monitor
	counter    ActiveJobsCounter
	thresholds faults.HealthThresholds
}

// NewMonitoringHandler creates a MonitoringHandler.
func NewMonitoringHandler(logger *slog.Logger, tracker *faults.Tracker, monitor *perf.Monitor, counter ActiveJobsCounter, thresholds faults.HealthThresholds) *MonitoringHandler {
	return &MonitoringHandler{
		logger:     logger,
		tracker:    tracker,
		monitor:    monitor,
		counter:    counter,
		thresholds: thresholds,
	}
}

// Errors handles GET /monitoring/errors
// Returns aggregated error statistics for the requested window
func (h *MonitoringHandler) Errors(c *gin.Context) {
	windowHours, err := strconv.Atoi(c.DefaultQuery("window_hours", "24"))
	if err != nil || windowHours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "window_hours must be a positive integer",
		})
		return
	}

	c.JSON(http.StatusOK, h.tracker.Statistics(windowHours))
}

// Performance handles GET /monitoring/performance
// Returns the performance summary for the requested window
func (h *MonitoringHandler) Performance(c *gin.Context) {
	windowMinutes, err := strconv.Atoi(c.DefaultQuery("window_minutes", "5"))
	if err != nil || windowMinutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "window_minutes must be a positive integer",
		})
		return
	}

	summary, err := h.monitor.Summary(windowMinutes)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Health handles GET /health
// Combines error-rate health with current load
func (h *MonitoringHandler) Health(c *gin.Context) {
	status := h.tracker.Health(h.thresholds)

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":      status,
		"service":     "inference-worker",
		"active_jobs": h.counter.ActiveJobs(),
	})
}
