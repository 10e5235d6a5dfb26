package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kasetai/orchestrator/internal/api/dto"
	"github.com/kasetai/orchestrator/internal/faults"
	"github.com/kasetai/orchestrator/internal/jobs"
)

// CreateJob handles POST /api/v1/jobs
// Accepts a job for asynchronous processing and returns 202 with the job ID
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := h.dispatcher.Submit(c.Request.Context(), req.JobType, req.Payload, req.Priority, req.MaxRetries)
	if err != nil {
		if category, _ := faults.Classify(err); category == faults.CategoryValidation {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		JobID:   job.ID,
		JobType: job.Type,
		Status:  string(job.Status),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the last known status snapshot for a job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.dispatcher.Status(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found or expired",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Requests cooperative cancellation of a pending or running job
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.dispatcher.Cancel(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found or expired",
			})
		case errors.Is(err, jobs.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{
				"error": "job already in a terminal state",
			})
		default:
			h.logger.Error("Failed to cancel job", slog.String("job_id", jobID), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
		}
		return
	}

	c.JSON(http.StatusOK, job)
}

// QueueMetrics handles GET /api/v1/queue/metrics
// Reports queue depths and active/reserved job gauges
func (h *JobHandler) QueueMetrics(c *gin.Context) {
	metrics, err := h.dispatcher.QueueMetrics(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to collect queue metrics", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to collect queue metrics",
		})
		return
	}

	c.JSON(http.StatusOK, metrics)
}
