package handler

import (
	"log/slog"

	"github.com/kasetai/orchestrator/internal/dispatcher"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Dispatcher *dispatcher.Dispatcher
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
	}
}
