package dto

type SubmitJobRequest struct {
	JobType    string         `json:"job_type" binding:"required"`
	Payload    map[string]any `json:"payload"`
	Priority   int            `json:"priority"`
	MaxRetries int            `json:"max_retries"`
}

type SubmitJobResponse struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Status  string `json:"status"`
	Queue   string `json:"queue,omitempty"`
}
