// Package inference is the HTTP client for downstream model-serving targets.
// Every call has a bounded timeout, failures are classified into the shared
// error taxonomy, and throughput-sensitive targets are rate limited and
// batched.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kasetai/orchestrator/internal/batch"
	"github.com/kasetai/orchestrator/internal/faults"
)

// BatchSettings enables batching for a target.
type BatchSettings struct {
	MaxSize int
	MaxWait time.Duration
}

// TargetConfig describes one downstream inference endpoint, keyed by the job
// type it serves.
type TargetConfig struct {
	JobType string
	URL     string
	// Timeout bounds a single downstream call. Longer expected inference
	// means a longer timeout, but it is always set.
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// CacheClearURL, when set, is called by the model-error recovery hook to
	// free accelerator memory before a retry.
	CacheClearURL string
	// Batch, when set, coalesces concurrent requests into one downstream call.
	Batch *BatchSettings
}

type target struct {
	config  TargetConfig
	limiter *rate.Limiter
	batcher *batch.Accumulator[map[string]any, map[string]any]
}

// Client dispatches payloads to the downstream target for their job type.
type Client struct {
	httpClient *http.Client
	targets    map[string]*target
	logger     *slog.Logger
}

// NewClient builds a client for the configured targets.
func NewClient(configs []TargetConfig, logger *slog.Logger) *Client {
	client := &Client{
		// Per-call deadlines come from each target's timeout context.
		httpClient: &http.Client{},
		targets:    make(map[string]*target),
		logger:     logger,
	}

	for _, config := range configs {
		t := &target{config: config}
		if config.RatePerSecond > 0 {
			burst := config.Burst
			if burst <= 0 {
				burst = 1
			}
			t.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
		}
		if config.Batch != nil {
			t.batcher = batch.NewAccumulator(
				batch.Config{MaxSize: config.Batch.MaxSize, MaxWait: config.Batch.MaxWait},
				client.processBatch(t),
				logger,
			)
		}
		client.targets[config.JobType] = t
	}
	return client
}

// Process sends payload to the target serving jobType and returns the decoded
// response.
func (c *Client) Process(ctx context.Context, jobType string, payload map[string]any) (map[string]any, error) {
	t, ok := c.targets[jobType]
	if !ok {
		return nil, faults.Newf(faults.CategoryValidation, faults.SeverityMedium,
			"no inference target configured for job type %q", jobType)
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, faults.New(faults.CategoryResource, faults.SeverityMedium,
				fmt.Errorf("rate limit wait aborted: %w", err))
		}
	}

	if t.batcher != nil {
		return t.batcher.Submit(ctx, payload)
	}
	return c.post(ctx, t, payload)
}

// ClearCache asks the target serving jobType to drop its accelerator caches.
// Best-effort: used as the model-error recovery strategy.
func (c *Client) ClearCache(ctx context.Context, jobType string) error {
	t, ok := c.targets[jobType]
	if !ok || t.config.CacheClearURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.CacheClearURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cache clear returned status %d", resp.StatusCode)
	}
	c.logger.Info("Downstream cache cleared", slog.String("job_type", jobType))
	return nil
}

// processBatch returns the accumulator flush function for a target: one POST
// carrying all items, results correlated back by index.
func (c *Client) processBatch(t *target) batch.ProcessFunc[map[string]any, map[string]any] {
	return func(ctx context.Context, items []map[string]any) ([]map[string]any, error) {
		body := map[string]any{"items": items}
		raw, err := c.post(ctx, t, body)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(raw["results"])
		if err != nil {
			return nil, faults.New(faults.CategoryProcessing, faults.SeverityMedium, err)
		}
		var results []map[string]any
		if err := json.Unmarshal(encoded, &results); err != nil {
			return nil, faults.Newf(faults.CategoryProcessing, faults.SeverityMedium,
				"batch response has no results array: %v", err)
		}
		return results, nil
	}
}

func (c *Client) post(ctx context.Context, t *target, payload any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, faults.New(faults.CategoryValidation, faults.SeverityMedium, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(encoded))
	if err != nil {
		return nil, faults.New(faults.CategorySystem, faults.SeverityHigh, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.New(faults.CategoryNetwork, faults.SeverityHigh,
			fmt.Errorf("call to %s failed: %w", t.config.JobType, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(t.config.JobType, resp); err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, faults.New(faults.CategoryProcessing, faults.SeverityMedium,
			fmt.Errorf("invalid response from %s: %w", t.config.JobType, err))
	}
	return result, nil
}

// classifyStatus maps a non-2xx downstream response into the error taxonomy:
// client errors are the submission's fault, throttling and storage pressure
// are resource errors, model faults get the recovery hook, the rest of 5xx
// is transient processing.
func classifyStatus(jobType string, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}

	detail := readDetail(resp.Body)
	err := fmt.Errorf("%s returned status %d: %s", jobType, resp.StatusCode, detail)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusInsufficientStorage:
		return faults.New(faults.CategoryResource, faults.SeverityHigh, err)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return faults.New(faults.CategoryValidation, faults.SeverityMedium, err)
	case resp.StatusCode == http.StatusInternalServerError && isModelFault(detail):
		return faults.New(faults.CategoryModel, faults.SeverityHigh, err)
	default:
		return faults.New(faults.CategoryProcessing, faults.SeverityMedium, err)
	}
}

// isModelFault sniffs accelerator failures out of an error body so they get
// the cache-clearing recovery path.
func isModelFault(detail string) bool {
	lowered := strings.ToLower(detail)
	for _, marker := range []string{"cuda", "gpu", "out of memory"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func readDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil || len(data) == 0 {
		return "no detail"
	}
	return string(data)
}
