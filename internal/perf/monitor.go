// Package perf samples process resource usage and inference latency into
// bounded ring buffers and computes windowed summaries with health flags.
package perf

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// DefaultMaxSamples bounds the sample ring buffer.
	DefaultMaxSamples = 1000

	// latencyWindow bounds the recent-latency buffer feeding the rolling
	// mean and percentiles.
	latencyWindow = 100
)

// Sample is one point-in-time capture of system and inference metrics.
// Read-only once appended.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	GPUMemoryMB    *float64  `json:"gpu_memory_mb,omitempty"`
	GPUUtilization *float64  `json:"gpu_utilization,omitempty"`
	InferenceMS    float64   `json:"inference_time_ms"`
	QueueDepth     int       `json:"queue_depth"`
	ActiveJobs     int       `json:"active_jobs"`
}

// AcceleratorProbe reports optional GPU metrics. The orchestrator itself has
// no accelerator; deployments colocated with one can plug a probe in.
type AcceleratorProbe interface {
	Stats() (memoryMB, utilization float64, ok bool)
}

// Thresholds configure the summary health flags.
type Thresholds struct {
	CPUHighPercent    float64
	MemoryHighPercent float64
	InferenceSlowMS   float64
}

// DefaultThresholds returns the operator defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUHighPercent:    80,
		MemoryHighPercent: 85,
		InferenceSlowMS:   5000,
	}
}

// Stats holds avg/min/max over a window.
type Stats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// InferenceStats adds the p95 latency.
type InferenceStats struct {
	AvgMS float64 `json:"avg_ms"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
	P95MS float64 `json:"p95_ms"`
}

// GPUStats summarizes accelerator memory when a probe is installed.
type GPUStats struct {
	AvgMemoryMB float64 `json:"avg_memory_mb"`
	MinMemoryMB float64 `json:"min_memory_mb"`
	MaxMemoryMB float64 `json:"max_memory_mb"`
}

// Health holds the per-dimension status flags.
type Health struct {
	CPUStatus       string `json:"cpu_status"`
	MemoryStatus    string `json:"memory_status"`
	InferenceStatus string `json:"inference_status"`
}

// Summary is the windowed aggregate served by the monitoring endpoint.
type Summary struct {
	TimeWindowMinutes int            `json:"time_window_minutes"`
	SampleCount       int            `json:"sample_count"`
	CPU               Stats          `json:"cpu"`
	Memory            Stats          `json:"memory"`
	Inference         InferenceStats `json:"inference"`
	GPU               *GPUStats      `json:"gpu,omitempty"`
	Health            Health         `json:"health"`
}

// Monitor owns the sample and latency ring buffers. One instance per process,
// passed explicitly to the components that measure into it; safe under
// concurrent access from all workers.
type Monitor struct {
	thresholds Thresholds
	probe      AcceleratorProbe
	proc       *process.Process
	logger     *slog.Logger

	mu         sync.Mutex
	maxSamples int
	samples    []Sample
	latencies  []float64

	now func() time.Time
}

// NewMonitor creates a monitor with the given buffer capacity. probe may be
// nil when no accelerator is present.
func NewMonitor(maxSamples int, thresholds Thresholds, probe AcceleratorProbe, logger *slog.Logger) *Monitor {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Failed to attach process probe", slog.String("error", err.Error()))
	}
	return &Monitor{
		thresholds: thresholds,
		probe:      probe,
		proc:       proc,
		logger:     logger,
		maxSamples: maxSamples,
		now:        time.Now,
	}
}

// Measure starts a scoped timer around an inference call. The returned stop
// function appends the wall-clock duration to the recent-latency buffer and
// logs the process memory delta.
func (m *Monitor) Measure(name string) func() {
	start := m.now()
	startMem := m.processMemoryMB()

	return func() {
		elapsedMS := float64(m.now().Sub(start)) / float64(time.Millisecond)
		m.RecordLatency(elapsedMS)

		m.logger.Info("Inference measured",
			slog.String("name", name),
			slog.Float64("inference_time_ms", round2(elapsedMS)),
			slog.Float64("memory_delta_mb", round2(m.processMemoryMB()-startMem)),
		)
	}
}

// RecordLatency appends one inference duration in milliseconds.
func (m *Monitor) RecordLatency(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, ms)
	if len(m.latencies) > latencyWindow {
		m.latencies = append(m.latencies[:0:0], m.latencies[len(m.latencies)-latencyWindow:]...)
	}
}

// Sample captures current CPU%, memory%, optional accelerator metrics and
// the rolling mean of recent inference latencies, and appends the result to
// the ring buffer.
func (m *Monitor) Sample(queueDepth, activeJobs int) Sample {
	sample := Sample{
		Timestamp:  m.now(),
		QueueDepth: queueDepth,
		ActiveJobs: activeJobs,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	} else if err != nil {
		m.logger.Warn("Failed to sample CPU", slog.String("error", err.Error()))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vm.UsedPercent
	} else {
		m.logger.Warn("Failed to sample memory", slog.String("error", err.Error()))
	}

	if m.probe != nil {
		if memoryMB, utilization, ok := m.probe.Stats(); ok {
			sample.GPUMemoryMB = &memoryMB
			sample.GPUUtilization = &utilization
		}
	}

	m.mu.Lock()
	if len(m.latencies) > 0 {
		sample.InferenceMS = round2(average(m.latencies))
	}
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.maxSamples {
		m.samples = append(m.samples[:0:0], m.samples[len(m.samples)-m.maxSamples:]...)
	}
	m.mu.Unlock()

	return sample
}

// Summary filters samples within the window and computes statistics. It
// returns an error when the window holds no samples.
func (m *Monitor) Summary(windowMinutes int) (Summary, error) {
	cutoff := m.now().Add(-time.Duration(windowMinutes) * time.Minute)

	m.mu.Lock()
	var window []Sample
	for _, sample := range m.samples {
		if !sample.Timestamp.Before(cutoff) {
			window = append(window, sample)
		}
	}
	latencies := append([]float64(nil), m.latencies...)
	m.mu.Unlock()

	if len(window) == 0 {
		return Summary{}, fmt.Errorf("no samples within the last %d minutes", windowMinutes)
	}

	cpuValues := make([]float64, 0, len(window))
	memValues := make([]float64, 0, len(window))
	inferValues := make([]float64, 0, len(window))
	var gpuValues []float64

	for _, sample := range window {
		cpuValues = append(cpuValues, sample.CPUPercent)
		memValues = append(memValues, sample.MemoryPercent)
		if sample.InferenceMS > 0 {
			inferValues = append(inferValues, sample.InferenceMS)
		}
		if sample.GPUMemoryMB != nil {
			gpuValues = append(gpuValues, *sample.GPUMemoryMB)
		}
	}
	// Per-call latencies give a finer p95 than the per-sample rolling means.
	if len(inferValues) == 0 {
		inferValues = latencies
	}

	summary := Summary{
		TimeWindowMinutes: windowMinutes,
		SampleCount:       len(window),
		CPU:               describe(cpuValues),
		Memory:            describe(memValues),
	}

	if len(inferValues) > 0 {
		stats := describe(inferValues)
		summary.Inference = InferenceStats{
			AvgMS: stats.Avg,
			MinMS: stats.Min,
			MaxMS: stats.Max,
			P95MS: round2(Percentile(inferValues, 95)),
		}
	}

	if len(gpuValues) > 0 {
		stats := describe(gpuValues)
		summary.GPU = &GPUStats{
			AvgMemoryMB: stats.Avg,
			MinMemoryMB: stats.Min,
			MaxMemoryMB: stats.Max,
		}
	}

	summary.Health = Health{
		CPUStatus:       flag(summary.CPU.Avg > m.thresholds.CPUHighPercent, "high"),
		MemoryStatus:    flag(summary.Memory.Avg > m.thresholds.MemoryHighPercent, "high"),
		InferenceStatus: flag(summary.Inference.AvgMS > m.thresholds.InferenceSlowMS, "slow"),
	}
	return summary, nil
}

// Percentile computes the p-th percentile of values using linear
// interpolation between closest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	if lower >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}

func (m *Monitor) processMemoryMB() float64 {
	if m.proc == nil {
		return 0
	}
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return float64(info.RSS) / 1024 / 1024
}

func describe(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	minVal, maxVal := values[0], values[0]
	for _, v := range values[1:] {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	return Stats{
		Avg: round2(average(values)),
		Min: round2(minVal),
		Max: round2(maxVal),
	}
}

func average(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func flag(bad bool, label string) string {
	if bad {
		return label
	}
	return "normal"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
