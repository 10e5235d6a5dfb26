package perf

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor() *Monitor {
	return NewMonitor(100, DefaultThresholds(), nil, testLogger())
}

// seed injects samples at fixed offsets from now, bypassing the live probes.
func seed(m *Monitor, now time.Time, samples ...Sample) {
	m.now = func() time.Time { return now }
	for i := range samples {
		if samples[i].Timestamp.IsZero() {
			samples[i].Timestamp = now
		}
	}
	m.samples = append(m.samples, samples...)
}

func TestMonitor_SummaryEmpty(t *testing.T) {
	m := newTestMonitor()

	_, err := m.Summary(5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no samples")
}

func TestMonitor_SummaryStats(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()

	seed(m, now,
		Sample{CPUPercent: 10, MemoryPercent: 40, InferenceMS: 100},
		Sample{CPUPercent: 20, MemoryPercent: 50, InferenceMS: 200},
		Sample{CPUPercent: 30, MemoryPercent: 60, InferenceMS: 300},
		Sample{CPUPercent: 40, MemoryPercent: 70, InferenceMS: 400},
		Sample{CPUPercent: 50, MemoryPercent: 80, InferenceMS: 500},
	)

	summary, err := m.Summary(5)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.SampleCount)
	assert.Equal(t, 5, summary.TimeWindowMinutes)

	assert.Equal(t, Stats{Avg: 30, Min: 10, Max: 50}, summary.CPU)
	assert.Equal(t, Stats{Avg: 60, Min: 40, Max: 80}, summary.Memory)

	assert.Equal(t, 300.0, summary.Inference.AvgMS)
	assert.Equal(t, 100.0, summary.Inference.MinMS)
	assert.Equal(t, 500.0, summary.Inference.MaxMS)

	values := []float64{100, 200, 300, 400, 500}
	assert.Equal(t, round2(Percentile(values, 95)), summary.Inference.P95MS)
}

func TestMonitor_SummaryFiltersOldSamples(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()

	seed(m, now,
		Sample{Timestamp: now.Add(-10 * time.Minute), CPUPercent: 99},
		Sample{Timestamp: now.Add(-1 * time.Minute), CPUPercent: 10},
	)

	summary, err := m.Summary(5)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SampleCount)
	assert.Equal(t, 10.0, summary.CPU.Avg)
}

func TestMonitor_HealthFlags(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		want   Health
	}{
		{
			name:   "all normal",
			sample: Sample{CPUPercent: 50, MemoryPercent: 60, InferenceMS: 1000},
			want:   Health{CPUStatus: "normal", MemoryStatus: "normal", InferenceStatus: "normal"},
		},
		{
			name:   "cpu high",
			sample: Sample{CPUPercent: 95, MemoryPercent: 60, InferenceMS: 1000},
			want:   Health{CPUStatus: "high", MemoryStatus: "normal", InferenceStatus: "normal"},
		},
		{
			name:   "memory high",
			sample: Sample{CPUPercent: 50, MemoryPercent: 90, InferenceMS: 1000},
			want:   Health{CPUStatus: "normal", MemoryStatus: "high", InferenceStatus: "normal"},
		},
		{
			name:   "inference slow",
			sample: Sample{CPUPercent: 50, MemoryPercent: 60, InferenceMS: 6000},
			want:   Health{CPUStatus: "normal", MemoryStatus: "normal", InferenceStatus: "slow"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor()
			seed(m, time.Now(), tt.sample)

			summary, err := m.Summary(5)
			require.NoError(t, err)
			assert.Equal(t, tt.want, summary.Health)
		})
	}
}

func TestMonitor_SummaryGPUOnlyWithProbeData(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()

	gpu := 1024.0
	seed(m, now,
		Sample{CPUPercent: 10, MemoryPercent: 40},
		Sample{CPUPercent: 10, MemoryPercent: 40, GPUMemoryMB: &gpu},
	)

	summary, err := m.Summary(5)
	require.NoError(t, err)
	require.NotNil(t, summary.GPU)
	assert.Equal(t, 1024.0, summary.GPU.AvgMemoryMB)
}

func TestMonitor_SummaryFallsBackToRawLatencies(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()

	// Samples carry no rolling mean yet, but individual calls were measured.
	seed(m, now, Sample{CPUPercent: 10, MemoryPercent: 40})
	m.RecordLatency(120)
	m.RecordLatency(240)

	summary, err := m.Summary(5)
	require.NoError(t, err)
	assert.Equal(t, 180.0, summary.Inference.AvgMS)
	assert.Equal(t, 240.0, summary.Inference.MaxMS)
}

func TestMonitor_MeasureRecordsLatency(t *testing.T) {
	m := newTestMonitor()

	now := time.Now()
	m.now = func() time.Time { return now }

	stop := m.Measure("vision")
	now = now.Add(250 * time.Millisecond)
	stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.latencies, 1)
	assert.InDelta(t, 250, m.latencies[0], 1e-9)
}

func TestMonitor_LatencyWindowBounded(t *testing.T) {
	m := newTestMonitor()

	for i := 0; i < latencyWindow+20; i++ {
		m.RecordLatency(float64(i))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.latencies, latencyWindow)
	assert.Equal(t, float64(20), m.latencies[0])
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	assert.Equal(t, 1.0, Percentile(values, 0))
	assert.Equal(t, 10.0, Percentile(values, 100))
	assert.InDelta(t, 5.5, Percentile(values, 50), 1e-9)
	assert.InDelta(t, 9.55, Percentile(values, 95), 1e-9)

	assert.Equal(t, 0.0, Percentile(nil, 95))
	assert.Equal(t, 42.0, Percentile([]float64{42}, 95))
}
