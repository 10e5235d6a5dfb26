package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasetai/orchestrator/internal/faults"
	"github.com/kasetai/orchestrator/internal/perf"
)

type stubCounter struct {
	active int
}

func (s *stubCounter) ActiveJobs() int { return s.active }

type monitoringFixture struct {
	router  *gin.Engine
	tracker *faults.Tracker
	monitor *perf.Monitor
	counter *stubCounter
}

func newMonitoringFixture(t *testing.T) *monitoringFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := testLogger()
	tracker := faults.NewTracker(100, logger)
	monitor := perf.NewMonitor(100, perf.DefaultThresholds(), nil, logger)
	counter := &stubCounter{active: 2}

	h := NewMonitoringHandler(logger, tracker, monitor, counter, faults.HealthThresholds{DegradedTotal: 3})

	router := gin.New()
	router.GET("/health", h.Health)
	router.GET("/monitoring/errors", h.Errors)
	router.GET("/monitoring/performance", h.Performance)

	return &monitoringFixture{router: router, tracker: tracker, monitor: monitor, counter: counter}
}

func (f *monitoringFixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestMonitoringErrors(t *testing.T) {
	f := newMonitoringFixture(t)
	f.tracker.Record(errors.New("boom"), faults.CategoryProcessing, faults.SeverityMedium, nil)

	rec := f.get("/monitoring/errors")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats faults.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalErrors)
	assert.Equal(t, 24, stats.TimePeriodHours)
}

func TestMonitoringErrors_BadWindow(t *testing.T) {
	f := newMonitoringFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.get("/monitoring/errors?window_hours=0").Code)
	assert.Equal(t, http.StatusBadRequest, f.get("/monitoring/errors?window_hours=soon").Code)
}

func TestMonitoringPerformance(t *testing.T) {
	f := newMonitoringFixture(t)

	// No samples yet: degrade to an explanatory body, not a failure status.
	rec := f.get("/monitoring/performance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no samples")

	f.monitor.RecordLatency(120)
	f.monitor.Sample(0, 1)

	rec = f.get("/monitoring/performance?window_minutes=10")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary perf.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.SampleCount)
	assert.Equal(t, 10, summary.TimeWindowMinutes)
}

func TestMonitoringHealth(t *testing.T) {
	f := newMonitoringFixture(t)

	t.Run("healthy", func(t *testing.T) {
		rec := f.get("/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "inference-worker", body["service"])
		assert.Equal(t, float64(2), body["active_jobs"])
	})

	t.Run("unhealthy on critical error", func(t *testing.T) {
		f.tracker.Record(errors.New("GPU device lost"), faults.CategoryModel, faults.SeverityCritical, nil)

		rec := f.get("/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "unhealthy")
	})
}
