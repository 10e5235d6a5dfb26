package faults

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRecords bounds the tracker's rolling buffer.
const DefaultMaxRecords = 1000

// Record is an immutable error event held in the tracker's rolling buffer.
type Record struct {
	Timestamp  time.Time      `json:"timestamp"`
	ErrorID    string         `json:"error_id"`
	Category   Category       `json:"category"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	RetryCount int            `json:"retry_count"`
}

// Statistics aggregates the records inside a time window.
type Statistics struct {
	TimePeriodHours  int            `json:"time_period_hours"`
	TotalErrors      int            `json:"total_errors"`
	ErrorRatePerHour float64        `json:"error_rate_per_hour"`
	ByCategory       map[string]int `json:"by_category"`
	BySeverity       map[string]int `json:"by_severity"`
	MostCommonErrors map[string]int `json:"most_common_errors"`
}

// HealthThresholds configure the health derivation rule.
type HealthThresholds struct {
	// DegradedTotal is the number of errors in the last hour above which the
	// system reports degraded.
	DegradedTotal int
}

// Health status values consumed by the health endpoints.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Tracker keeps a bounded rolling window of categorized error events and
// derives rate and health statistics from it. Safe for concurrent use from
// all workers; one tracker instance is constructed per process and passed
// explicitly to every component that records into it.
type Tracker struct {
	mu         sync.Mutex
	maxRecords int
	records    []Record
	counts     map[string]int
	logger     *slog.Logger
	now        func() time.Time
}

// NewTracker creates a tracker with the given buffer capacity.
func NewTracker(maxRecords int, logger *slog.Logger) *Tracker {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Tracker{
		maxRecords: maxRecords,
		counts:     make(map[string]int),
		logger:     logger,
		now:        time.Now,
	}
}

// Record appends an error event and returns its stable error ID. The oldest
// record is evicted once capacity is exceeded.
func (t *Tracker) Record(err error, category Category, severity Severity, context map[string]any) string {
	errorID := uuid.NewString()[:8]

	record := Record{
		Timestamp: t.now(),
		ErrorID:   errorID,
		Category:  category,
		Severity:  severity,
		Message:   err.Error(),
		Context:   context,
	}
	if retries, ok := context["attempt"].(int); ok {
		record.RetryCount = retries - 1
	}

	key := fmt.Sprintf("%s:%s", category, errorType(err))

	t.mu.Lock()
	t.records = append(t.records, record)
	if len(t.records) > t.maxRecords {
		t.records = append(t.records[:0:0], t.records[len(t.records)-t.maxRecords:]...)
	}
	t.counts[key]++
	t.mu.Unlock()

	t.log(severity, errorID, category, err, context)
	return errorID
}

// Statistics aggregates records whose timestamp falls inside
// [now - windowHours, now].
func (t *Tracker) Statistics(windowHours int) Statistics {
	cutoff := t.now().Add(-time.Duration(windowHours) * time.Hour)

	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Statistics{
		TimePeriodHours: windowHours,
		ByCategory:      make(map[string]int),
		BySeverity:      make(map[string]int),
	}

	for _, record := range t.records {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		stats.TotalErrors++
		stats.ByCategory[string(record.Category)]++
		stats.BySeverity[string(record.Severity)]++
	}

	hours := windowHours
	if hours < 1 {
		hours = 1
	}
	stats.ErrorRatePerHour = float64(stats.TotalErrors) / float64(hours)
	stats.MostCommonErrors = t.topErrorKeys(5)
	return stats
}

// Health derives the process health from the last hour of records:
// unhealthy if any critical record exists, degraded if the total exceeds the
// configured threshold, healthy otherwise.
func (t *Tracker) Health(thresholds HealthThresholds) string {
	stats := t.Statistics(1)

	if stats.BySeverity[string(SeverityCritical)] > 0 {
		return HealthUnhealthy
	}
	if stats.TotalErrors > thresholds.DegradedTotal {
		return HealthDegraded
	}
	return HealthHealthy
}

// topErrorKeys returns the k most frequent (category:type) keys. Caller must
// hold t.mu.
func (t *Tracker) topErrorKeys(k int) map[string]int {
	type entry struct {
		key   string
		count int
	}
	entries := make([]entry, 0, len(t.counts))
	for key, count := range t.counts {
		entries = append(entries, entry{key, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].key < entries[j].key
	})

	top := make(map[string]int)
	for i := 0; i < len(entries) && i < k; i++ {
		top[entries[i].key] = entries[i].count
	}
	return top
}

func (t *Tracker) log(severity Severity, errorID string, category Category, err error, context map[string]any) {
	attrs := []any{
		slog.String("error_id", errorID),
		slog.String("category", string(category)),
		slog.String("error", err.Error()),
		slog.Any("context", context),
	}

	switch severity {
	case SeverityCritical:
		t.logger.Error("Critical error recorded", attrs...)
	case SeverityHigh:
		t.logger.Error("Error recorded", attrs...)
	case SeverityMedium:
		t.logger.Warn("Error recorded", attrs...)
	default:
		t.logger.Info("Error recorded", attrs...)
	}
}

// errorType names the innermost concrete error for frequency counting.
func errorType(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		err = fe.Err
	}
	return fmt.Sprintf("%T", err)
}
