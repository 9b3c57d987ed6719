package anomaly

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcp-toolgate/toolgate-go/internal/audit"
)

const (
	// MaxHistoryEvents caps the rolling event window; the oldest events are
	// evicted first.
	MaxHistoryEvents = 1000
	// baselineInterval is how often per-user baselines are recomputed.
	baselineInterval = 5 * time.Minute
	// purgeInterval is how often settled anomalies are swept.
	purgeInterval = time.Hour
	// retentionPeriod keeps settled anomalies queryable before purging.
	retentionPeriod = 7 * 24 * time.Hour
)

// ErrNotFound is returned when an anomaly ID does not exist. It is a lookup
// failure, not a security denial.
var ErrNotFound = errors.New("anomaly not found")

// MetricsRecorder receives anomaly counts as they change.
// *observability.Metrics satisfies it.
type MetricsRecorder interface {
	RecordAnomaly(anomalyType, severity string)
	SetActiveAnomalies(count int)
}

// Service is the anomaly detection engine. All state is guarded by one
// mutex: events, baselines, anomalies, and thresholds. Detector execution
// happens synchronously inside RecordEvent so a caller's subsequent
// AnalyzeContext observes every effect of its own prior records.
type Service struct {
	mu         sync.Mutex
	history    []*Event
	baselines  map[string]*Baseline
	anomalies  map[string]*Anomaly
	thresholds *Thresholds
	detectors  []Detector

	auditor *audit.Logger
	logger  *zap.Logger
	metrics MetricsRecorder
	stopCh  chan struct{}
	stopped sync.Once
	now     func() time.Time
}

// NewService creates the detector service and starts its two background
// loops. Call Stop to halt them.
func NewService(thresholds *Thresholds, auditor *audit.Logger, logger *zap.Logger) *Service {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	if auditor == nil {
		auditor = audit.NewLogger(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		baselines:  make(map[string]*Baseline),
		anomalies:  make(map[string]*Anomaly),
		thresholds: thresholds,
		detectors:  defaultDetectors(),
		auditor:    auditor,
		logger:     logger,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	go s.baselineLoop()
	go s.purgeLoop()
	return s
}

// SetMetrics attaches a metrics recorder. Pass nil to detach.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Stop halts the background loops. Safe to call more than once.
func (s *Service) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// RecordEvent ingests one event: appends it to the rolling window, runs
// every detector, and stores and audit-logs any produced anomalies. It is
// fire-and-forget for the caller: detector failures are contained and
// logged, never propagated.
func (s *Service) RecordEvent(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, event)
	if len(s.history) > MaxHistoryEvents {
		s.history = s.history[len(s.history)-MaxHistoryEvents:]
	}

	baseline := s.baselines[event.UserID]

	for _, det := range s.detectors {
		for _, a := range s.runDetector(det, event, baseline) {
			s.storeLocked(a)
		}
	}
}

// runDetector isolates one detector invocation; a panicking detector is
// logged and contributes nothing (fail-open for detection).
func (s *Service) runDetector(det Detector, event *Event, baseline *Baseline) (anomalies []*Anomaly) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("anomaly detector failed",
				zap.String("detector", det.Name()),
				zap.Any("panic", r))
			anomalies = nil
		}
	}()
	return det.Detect(event, s.history, baseline, s.thresholds)
}

// storeLocked finalizes and stores one anomaly and emits its audit event.
func (s *Service) storeLocked(a *Anomaly) {
	now := s.now()
	a.ID = uuid.NewString()
	a.Status = StatusDetected
	a.Score = scoreFor(a.Severity, a.Type, a.Evidence)
	a.DetectedAt = now
	a.UpdatedAt = now
	s.anomalies[a.ID] = a

	s.auditor.LogAnomalyDetected(a.UserID, a.ToolName, a.ServerID,
		a.ID, string(a.Type), string(a.Severity), a.Description)

	if s.metrics != nil {
		s.metrics.RecordAnomaly(string(a.Type), string(a.Severity))
		s.metrics.SetActiveAnomalies(s.activeCountLocked())
	}
}

func (s *Service) activeCountLocked() int {
	n := 0
	for _, a := range s.anomalies {
		if a.Status.Active() {
			n++
		}
	}
	return n
}

// AnalyzeContext returns active anomalies matching the given scope. Empty
// fields act as wildcards, so AnalyzeContext("", "", "") returns every
// active anomaly.
func (s *Service) AnalyzeContext(userID, serverID, toolName string) []*Anomaly {
	return s.ActiveAnomalies(Filter{UserID: userID, ServerID: serverID, ToolName: toolName})
}

// ActiveAnomalies returns non-settled anomalies matching the filter.
func (s *Service) ActiveAnomalies(filter Filter) []*Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Anomaly
	for _, a := range s.anomalies {
		if a.Status.Active() && filter.Matches(a) {
			out = append(out, cloneAnomaly(a))
		}
	}
	return out
}

// Anomalies returns all stored anomalies matching the filter, regardless of
// status.
func (s *Service) Anomalies(filter Filter) []*Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Anomaly
	for _, a := range s.anomalies {
		if filter.Matches(a) {
			out = append(out, cloneAnomaly(a))
		}
	}
	return out
}

// UpdateStatus transitions an anomaly's lifecycle state. Unknown IDs return
// ErrNotFound.
func (s *Service) UpdateStatus(id string, status Status, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.anomalies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Status = status
	a.UpdatedBy = updatedBy
	a.UpdatedAt = s.now()
	if s.metrics != nil {
		s.metrics.SetActiveAnomalies(s.activeCountLocked())
	}
	return nil
}

// ConfigureThresholds applies a partial threshold update. Keys use the json
// names of Thresholds; unknown keys and non-positive values are dropped
// silently rather than erroring.
func (s *Service) ConfigureThresholds(updates map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range updates {
		if value <= 0 {
			continue
		}
		switch key {
		case "max_tools_per_minute":
			s.thresholds.MaxToolsPerMinute = int(value)
		case "off_hours_score_threshold":
			s.thresholds.OffHoursScoreThreshold = value
		case "burst_activity_threshold":
			s.thresholds.BurstMultiplier = value
		case "cpu_usage_multiplier":
			s.thresholds.CPUMultiplier = value
		case "memory_usage_multiplier":
			s.thresholds.MemoryMultiplier = value
		case "new_tool_usage_threshold":
			s.thresholds.NewToolUsageThreshold = value
		}
	}
}

// Thresholds returns a copy of the current detector tuning.
func (s *Service) Thresholds() Thresholds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.thresholds
}

// Statistics summarizes detector state for the management API.
type Statistics struct {
	HistoryEvents int            `json:"history_events"`
	Baselines     int            `json:"baselines"`
	Total         int            `json:"total_anomalies"`
	Active        int            `json:"active_anomalies"`
	ByType        map[string]int `json:"by_type"`
	BySeverity    map[string]int `json:"by_severity"`
	ByStatus      map[string]int `json:"by_status"`
}

// Stats aggregates counters over the stored anomalies.
func (s *Service) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{
		HistoryEvents: len(s.history),
		Baselines:     len(s.baselines),
		Total:         len(s.anomalies),
		ByType:        make(map[string]int),
		BySeverity:    make(map[string]int),
		ByStatus:      make(map[string]int),
	}
	for _, a := range s.anomalies {
		if a.Status.Active() {
			stats.Active++
		}
		stats.ByType[string(a.Type)]++
		stats.BySeverity[string(a.Severity)]++
		stats.ByStatus[string(a.Status)]++
	}
	return stats
}

// RecomputeBaselines rebuilds per-user baselines from the retained window
// immediately. The baseline loop calls this on its interval; tests and the
// management API may call it directly.
func (s *Service) RecomputeBaselines() {
	s.mu.Lock()
	history := append([]*Event(nil), s.history...)
	now := s.now()
	s.mu.Unlock()

	// Compute outside the lock and swap the finished map in.
	fresh := computeBaselines(history, now)

	s.mu.Lock()
	s.baselines = fresh
	s.mu.Unlock()
}

// PurgeSettled removes settled anomalies older than the retention period.
// Returns the number purged.
func (s *Service) PurgeSettled() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retentionPeriod)
	purged := 0
	for id, a := range s.anomalies {
		if a.Status.Settled() && a.UpdatedAt.Before(cutoff) {
			delete(s.anomalies, id)
			purged++
		}
	}
	if purged > 0 && s.metrics != nil {
		s.metrics.SetActiveAnomalies(s.activeCountLocked())
	}
	return purged
}

func (s *Service) baselineLoop() {
	ticker := time.NewTicker(baselineInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RecomputeBaselines()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) purgeLoop() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.PurgeSettled(); n > 0 {
				s.logger.Debug("purged settled anomalies", zap.Int("count", n))
			}
		case <-s.stopCh:
			return
		}
	}
}

func cloneAnomaly(a *Anomaly) *Anomaly {
	cp := *a
	if a.Evidence != nil {
		cp.Evidence = make(map[string]any, len(a.Evidence))
		for k, v := range a.Evidence {
			cp.Evidence[k] = v
		}
	}
	return &cp
}
