// Package anomaly detects deviations from expected tool usage behavior. A
// rolling event window feeds six independent detectors; produced anomalies
// are stored, audit-logged, and exposed through a filtered query API. Two
// background loops recompute per-user baselines and purge settled anomalies.
package anomaly

import "time"

// Type is the closed set of anomaly categories.
type Type string

const (
	TypeUsagePattern      Type = "usage_pattern"
	TypeAccessPattern     Type = "access_pattern"
	TypeTemporalPattern   Type = "temporal_pattern"
	TypeParameterPattern  Type = "parameter_pattern"
	TypeResourcePattern   Type = "resource_pattern"
	TypeBehavioralPattern Type = "behavioral_pattern"
)

// Severity classifies how alarming an anomaly is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityBase is the score contribution of each severity.
var severityBase = map[Severity]float64{
	SeverityLow:      0.3,
	SeverityMedium:   0.6,
	SeverityHigh:     0.8,
	SeverityCritical: 1.0,
}

// typeModifier is the score contribution of each anomaly type.
var typeModifier = map[Type]float64{
	TypeAccessPattern:     0.25,
	TypeParameterPattern:  0.2,
	TypeUsagePattern:      0.15,
	TypeBehavioralPattern: 0.1,
	TypeTemporalPattern:   0.1,
	TypeResourcePattern:   0.05,
}

// Status tracks the lifecycle of an anomaly.
type Status string

const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusConfirmed     Status = "confirmed"
	StatusFalsePositive Status = "false_positive"
	StatusResolved      Status = "resolved"
)

// Settled reports whether the anomaly has reached a terminal status and is
// eligible for retention-based purging.
func (s Status) Settled() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Active reports whether the anomaly still represents a live concern.
func (s Status) Active() bool {
	return !s.Settled()
}

// Anomaly is one detected behavioral deviation.
type Anomaly struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Severity    Severity       `json:"severity"`
	Status      Status         `json:"status"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Score       float64        `json:"score"`
	DetectedAt  time.Time      `json:"detected_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	UserID      string         `json:"user_id,omitempty"`
	ServerID    string         `json:"server_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	UpdatedBy   string         `json:"updated_by,omitempty"`
}

// scoreFor computes the anomaly score: severity base plus type modifier,
// plus a small bump for evidence-rich anomalies, clamped to 1.0.
func scoreFor(severity Severity, typ Type, evidence map[string]any) float64 {
	score := severityBase[severity] + typeModifier[typ]
	if len(evidence) > 5 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Event is one observed tool execution attempt fed into the detector.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	UserID     string         `json:"user_id"`
	ServerID   string         `json:"server_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// CPUPercent and MemoryMB are optional post-execution usage readings;
	// nil means the caller did not report them.
	CPUPercent *float64 `json:"cpu_percent,omitempty"`
	MemoryMB   *float64 `json:"memory_mb,omitempty"`
}

// Filter selects anomalies by scope and state. Zero-valued fields act as
// wildcards.
type Filter struct {
	UserID   string
	ServerID string
	ToolName string
	Severity Severity
	Status   Status
}

// Matches reports whether the anomaly satisfies every non-zero filter field.
func (f Filter) Matches(a *Anomaly) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.ServerID != "" && a.ServerID != f.ServerID {
		return false
	}
	if f.ToolName != "" && a.ToolName != f.ToolName {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

// Thresholds tune the detectors. Values are adjustable at runtime through
// ConfigureThresholds; unknown or non-positive entries are dropped silently.
type Thresholds struct {
	MaxToolsPerMinute      int     `json:"max_tools_per_minute"`
	OffHoursScoreThreshold float64 `json:"off_hours_score_threshold"`
	BurstMultiplier        float64 `json:"burst_activity_threshold"`
	CPUMultiplier          float64 `json:"cpu_usage_multiplier"`
	MemoryMultiplier       float64 `json:"memory_usage_multiplier"`
	NewToolUsageThreshold  float64 `json:"new_tool_usage_threshold"`
}

// DefaultThresholds returns the stock detector tuning.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		MaxToolsPerMinute:      20,
		OffHoursScoreThreshold: 0.6,
		BurstMultiplier:        5.0,
		CPUMultiplier:          3.0,
		MemoryMultiplier:       2.0,
		NewToolUsageThreshold:  0.7,
	}
}

// Baseline summarizes a user's normal behavior, recomputed periodically from
// the retained event window.
type Baseline struct {
	UserID              string          `json:"user_id"`
	CommonTools         map[string]bool `json:"common_tools"`
	AvgEventsPerMinute  float64         `json:"avg_events_per_minute"`
	AvgCPUPercent       float64         `json:"avg_cpu_percent"`
	AvgMemoryMB         float64         `json:"avg_memory_mb"`
	NormalHoursActivity float64         `json:"normal_hours_activity"`
	ComputedAt          time.Time       `json:"computed_at"`
}

// offHours reports whether t falls in the 22:00-06:00 window.
func offHours(t time.Time) bool {
	h := t.Hour()
	return h >= 22 || h < 6
}
