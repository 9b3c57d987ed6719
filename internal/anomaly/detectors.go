package anomaly

import (
	"fmt"
	"strings"
	"time"
)

// Detector inspects one event against the retained window and produces zero
// or more anomalies. Implementations must be pure with respect to their
// inputs; the service owns storage and audit emission.
type Detector interface {
	Name() string
	Detect(event *Event, history []*Event, baseline *Baseline, th *Thresholds) []*Anomaly
}

// catalogueEntry is one named detection pattern with a fixed severity.
type catalogueEntry struct {
	Name      string
	Severity  Severity
	Fragments []string
}

// patternCatalogue is the fixed set of named attack patterns. Entries without
// fragments (rapid_tool_switching) are referenced by behavioral detectors for
// their severity rather than matched against parameter values.
var patternCatalogue = []catalogueEntry{
	{Name: "directory_traversal", Severity: SeverityHigh, Fragments: []string{"../", "..\\"}},
	{Name: "command_injection", Severity: SeverityCritical, Fragments: []string{"; rm", "&& rm", "$(", "`", "| sh", "| bash"}},
	{Name: "sql_injection", Severity: SeverityHigh, Fragments: []string{"' or ", "union select", "drop table", "; --"}},
	{Name: "script_injection", Severity: SeverityHigh, Fragments: []string{"<script", "javascript:", "onerror="}},
	{Name: "rapid_tool_switching", Severity: SeverityMedium},
	{Name: "privilege_escalation_attempt", Severity: SeverityCritical, Fragments: []string{"sudo ", "su -", "chmod +s", "setuid", "pkexec"}},
	{Name: "sensitive_file_access", Severity: SeverityHigh, Fragments: []string{"/etc/passwd", "/etc/shadow", ".ssh/", "id_rsa", ".aws/credentials", ".env"}},
}

func catalogueSeverity(name string) Severity {
	for _, entry := range patternCatalogue {
		if entry.Name == name {
			return entry.Severity
		}
	}
	return SeverityMedium
}

// defaultDetectors returns the six built-in detectors in evaluation order.
func defaultDetectors() []Detector {
	return []Detector{
		usagePatternDetector{},
		parameterPatternDetector{},
		temporalPatternDetector{},
		accessPatternDetector{},
		resourcePatternDetector{},
		behavioralPatternDetector{},
	}
}

// --- usage_pattern ---

// usagePatternDetector flags users switching between unusually many distinct
// tools inside one minute.
type usagePatternDetector struct{}

func (usagePatternDetector) Name() string { return "usage_pattern" }

func (usagePatternDetector) Detect(event *Event, history []*Event, _ *Baseline, th *Thresholds) []*Anomaly {
	// The history window already contains the event being evaluated.
	cutoff := event.Timestamp.Add(-time.Minute)
	tools := map[string]bool{event.ToolName: true}
	for _, past := range history {
		if past.UserID == event.UserID && past.Timestamp.After(cutoff) {
			tools[past.ToolName] = true
		}
	}
	if len(tools) <= th.MaxToolsPerMinute {
		return nil
	}
	return []*Anomaly{{
		Type:        TypeUsagePattern,
		Severity:    catalogueSeverity("rapid_tool_switching"),
		Description: fmt.Sprintf("user %s used %d distinct tools in the last minute (threshold %d)", event.UserID, len(tools), th.MaxToolsPerMinute),
		Evidence: map[string]any{
			"distinct_tools": len(tools),
			"threshold":      th.MaxToolsPerMinute,
		},
		UserID:   event.UserID,
		ServerID: event.ServerID,
		ToolName: event.ToolName,
	}}
}

// --- parameter_pattern ---

// parameterPatternDetector matches every string parameter value against the
// fragment catalogue, case-insensitively.
type parameterPatternDetector struct{}

func (parameterPatternDetector) Name() string { return "parameter_pattern" }

func (parameterPatternDetector) Detect(event *Event, _ []*Event, _ *Baseline, _ *Thresholds) []*Anomaly {
	var anomalies []*Anomaly
	walkStrings(event.Parameters, func(key, value string) {
		low := strings.ToLower(value)
		for _, entry := range patternCatalogue {
			if len(entry.Fragments) == 0 {
				continue
			}
			for _, frag := range entry.Fragments {
				if !strings.Contains(low, frag) {
					continue
				}
				anomalies = append(anomalies, &Anomaly{
					Type:        TypeParameterPattern,
					Severity:    entry.Severity,
					Description: fmt.Sprintf("parameter %q matches pattern %s", key, entry.Name),
					Evidence: map[string]any{
						"pattern":   entry.Name,
						"parameter": key,
						"value":     truncateEvidence(value, 100),
					},
					UserID:   event.UserID,
					ServerID: event.ServerID,
					ToolName: event.ToolName,
				})
				break
			}
		}
	})
	return anomalies
}

// walkStrings visits every string value in a parameter tree with its key.
func walkStrings(value any, visit func(key, value string)) {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			if str, ok := nested.(string); ok {
				visit(key, str)
			} else {
				walkStrings(nested, visit)
			}
		}
	case []any:
		for _, nested := range v {
			if str, ok := nested.(string); ok {
				visit("item", str)
			} else {
				walkStrings(nested, visit)
			}
		}
	}
}

func truncateEvidence(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// --- temporal_pattern ---

// temporalPatternDetector flags off-hours activity for normally daytime
// users, and bursts well above the user's baseline event rate.
type temporalPatternDetector struct{}

func (temporalPatternDetector) Name() string { return "temporal_pattern" }

func (temporalPatternDetector) Detect(event *Event, history []*Event, baseline *Baseline, th *Thresholds) []*Anomaly {
	var anomalies []*Anomaly

	if offHours(event.Timestamp) && baseline != nil && baseline.NormalHoursActivity > th.OffHoursScoreThreshold {
		anomalies = append(anomalies, &Anomaly{
			Type:        TypeTemporalPattern,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("off-hours activity by user %s who is normally active during the day", event.UserID),
			Evidence: map[string]any{
				"hour":                  event.Timestamp.Hour(),
				"normal_hours_activity": baseline.NormalHoursActivity,
			},
			UserID:   event.UserID,
			ServerID: event.ServerID,
			ToolName: event.ToolName,
		})
	}

	if baseline != nil && baseline.AvgEventsPerMinute > 0 {
		cutoff := event.Timestamp.Add(-5 * time.Minute)
		recent := 0 // history already includes the current event
		for _, past := range history {
			if past.UserID == event.UserID && !past.Timestamp.Before(cutoff) {
				recent++
			}
		}
		rate := float64(recent) / 5.0
		if rate > baseline.AvgEventsPerMinute*th.BurstMultiplier {
			anomalies = append(anomalies, &Anomaly{
				Type:        TypeTemporalPattern,
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("burst activity: user %s at %.1f events/min vs baseline %.2f", event.UserID, rate, baseline.AvgEventsPerMinute),
				Evidence: map[string]any{
					"events_per_minute": rate,
					"baseline":          baseline.AvgEventsPerMinute,
					"multiplier":        th.BurstMultiplier,
				},
				UserID:   event.UserID,
				ServerID: event.ServerID,
				ToolName: event.ToolName,
			})
		}
	}

	return anomalies
}

// --- access_pattern ---

// sensitiveAccessFragments flags direct reads of credential or system files.
var sensitiveAccessFragments = []string{
	"/etc/passwd", "/etc/shadow", "/etc/sudoers", ".ssh/", "id_rsa",
	".aws/credentials", ".gnupg/", ".env", ".netrc", "system32",
}

type accessPatternDetector struct{}

func (accessPatternDetector) Name() string { return "access_pattern" }

func (accessPatternDetector) Detect(event *Event, _ []*Event, _ *Baseline, _ *Thresholds) []*Anomaly {
	var anomalies []*Anomaly
	walkStrings(event.Parameters, func(key, value string) {
		low := strings.ToLower(value)
		for _, frag := range sensitiveAccessFragments {
			if strings.Contains(low, frag) {
				anomalies = append(anomalies, &Anomaly{
					Type:        TypeAccessPattern,
					Severity:    SeverityHigh,
					Description: fmt.Sprintf("access to sensitive file via parameter %q", key),
					Evidence: map[string]any{
						"parameter": key,
						"fragment":  frag,
						"value":     truncateEvidence(value, 100),
					},
					UserID:   event.UserID,
					ServerID: event.ServerID,
					ToolName: event.ToolName,
				})
				return
			}
		}
	})
	return anomalies
}

// --- resource_pattern ---

// resourcePatternDetector compares reported usage against the user's
// baseline, producing one violation per breached field.
type resourcePatternDetector struct{}

func (resourcePatternDetector) Name() string { return "resource_pattern" }

func (resourcePatternDetector) Detect(event *Event, _ []*Event, baseline *Baseline, th *Thresholds) []*Anomaly {
	if baseline == nil {
		return nil
	}
	var anomalies []*Anomaly

	if event.CPUPercent != nil && baseline.AvgCPUPercent > 0 &&
		*event.CPUPercent > baseline.AvgCPUPercent*th.CPUMultiplier {
		anomalies = append(anomalies, &Anomaly{
			Type:        TypeResourcePattern,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("cpu usage %.1f%% far above baseline %.1f%%", *event.CPUPercent, baseline.AvgCPUPercent),
			Evidence: map[string]any{
				"field":    "cpu_percent",
				"actual":   *event.CPUPercent,
				"baseline": baseline.AvgCPUPercent,
			},
			UserID:   event.UserID,
			ServerID: event.ServerID,
			ToolName: event.ToolName,
		})
	}
	if event.MemoryMB != nil && baseline.AvgMemoryMB > 0 &&
		*event.MemoryMB > baseline.AvgMemoryMB*th.MemoryMultiplier {
		anomalies = append(anomalies, &Anomaly{
			Type:        TypeResourcePattern,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("memory usage %.0f MB far above baseline %.0f MB", *event.MemoryMB, baseline.AvgMemoryMB),
			Evidence: map[string]any{
				"field":    "memory_mb",
				"actual":   *event.MemoryMB,
				"baseline": baseline.AvgMemoryMB,
			},
			UserID:   event.UserID,
			ServerID: event.ServerID,
			ToolName: event.ToolName,
		})
	}
	return anomalies
}

// --- behavioral_pattern ---

// behavioralPatternDetector flags tools a user has never used before. The
// novelty and deviation scoring functions are deliberate placeholders with
// fixed outputs; real statistical models would replace them.
type behavioralPatternDetector struct{}

func (behavioralPatternDetector) Name() string { return "behavioral_pattern" }

func (behavioralPatternDetector) Detect(event *Event, _ []*Event, baseline *Baseline, th *Thresholds) []*Anomaly {
	if baseline == nil {
		return nil
	}
	var anomalies []*Anomaly

	if !baseline.CommonTools[event.ToolName] {
		if novelty := toolNoveltyScore(event, baseline); novelty > th.NewToolUsageThreshold {
			anomalies = append(anomalies, &Anomaly{
				Type:        TypeBehavioralPattern,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("user %s used unfamiliar tool %q", event.UserID, event.ToolName),
				Evidence: map[string]any{
					"novelty_score": novelty,
					"threshold":     th.NewToolUsageThreshold,
				},
				UserID:   event.UserID,
				ServerID: event.ServerID,
				ToolName: event.ToolName,
			})
		}
	}

	if deviation := behavioralDeviationScore(event, baseline); deviation > th.NewToolUsageThreshold {
		anomalies = append(anomalies, &Anomaly{
			Type:        TypeBehavioralPattern,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("behavioral deviation for user %s", event.UserID),
			Evidence:    map[string]any{"deviation_score": deviation},
			UserID:      event.UserID,
			ServerID:    event.ServerID,
			ToolName:    event.ToolName,
		})
	}
	return anomalies
}

// toolNoveltyScore is a placeholder: any unseen tool scores a flat 0.8.
func toolNoveltyScore(_ *Event, _ *Baseline) float64 {
	return 0.8
}

// behavioralDeviationScore is a placeholder pending a real model; it always
// reports no deviation.
func behavioralDeviationScore(_ *Event, _ *Baseline) float64 {
	return 0.0
}
