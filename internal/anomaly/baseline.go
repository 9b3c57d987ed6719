package anomaly

import "time"

// computeBaselines derives fresh per-user baselines from the retained event
// window. The result is a new map; callers swap it in rather than mutating
// the previous generation in place.
func computeBaselines(history []*Event, now time.Time) map[string]*Baseline {
	type acc struct {
		tools      map[string]bool
		events     int
		cpuSum     float64
		cpuCount   int
		memSum     float64
		memCount   int
		normal     int
	}
	byUser := make(map[string]*acc)

	for _, ev := range history {
		if ev.UserID == "" {
			continue
		}
		a, ok := byUser[ev.UserID]
		if !ok {
			a = &acc{tools: make(map[string]bool)}
			byUser[ev.UserID] = a
		}
		a.events++
		a.tools[ev.ToolName] = true
		if ev.CPUPercent != nil {
			a.cpuSum += *ev.CPUPercent
			a.cpuCount++
		}
		if ev.MemoryMB != nil {
			a.memSum += *ev.MemoryMB
			a.memCount++
		}
		if !offHours(ev.Timestamp) {
			a.normal++
		}
	}

	baselines := make(map[string]*Baseline, len(byUser))
	for userID, a := range byUser {
		b := &Baseline{
			UserID:             userID,
			CommonTools:        a.tools,
			AvgEventsPerMinute: float64(a.events) / 60.0,
			ComputedAt:         now,
		}
		if a.cpuCount > 0 {
			b.AvgCPUPercent = a.cpuSum / float64(a.cpuCount)
		}
		if a.memCount > 0 {
			b.AvgMemoryMB = a.memSum / float64(a.memCount)
		}
		if a.events > 0 {
			b.NormalHoursActivity = float64(a.normal) / float64(a.events)
		}
		baselines[userID] = b
	}
	return baselines
}
