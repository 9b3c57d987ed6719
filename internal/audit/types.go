// Package audit provides append-only security event logging for the tool
// gate. Every allowed or denied execution produces exactly one audit record;
// trust changes, confirmations, policy violations, and anomalies produce
// their own typed events. The primary sink is structured zap output;
// additional sinks (rotating file, bbolt) are pluggable.
package audit

import "time"

// EventType is the closed set of security event kinds.
type EventType string

const (
	EventToolExecution         EventType = "tool_execution"
	EventTrustGranted          EventType = "trust_granted"
	EventTrustRevoked          EventType = "trust_revoked"
	EventAccessDenied          EventType = "access_denied"
	EventConfirmationRequested EventType = "confirmation_requested"
	EventConfirmationResponse  EventType = "confirmation_response"
	EventPolicyViolation       EventType = "policy_violation"
	EventAnomalyDetected       EventType = "anomaly_detected"
)

// SecurityEvent is one append-only audit record. Parameters are stored
// post-masking; raw secrets never reach a sink.
type SecurityEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Actor      string         `json:"actor,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ServerID   string         `json:"server_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	RiskLevel  string         `json:"risk_level,omitempty"`
	Decision   string         `json:"decision,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink receives finalized (masked, identified, timestamped) events.
// Implementations must tolerate concurrent writers.
type Sink interface {
	Write(event *SecurityEvent) error
}
