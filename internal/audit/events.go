package audit

// The typed constructors below are the only way framework components emit
// audit records; all of them funnel into LogEvent.

// LogToolExecution records the outcome of one execution attempt. Exactly one
// such record exists per allowed-or-denied call.
func (l *Logger) LogToolExecution(actor, userID, sessionID, toolName, serverID string,
	params map[string]any, riskLevel, decision, reason string, metadata map[string]any) {
	l.LogEvent(&SecurityEvent{
		Type:       EventToolExecution,
		Actor:      actor,
		UserID:     userID,
		SessionID:  sessionID,
		ToolName:   toolName,
		ServerID:   serverID,
		Parameters: params,
		RiskLevel:  riskLevel,
		Decision:   decision,
		Reason:     reason,
		Metadata:   metadata,
	})
}

// LogTrustGranted records a trust level grant for a server.
func (l *Logger) LogTrustGranted(actor, serverID, level, reason string) {
	l.LogEvent(&SecurityEvent{
		Type:     EventTrustGranted,
		Actor:    actor,
		ServerID: serverID,
		Decision: "allow",
		Reason:   reason,
		Metadata: map[string]any{"trust_level": level},
	})
}

// LogTrustRevoked records a trust revocation for a server.
func (l *Logger) LogTrustRevoked(actor, serverID, reason string) {
	l.LogEvent(&SecurityEvent{
		Type:     EventTrustRevoked,
		Actor:    actor,
		ServerID: serverID,
		Decision: "deny",
		Reason:   reason,
	})
}

// LogAccessDenied records a denial before execution (permissions or
// sanitization).
func (l *Logger) LogAccessDenied(actor, userID, toolName, serverID string,
	params map[string]any, riskLevel, reason string) {
	l.LogEvent(&SecurityEvent{
		Type:       EventAccessDenied,
		Actor:      actor,
		UserID:     userID,
		ToolName:   toolName,
		ServerID:   serverID,
		Parameters: params,
		RiskLevel:  riskLevel,
		Decision:   "deny",
		Reason:     reason,
	})
}

// LogConfirmationRequested records that a confirmation prompt was raised.
func (l *Logger) LogConfirmationRequested(actor, userID, toolName, serverID, riskLevel, reason string) {
	l.LogEvent(&SecurityEvent{
		Type:      EventConfirmationRequested,
		Actor:     actor,
		UserID:    userID,
		ToolName:  toolName,
		ServerID:  serverID,
		RiskLevel: riskLevel,
		Reason:    reason,
	})
}

// LogConfirmationResponse records the resolved confirmation choice.
func (l *Logger) LogConfirmationResponse(actor, userID, toolName, serverID, choice, decision, reason string) {
	l.LogEvent(&SecurityEvent{
		Type:     EventConfirmationResponse,
		Actor:    actor,
		UserID:   userID,
		ToolName: toolName,
		ServerID: serverID,
		Decision: decision,
		Reason:   reason,
		Metadata: map[string]any{"choice": choice},
	})
}

// LogPolicyViolation records a breached permission or resource rule.
func (l *Logger) LogPolicyViolation(actor, userID, toolName, serverID, reason string, metadata map[string]any) {
	l.LogEvent(&SecurityEvent{
		Type:     EventPolicyViolation,
		Actor:    actor,
		UserID:   userID,
		ToolName: toolName,
		ServerID: serverID,
		Decision: "deny",
		Reason:   reason,
		Metadata: metadata,
	})
}

// LogAnomalyDetected records a newly stored anomaly.
func (l *Logger) LogAnomalyDetected(userID, toolName, serverID, anomalyID, anomalyType, severity, description string) {
	l.LogEvent(&SecurityEvent{
		Type:      EventAnomalyDetected,
		Actor:     "anomaly_detector",
		UserID:    userID,
		ToolName:  toolName,
		ServerID:  serverID,
		RiskLevel: severity,
		Reason:    description,
		Metadata: map[string]any{
			"anomaly_id":   anomalyID,
			"anomaly_type": anomalyType,
		},
	})
}
