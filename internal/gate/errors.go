package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mcp-toolgate/toolgate-go/internal/anomaly"
	"github.com/mcp-toolgate/toolgate-go/internal/confirm"
	"github.com/mcp-toolgate/toolgate-go/internal/permissions"
)

// ErrNoExecutor is returned, wrapped in ExecutionFailedError, when the
// pipeline allows a call but no ToolExecutor was configured.
var ErrNoExecutor = errors.New("no tool executor configured")

// The denial taxonomy. Every terminal error is audit-logged before being
// returned; a Deny is final for the call and the caller must re-invoke the
// full pipeline. PolicyLookupFailed does not appear here: it is recovered
// internally by falling back to global defaults.

// PermissionDeniedError reports a failed permission or resource-limit check.
type PermissionDeniedError struct {
	Reason     string
	Violations []permissions.Violation
}

func (e *PermissionDeniedError) Error() string {
	if len(e.Violations) > 0 {
		parts := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			parts[i] = v.Reason
		}
		return fmt.Sprintf("permission denied: %s", strings.Join(parts, "; "))
	}
	return fmt.Sprintf("permission denied: %s", e.Reason)
}

// SanitizationBlockedError reports parameters rejected by the sanitizer.
type SanitizationBlockedError struct {
	Reason   string
	Warnings []string
}

func (e *SanitizationBlockedError) Error() string {
	return fmt.Sprintf("sanitization blocked: %s", e.Reason)
}

// AnomalyDetectedError reports pre-existing high-severity anomalies in the
// execution context.
type AnomalyDetectedError struct {
	Anomalies []*anomaly.Anomaly
}

func (e *AnomalyDetectedError) Error() string {
	return fmt.Sprintf("execution blocked: %d active high-severity anomalies in context", len(e.Anomalies))
}

// SecurityDeniedError reports a denial from the confirmation layer.
type SecurityDeniedError struct {
	Confirmation *confirm.Result
}

func (e *SecurityDeniedError) Error() string {
	if e.Confirmation != nil && e.Confirmation.Message != "" {
		return fmt.Sprintf("security denied: %s", e.Confirmation.Message)
	}
	return "security denied"
}

// ExecutionFailedError wraps a failure from the external tool executor. It is
// the only taxonomy member produced after the gate allowed the call.
type ExecutionFailedError struct {
	ToolName string
	Err      error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution of %q failed: %v", e.ToolName, e.Err)
}

func (e *ExecutionFailedError) Unwrap() error {
	return e.Err
}
