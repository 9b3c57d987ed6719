package gate

import (
	"time"

	"github.com/mcp-toolgate/toolgate-go/internal/permissions"
)

// Interface identifies the surface that originated the request. It selects
// the confirmation path: Headless requests never see an interactive prompt.
type Interface string

const (
	InterfaceWeb      Interface = "web"
	InterfaceTUI      Interface = "tui"
	InterfaceHeadless Interface = "headless"
)

// ExecutionContext scopes one execution request. The zero value is a valid
// anonymous, standard-trust, interactive context.
type ExecutionContext struct {
	ServerID  string    `json:"server_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Interface Interface `json:"interface,omitempty"`

	// SkipConfirmation bypasses the entire confirmation stage. Intended for
	// administrative callers; the bypass itself is audit-logged.
	SkipConfirmation bool `json:"skip_confirmation,omitempty"`
	// StrictMode enables the sanitizer's strict screening for this call on
	// top of whatever the policy configures.
	StrictMode bool     `json:"strict_mode,omitempty"`
	UserRoles  []string `json:"user_roles,omitempty"`

	// ResourceUsage is the caller-reported consumption of the previous call,
	// used for limit checks and anomaly baselines.
	ResourceUsage *permissions.ResourceUsage `json:"resource_usage,omitempty"`

	// Timeout is forwarded opaquely to the tool executor; the gate itself
	// imposes no deadline.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// hasRole reports whether the context carries one of the given roles.
func (c *ExecutionContext) hasRole(roles ...string) bool {
	for _, have := range c.UserRoles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}
