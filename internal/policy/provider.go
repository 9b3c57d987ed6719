// Package policy defines the security policy surface the gate consumes. The
// framework does not own policy storage; a Provider is an external
// collaborator. StaticProvider is the built-in implementation backed by
// configuration, also used as the fallback when a lookup fails.
package policy

import (
	"github.com/mcp-toolgate/toolgate-go/internal/permissions"
	"github.com/mcp-toolgate/toolgate-go/internal/sanitize"
)

// SecurityPolicy is the effective policy applied to one execution request.
type SecurityPolicy struct {
	ID string `json:"id"`
	// DefaultSecurityLevel is used when the user's roles do not force a
	// level of their own.
	DefaultSecurityLevel permissions.SecurityLevel `json:"default_security_level"`
	// PermissionOverrides are merged over the level defaults (lists union,
	// ceilings override).
	PermissionOverrides *permissions.Permissions `json:"permission_overrides,omitempty"`
	// Sanitizer carries per-policy sanitization options.
	Sanitizer sanitize.Options `json:"sanitizer"`
	// AutoBlockHighRisk denies High-risk calls in headless mode.
	AutoBlockHighRisk bool `json:"auto_block_high_risk"`
}

// GlobalSettings is the provider-wide configuration the gate falls back to.
type GlobalSettings struct {
	DefaultPolicy *SecurityPolicy `json:"default_policy"`
	// EmergencyMode forces the Restricted security level for everyone.
	EmergencyMode bool `json:"emergency_mode"`
}

// Provider resolves effective policies for execution requests. EffectivePolicy
// may fail (remote store, unknown scope); the gate recovers by falling back to
// GlobalSettings().DefaultPolicy.
type Provider interface {
	EffectivePolicy(serverID, userID string) (*SecurityPolicy, error)
	GlobalSettings() *GlobalSettings
	EmergencyModeActive() bool
}

// DefaultPolicy returns the stock policy used when nothing else is
// configured.
func DefaultPolicy() *SecurityPolicy {
	return &SecurityPolicy{
		ID:                   "default",
		DefaultSecurityLevel: permissions.LevelStandard,
		Sanitizer:            sanitize.Options{},
		AutoBlockHighRisk:    true,
	}
}

// StaticProvider serves fixed policies from memory: an optional per-server
// table over a global default.
type StaticProvider struct {
	global   *GlobalSettings
	byServer map[string]*SecurityPolicy
}

// NewStaticProvider builds a provider from explicit settings. Nil arguments
// get stock defaults.
func NewStaticProvider(global *GlobalSettings, byServer map[string]*SecurityPolicy) *StaticProvider {
	if global == nil {
		global = &GlobalSettings{DefaultPolicy: DefaultPolicy()}
	}
	if global.DefaultPolicy == nil {
		global.DefaultPolicy = DefaultPolicy()
	}
	return &StaticProvider{global: global, byServer: byServer}
}

// EffectivePolicy returns the per-server policy when present, else the
// global default. It never fails; failure paths belong to remote providers.
func (p *StaticProvider) EffectivePolicy(serverID, _ string) (*SecurityPolicy, error) {
	if pol, ok := p.byServer[serverID]; ok {
		return pol, nil
	}
	return p.global.DefaultPolicy, nil
}

// GlobalSettings returns the provider-wide settings.
func (p *StaticProvider) GlobalSettings() *GlobalSettings {
	return p.global
}

// EmergencyModeActive reports whether the emergency lockdown is on.
func (p *StaticProvider) EmergencyModeActive() bool {
	return p.global.EmergencyMode
}
