// Package config holds the framework configuration: management API settings,
// security defaults, anomaly thresholds, and logging.
package config

import (
	"fmt"

	"github.com/mcp-toolgate/toolgate-go/internal/permissions"
	"github.com/mcp-toolgate/toolgate-go/internal/policy"
	"github.com/mcp-toolgate/toolgate-go/internal/sanitize"
)

const (
	defaultListen        = "127.0.0.1:8085"
	defaultRetentionDays = 30
)

// Config represents the main configuration structure.
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`
	APIKey  string `json:"api_key,omitempty" mapstructure:"api-key"`

	Security *SecurityConfig `json:"security,omitempty" mapstructure:"security"`
	Logging  *LogConfig      `json:"logging,omitempty" mapstructure:"logging"`
}

// SecurityConfig carries the gate-wide security settings.
type SecurityConfig struct {
	// DefaultLevel applies when a request's roles do not force a level.
	// One of restricted, standard, admin.
	DefaultLevel string `json:"default_level" mapstructure:"default-level"`
	// StrictSanitization enables control-character stripping and suspicious
	// command screening in the sanitizer.
	StrictSanitization bool `json:"strict_sanitization" mapstructure:"strict-sanitization"`
	// AutoBlockHighRisk denies High-risk calls in headless mode.
	AutoBlockHighRisk bool `json:"auto_block_high_risk" mapstructure:"auto-block-high-risk"`
	// EmergencyMode forces the restricted level for every request.
	EmergencyMode bool `json:"emergency_mode" mapstructure:"emergency-mode"`
	// AnomalyThresholds overrides detector thresholds by json key, e.g.
	// {"max_tools_per_minute": 30}. Unknown keys are dropped by the detector.
	AnomalyThresholds map[string]float64 `json:"anomaly_thresholds,omitempty" mapstructure:"anomaly-thresholds"`
	// AuditRetentionDays bounds how long persisted audit events are kept.
	// Zero disables pruning.
	AuditRetentionDays int `json:"audit_retention_days" mapstructure:"audit-retention-days"`
	// AuditLogFile enables an additional rotating JSONL audit sink at the
	// given path.
	AuditLogFile string `json:"audit_log_file,omitempty" mapstructure:"audit-log-file"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:  defaultListen,
		DataDir: "", // Set to ~/.toolgate by the loader
		Security: &SecurityConfig{
			DefaultLevel:       string(permissions.LevelStandard),
			StrictSanitization: false,
			AutoBlockHighRisk:  true,
			EmergencyMode:      false,
			AuditRetentionDays: defaultRetentionDays,
		},
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "toolgate.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
	}
}

// Validate normalizes and validates the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Security == nil {
		c.Security = DefaultConfig().Security
	}
	if c.Logging == nil {
		c.Logging = DefaultConfig().Logging
	}

	switch permissions.SecurityLevel(c.Security.DefaultLevel) {
	case permissions.LevelRestricted, permissions.LevelStandard, permissions.LevelAdmin:
	case "":
		c.Security.DefaultLevel = string(permissions.LevelStandard)
	default:
		return fmt.Errorf("invalid default security level %q", c.Security.DefaultLevel)
	}

	if c.Security.AuditRetentionDays < 0 {
		return fmt.Errorf("audit_retention_days must not be negative, got %d", c.Security.AuditRetentionDays)
	}

	return nil
}

// PolicyProvider builds the static policy provider the gate consumes from the
// security section.
func (c *Config) PolicyProvider() *policy.StaticProvider {
	sec := c.Security
	if sec == nil {
		sec = DefaultConfig().Security
	}
	pol := policy.DefaultPolicy()
	pol.DefaultSecurityLevel = permissions.SecurityLevel(sec.DefaultLevel)
	pol.AutoBlockHighRisk = sec.AutoBlockHighRisk
	pol.Sanitizer = sanitize.Options{StrictMode: sec.StrictSanitization}
	return policy.NewStaticProvider(&policy.GlobalSettings{
		DefaultPolicy: pol,
		EmergencyMode: sec.EmergencyMode,
	}, nil)
}
