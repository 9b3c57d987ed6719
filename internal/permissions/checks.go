package permissions

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// CheckResult is the outcome of a single permission check.
type CheckResult struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	MatchedRule string `json:"matched_rule,omitempty"`
}

func allowed(reason, rule string) CheckResult {
	return CheckResult{Allowed: true, Reason: reason, MatchedRule: rule}
}

func denied(reason string) CheckResult {
	return CheckResult{Allowed: false, Reason: reason}
}

// Violation describes a breached resource ceiling.
type Violation struct {
	Field  string  `json:"field"`
	Limit  float64 `json:"limit"`
	Actual float64 `json:"actual"`
	Reason string  `json:"reason"`
}

// CheckFileAccess validates a filesystem path against the allow-list for the
// given mode. Traversal sequences are rejected before any allow-list lookup:
// a traversal path must never be rescued by a matching prefix.
func (p *Permissions) CheckFileAccess(path string, mode AccessMode) CheckResult {
	if strings.Contains(path, "../") || strings.Contains(path, "..\\") {
		return denied(fmt.Sprintf("path %q contains a traversal sequence", path))
	}

	var list []string
	switch mode {
	case AccessWrite:
		list = p.Filesystem.WritePaths
	case AccessExecute:
		list = p.Filesystem.ExecutePaths
	default:
		list = p.Filesystem.ReadPaths
	}

	for _, rule := range list {
		if rule == "*" {
			return allowed("wildcard path rule", rule)
		}
		if strings.HasPrefix(path, rule) {
			return allowed(fmt.Sprintf("path matches allowed prefix %q", rule), rule)
		}
		if ok, _ := filepath.Match(rule, path); ok {
			return allowed(fmt.Sprintf("path matches pattern %q", rule), rule)
		}
	}
	return denied(fmt.Sprintf("no %s rule allows path %q", mode, path))
}

// CheckNetworkAccess validates an outbound endpoint. Blocked domains are
// evaluated first, then a wildcard allow, then the protocol allow-list, then
// endpoint patterns. Default deny.
func (p *Permissions) CheckNetworkAccess(rawURL string) CheckResult {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return denied(fmt.Sprintf("unparseable url %q", rawURL))
	}
	host := strings.ToLower(parsed.Hostname())

	for _, blocked := range p.Network.BlockedDomains {
		if domainMatches(host, blocked) || blocked == "*" {
			return denied(fmt.Sprintf("domain %q matches blocked rule %q", host, blocked))
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	protocolAllowed := len(p.Network.AllowedProtocols) == 0
	for _, proto := range p.Network.AllowedProtocols {
		if proto == scheme || proto == "*" {
			protocolAllowed = true
			break
		}
	}

	for _, rule := range p.Network.OutboundHosts {
		if rule == "*" {
			if !protocolAllowed {
				return denied(fmt.Sprintf("protocol %q is not in the allowed set", scheme))
			}
			return allowed("wildcard outbound rule", rule)
		}
		if domainMatches(host, rule) {
			if !protocolAllowed {
				return denied(fmt.Sprintf("protocol %q is not in the allowed set", scheme))
			}
			return allowed(fmt.Sprintf("host matches allowed endpoint %q", rule), rule)
		}
	}
	return denied(fmt.Sprintf("no outbound rule allows host %q", host))
}

// domainMatches matches a host exactly or against a "*.suffix" rule.
func domainMatches(host, rule string) bool {
	rule = strings.ToLower(rule)
	if host == rule {
		return true
	}
	if suffix, ok := strings.CutPrefix(rule, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return false
}

// CheckCommandPermission validates a command string. Blocked substrings deny
// first; then wildcard or pattern allows; default deny.
func (p *Permissions) CheckCommandPermission(command string) CheckResult {
	low := strings.ToLower(command)
	for _, blocked := range p.System.BlockedCommands {
		if blocked != "" && strings.Contains(low, strings.ToLower(blocked)) {
			return denied(fmt.Sprintf("command matches blocked rule %q", blocked))
		}
	}

	base := command
	if fields := strings.Fields(command); len(fields) > 0 {
		base = fields[0]
	}

	for _, rule := range p.System.AllowedCommands {
		if rule == "*" {
			return allowed("wildcard command rule", rule)
		}
		if base == rule {
			return allowed(fmt.Sprintf("command matches allowed rule %q", rule), rule)
		}
		if ok, _ := filepath.Match(rule, base); ok {
			return allowed(fmt.Sprintf("command matches pattern %q", rule), rule)
		}
	}
	return denied(fmt.Sprintf("no rule allows command %q", base))
}

// CheckEnvVarPermission validates access to an environment variable. "*"
// allows everything; "PREFIX_*" rules allow by prefix; exact names allow one
// variable. Default deny.
func (p *Permissions) CheckEnvVarPermission(name string) CheckResult {
	for _, rule := range p.System.AllowedEnvVars {
		if rule == "*" {
			return allowed("wildcard env rule", rule)
		}
		if prefix, ok := strings.CutSuffix(rule, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return allowed(fmt.Sprintf("env var matches prefix rule %q", rule), rule)
			}
			continue
		}
		if name == rule {
			return allowed(fmt.Sprintf("env var matches rule %q", rule), rule)
		}
	}
	return denied(fmt.Sprintf("env var %q is not allowed", name))
}

// CheckResourceLimits evaluates every ceiling independently and returns one
// violation per breach, not just the first.
func (p *Permissions) CheckResourceLimits(usage ResourceUsage) []Violation {
	var violations []Violation
	check := func(field string, limit, actual float64) {
		if limit > 0 && actual > limit {
			violations = append(violations, Violation{
				Field:  field,
				Limit:  limit,
				Actual: actual,
				Reason: fmt.Sprintf("%s %.1f exceeds limit %.1f", field, actual, limit),
			})
		}
	}
	check("cpu_percent", p.Limits.MaxCPUPercent, usage.CPUPercent)
	check("memory_mb", p.Limits.MaxMemoryMB, usage.MemoryMB)
	check("execution_seconds", p.Limits.MaxExecutionSeconds, usage.ExecutionSeconds)
	check("file_size_mb", p.Limits.MaxFileSizeMB, usage.FileSizeMB)
	return violations
}
