// Package permissions defines per-request permission bundles and the checks
// the gate runs against them. Bundles are built fresh for every request from a
// security-level default merged with policy overrides, so nothing here holds
// mutable state.
package permissions

import "sort"

// SecurityLevel selects the default permission bundle for a request.
type SecurityLevel string

const (
	LevelRestricted SecurityLevel = "restricted"
	LevelStandard   SecurityLevel = "standard"
	LevelAdmin      SecurityLevel = "admin"
)

// AccessMode distinguishes filesystem access types.
type AccessMode string

const (
	AccessRead    AccessMode = "read"
	AccessWrite   AccessMode = "write"
	AccessExecute AccessMode = "execute"
)

// FilesystemPermissions holds per-mode path allow-lists. Entries are path
// prefixes or glob patterns; "*" allows everything.
type FilesystemPermissions struct {
	ReadPaths    []string `json:"read_paths"`
	WritePaths   []string `json:"write_paths"`
	ExecutePaths []string `json:"execute_paths"`
}

// NetworkPermissions holds endpoint allow-lists and domain/protocol rules.
type NetworkPermissions struct {
	OutboundHosts    []string `json:"outbound_hosts"`
	InboundHosts     []string `json:"inbound_hosts"`
	BlockedDomains   []string `json:"blocked_domains"`
	AllowedProtocols []string `json:"allowed_protocols"`
}

// SystemPermissions holds environment variable and command rules.
type SystemPermissions struct {
	AllowedEnvVars  []string `json:"allowed_env_vars"`
	AllowedCommands []string `json:"allowed_commands"`
	BlockedCommands []string `json:"blocked_commands"`
}

// ResourceLimits are per-call execution ceilings.
type ResourceLimits struct {
	MaxCPUPercent       float64 `json:"max_cpu_percent"`
	MaxMemoryMB         float64 `json:"max_memory_mb"`
	MaxExecutionSeconds float64 `json:"max_execution_seconds"`
	MaxFileSizeMB       float64 `json:"max_file_size_mb"`
}

// ResourceUsage is the observed consumption of a call, supplied by the caller
// after execution for limit checks and baseline accounting.
type ResourceUsage struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryMB         float64 `json:"memory_mb"`
	ExecutionSeconds float64 `json:"execution_seconds"`
	FileSizeMB       float64 `json:"file_size_mb"`
}

// Permissions is the full bundle evaluated for one request.
type Permissions struct {
	Filesystem FilesystemPermissions `json:"filesystem"`
	Network    NetworkPermissions    `json:"network"`
	System     SystemPermissions     `json:"system"`
	Limits     ResourceLimits        `json:"limits"`
}

// DefaultsForLevel returns the built-in bundle for a security level. Unknown
// levels fall back to the restricted bundle.
func DefaultsForLevel(level SecurityLevel) *Permissions {
	switch level {
	case LevelAdmin:
		return &Permissions{
			Filesystem: FilesystemPermissions{
				ReadPaths:    []string{"*"},
				WritePaths:   []string{"*"},
				ExecutePaths: []string{"*"},
			},
			Network: NetworkPermissions{
				OutboundHosts:    []string{"*"},
				AllowedProtocols: []string{"http", "https", "ws", "wss"},
			},
			System: SystemPermissions{
				AllowedEnvVars:  []string{"*"},
				AllowedCommands: []string{"*"},
				BlockedCommands: []string{"rm -rf /", "mkfs", "dd if=/dev/zero"},
			},
			Limits: ResourceLimits{
				MaxCPUPercent:       90,
				MaxMemoryMB:         4096,
				MaxExecutionSeconds: 300,
				MaxFileSizeMB:       1024,
			},
		}
	case LevelStandard:
		return &Permissions{
			Filesystem: FilesystemPermissions{
				ReadPaths:  []string{"/tmp", "/home", "./"},
				WritePaths: []string{"/tmp", "./"},
			},
			Network: NetworkPermissions{
				OutboundHosts:    []string{"*"},
				BlockedDomains:   []string{"*.internal", "169.254.169.254"},
				AllowedProtocols: []string{"https", "wss"},
			},
			System: SystemPermissions{
				AllowedEnvVars: []string{"PUBLIC_*", "PATH", "HOME", "LANG"},
				AllowedCommands: []string{
					"ls", "cat", "grep", "find", "echo", "read_file", "write_file",
					"delete_file", "list_directory", "execute_command", "http_request",
				},
				BlockedCommands: []string{
					"rm -rf", "sudo", "chmod 777", "mkfs", "dd if=", "fdisk",
					"shutdown", "reboot",
				},
			},
			Limits: ResourceLimits{
				MaxCPUPercent:       50,
				MaxMemoryMB:         512,
				MaxExecutionSeconds: 60,
				MaxFileSizeMB:       100,
			},
		}
	default:
		return &Permissions{
			Filesystem: FilesystemPermissions{
				ReadPaths: []string{"/tmp"},
			},
			Network: NetworkPermissions{
				BlockedDomains:   []string{"*"},
				AllowedProtocols: []string{"https"},
			},
			System: SystemPermissions{
				AllowedEnvVars:  []string{"PUBLIC_*"},
				AllowedCommands: []string{"ls", "cat", "echo", "read_file", "list_directory"},
				BlockedCommands: []string{
					"rm", "sudo", "chmod", "chown", "dd", "mkfs", "fdisk",
					"shutdown", "reboot", "kill",
				},
			},
			Limits: ResourceLimits{
				MaxCPUPercent:       25,
				MaxMemoryMB:         256,
				MaxExecutionSeconds: 30,
				MaxFileSizeMB:       10,
			},
		}
	}
}

// Merge combines a base bundle with policy overrides. List fields are the
// deduplicated, sorted union of both; non-zero override ceilings replace the
// base ceilings.
func Merge(base, override *Permissions) *Permissions {
	if base == nil {
		base = DefaultsForLevel(LevelRestricted)
	}
	if override == nil {
		clone := *base
		return &clone
	}

	merged := &Permissions{
		Filesystem: FilesystemPermissions{
			ReadPaths:    unionSorted(base.Filesystem.ReadPaths, override.Filesystem.ReadPaths),
			WritePaths:   unionSorted(base.Filesystem.WritePaths, override.Filesystem.WritePaths),
			ExecutePaths: unionSorted(base.Filesystem.ExecutePaths, override.Filesystem.ExecutePaths),
		},
		Network: NetworkPermissions{
			OutboundHosts:    unionSorted(base.Network.OutboundHosts, override.Network.OutboundHosts),
			InboundHosts:     unionSorted(base.Network.InboundHosts, override.Network.InboundHosts),
			BlockedDomains:   unionSorted(base.Network.BlockedDomains, override.Network.BlockedDomains),
			AllowedProtocols: unionSorted(base.Network.AllowedProtocols, override.Network.AllowedProtocols),
		},
		System: SystemPermissions{
			AllowedEnvVars:  unionSorted(base.System.AllowedEnvVars, override.System.AllowedEnvVars),
			AllowedCommands: unionSorted(base.System.AllowedCommands, override.System.AllowedCommands),
			BlockedCommands: unionSorted(base.System.BlockedCommands, override.System.BlockedCommands),
		},
		Limits: base.Limits,
	}

	if override.Limits.MaxCPUPercent > 0 {
		merged.Limits.MaxCPUPercent = override.Limits.MaxCPUPercent
	}
	if override.Limits.MaxMemoryMB > 0 {
		merged.Limits.MaxMemoryMB = override.Limits.MaxMemoryMB
	}
	if override.Limits.MaxExecutionSeconds > 0 {
		merged.Limits.MaxExecutionSeconds = override.Limits.MaxExecutionSeconds
	}
	if override.Limits.MaxFileSizeMB > 0 {
		merged.Limits.MaxFileSizeMB = override.Limits.MaxFileSizeMB
	}

	return merged
}

func unionSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}
