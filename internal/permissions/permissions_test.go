package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsForLevel_Ceilings(t *testing.T) {
	tests := []struct {
		level  SecurityLevel
		cpu    float64
		mem    float64
		execS  float64
		fileMB float64
	}{
		{LevelRestricted, 25, 256, 30, 10},
		{LevelStandard, 50, 512, 60, 100},
		{LevelAdmin, 90, 4096, 300, 1024},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			p := DefaultsForLevel(tt.level)
			assert.Equal(t, tt.cpu, p.Limits.MaxCPUPercent)
			assert.Equal(t, tt.mem, p.Limits.MaxMemoryMB)
			assert.Equal(t, tt.execS, p.Limits.MaxExecutionSeconds)
			assert.Equal(t, tt.fileMB, p.Limits.MaxFileSizeMB)
		})
	}
}

func TestDefaultsForLevel_StandardAllowsBuiltinTools(t *testing.T) {
	p := DefaultsForLevel(LevelStandard)

	// Every built-in tool name must pass the command check at Standard so
	// that risky calls reach the risk and confirmation stages instead of
	// dying at the permission stage.
	for _, tool := range []string{
		"read_file", "write_file", "delete_file", "list_directory",
		"execute_command", "http_request",
	} {
		assert.True(t, p.CheckCommandPermission(tool).Allowed, tool)
	}

	assert.False(t, p.CheckCommandPermission("sudo reboot").Allowed)
}

func TestDefaultsForLevel_UnknownFallsBackToRestricted(t *testing.T) {
	p := DefaultsForLevel(SecurityLevel("bogus"))
	assert.Equal(t, 25.0, p.Limits.MaxCPUPercent)
}

func TestCheckFileAccess_TraversalDeniesBeforeAllowList(t *testing.T) {
	p := &Permissions{Filesystem: FilesystemPermissions{ReadPaths: []string{"/tmp"}}}

	// "/tmp/../etc/passwd" has the allowed prefix but contains traversal;
	// the traversal check must run first.
	res := p.CheckFileAccess("/tmp/../etc/passwd", AccessRead)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "traversal")

	res = p.CheckFileAccess("/tmp/file.txt", AccessRead)
	assert.True(t, res.Allowed)
}

func TestCheckFileAccess_WildcardAndGlob(t *testing.T) {
	p := &Permissions{Filesystem: FilesystemPermissions{
		WritePaths:   []string{"*"},
		ExecutePaths: []string{"/usr/bin/*"},
	}}

	assert.True(t, p.CheckFileAccess("/anywhere/at/all", AccessWrite).Allowed)
	assert.True(t, p.CheckFileAccess("/usr/bin/grep", AccessExecute).Allowed)
	assert.False(t, p.CheckFileAccess("/sbin/init", AccessExecute).Allowed)
}

func TestCheckFileAccess_DefaultDeny(t *testing.T) {
	p := &Permissions{}
	res := p.CheckFileAccess("/tmp/anything", AccessRead)
	assert.False(t, res.Allowed)
}

func TestCheckNetworkAccess_BlockedDomainWinsOverWildcard(t *testing.T) {
	p := &Permissions{Network: NetworkPermissions{
		OutboundHosts:    []string{"*"},
		BlockedDomains:   []string{"*.evil.example", "169.254.169.254"},
		AllowedProtocols: []string{"https"},
	}}

	assert.False(t, p.CheckNetworkAccess("https://api.evil.example/steal").Allowed)
	assert.False(t, p.CheckNetworkAccess("https://169.254.169.254/latest/meta-data").Allowed)
	assert.True(t, p.CheckNetworkAccess("https://api.example.com/v1").Allowed)
}

func TestCheckNetworkAccess_ProtocolAllowList(t *testing.T) {
	p := &Permissions{Network: NetworkPermissions{
		OutboundHosts:    []string{"*"},
		AllowedProtocols: []string{"https"},
	}}

	assert.False(t, p.CheckNetworkAccess("http://api.example.com/v1").Allowed)
	assert.True(t, p.CheckNetworkAccess("https://api.example.com/v1").Allowed)
}

func TestCheckNetworkAccess_EndpointMatch(t *testing.T) {
	p := &Permissions{Network: NetworkPermissions{
		OutboundHosts:    []string{"api.example.com", "*.trusted.example"},
		AllowedProtocols: []string{"https"},
	}}

	assert.True(t, p.CheckNetworkAccess("https://api.example.com/v1").Allowed)
	assert.True(t, p.CheckNetworkAccess("https://svc.trusted.example/x").Allowed)
	assert.False(t, p.CheckNetworkAccess("https://other.example.com/x").Allowed)
}

func TestCheckCommandPermission_BlockedSubstringWins(t *testing.T) {
	p := &Permissions{System: SystemPermissions{
		AllowedCommands: []string{"*"},
		BlockedCommands: []string{"rm -rf", "sudo"},
	}}

	assert.False(t, p.CheckCommandPermission("rm -rf /data").Allowed)
	assert.False(t, p.CheckCommandPermission("sudo apt install x").Allowed)
	assert.True(t, p.CheckCommandPermission("ls -la /tmp").Allowed)
}

func TestCheckCommandPermission_GlobAllow(t *testing.T) {
	p := &Permissions{System: SystemPermissions{
		AllowedCommands: []string{"git*", "ls"},
	}}

	assert.True(t, p.CheckCommandPermission("git status").Allowed)
	assert.True(t, p.CheckCommandPermission("ls /tmp").Allowed)
	assert.False(t, p.CheckCommandPermission("curl evil.example").Allowed)
}

func TestCheckEnvVarPermission(t *testing.T) {
	p := &Permissions{System: SystemPermissions{
		AllowedEnvVars: []string{"PUBLIC_*", "PATH"},
	}}

	assert.True(t, p.CheckEnvVarPermission("PUBLIC_API_URL").Allowed)
	assert.True(t, p.CheckEnvVarPermission("PATH").Allowed)
	assert.False(t, p.CheckEnvVarPermission("AWS_SECRET_ACCESS_KEY").Allowed)

	wild := &Permissions{System: SystemPermissions{AllowedEnvVars: []string{"*"}}}
	assert.True(t, wild.CheckEnvVarPermission("ANYTHING").Allowed)
}

func TestCheckResourceLimits_OneViolationPerBreach(t *testing.T) {
	p := DefaultsForLevel(LevelStandard)

	violations := p.CheckResourceLimits(ResourceUsage{CPUPercent: 80})
	require.Len(t, violations, 1)
	assert.Equal(t, "cpu_percent", violations[0].Field)
	assert.Equal(t, 50.0, violations[0].Limit)

	violations = p.CheckResourceLimits(ResourceUsage{CPUPercent: 10})
	assert.Empty(t, violations)

	violations = p.CheckResourceLimits(ResourceUsage{
		CPUPercent:       99,
		MemoryMB:         9000,
		ExecutionSeconds: 600,
		FileSizeMB:       500,
	})
	assert.Len(t, violations, 4)
}

func TestMerge_UnionsListsAndOverridesCeilings(t *testing.T) {
	base := DefaultsForLevel(LevelStandard)
	override := &Permissions{
		Filesystem: FilesystemPermissions{ReadPaths: []string{"/data", "/tmp"}},
		System:     SystemPermissions{BlockedCommands: []string{"curl"}},
		Limits:     ResourceLimits{MaxMemoryMB: 1024},
	}

	merged := Merge(base, override)

	assert.Contains(t, merged.Filesystem.ReadPaths, "/data")
	assert.Contains(t, merged.Filesystem.ReadPaths, "/tmp")
	// Deduplicated: /tmp appears in both inputs once.
	count := 0
	for _, p := range merged.Filesystem.ReadPaths {
		if p == "/tmp" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	assert.Contains(t, merged.System.BlockedCommands, "curl")
	assert.Contains(t, merged.System.BlockedCommands, "sudo")

	assert.Equal(t, 1024.0, merged.Limits.MaxMemoryMB)
	// Non-overridden ceilings keep base values.
	assert.Equal(t, 50.0, merged.Limits.MaxCPUPercent)
}

func TestMerge_NilInputs(t *testing.T) {
	merged := Merge(nil, nil)
	require.NotNil(t, merged)
	assert.Equal(t, 25.0, merged.Limits.MaxCPUPercent)

	base := DefaultsForLevel(LevelAdmin)
	merged = Merge(base, nil)
	assert.Equal(t, 90.0, merged.Limits.MaxCPUPercent)
}
