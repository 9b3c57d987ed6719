package gate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-toolgate/toolgate-go/internal/anomaly"
	"github.com/mcp-toolgate/toolgate-go/internal/audit"
	"github.com/mcp-toolgate/toolgate-go/internal/observability"
	"github.com/mcp-toolgate/toolgate-go/internal/permissions"
	"github.com/mcp-toolgate/toolgate-go/internal/policy"
	"github.com/mcp-toolgate/toolgate-go/internal/risk"
	"github.com/mcp-toolgate/toolgate-go/internal/trust"
)

func newEmergencyProvider() policy.Provider {
	return policy.NewStaticProvider(&policy.GlobalSettings{
		DefaultPolicy: policy.DefaultPolicy(),
		EmergencyMode: true,
	}, nil)
}

type fakeToolExecutor struct {
	mu     sync.Mutex
	calls  []string
	output any
	err    error
}

func (f *fakeToolExecutor) Execute(_ context.Context, toolName string, _ map[string]any, _ *ExecutionContext) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolName)
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func (f *fakeToolExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type gateSink struct {
	mu     sync.Mutex
	events []*audit.SecurityEvent
}

func (s *gateSink) Write(ev *audit.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *gateSink) count(t audit.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newTestGate(t *testing.T) (*SecureExecutor, *fakeToolExecutor, *trust.Manager, *gateSink) {
	t.Helper()
	sink := &gateSink{}
	auditor := audit.NewLogger(nil, sink)
	tm := trust.NewManager(nil)
	svc := anomaly.NewService(nil, auditor, nil)
	t.Cleanup(svc.Stop)

	fake := &fakeToolExecutor{output: "ok"}
	exec := NewSecureExecutor(Config{
		Trust:     tm,
		Anomalies: svc,
		Auditor:   auditor,
		Executor:  fake,
	})
	return exec, fake, tm, sink
}

func TestExecuteHeadless_DestructiveCommandNeverReachesExecutor(t *testing.T) {
	exec, fake, _, sink := newTestGate(t)

	// A plain standard-level caller: the call must clear the permission stage
	// and be denied at the confirmation stage with the full risk verdict.
	res, err := exec.ExecuteHeadless(context.Background(), "execute_command",
		map[string]any{"command": "rm -rf /"},
		&ExecutionContext{ServerID: "srv1", UserID: "root-ops"})

	var denied *SecurityDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "deny", res.Decision)
	assert.False(t, res.Allowed)
	assert.Equal(t, risk.LevelCritical, res.Risk.Level)
	assert.Zero(t, fake.callCount())
	assert.Equal(t, 1, sink.count(audit.EventToolExecution))
}

func TestExecuteSecure_TrustedWhitelistedGoesStraightThrough(t *testing.T) {
	exec, fake, tm, sink := newTestGate(t)
	tm.GrantServerTrust("srv1", trust.LevelTrusted, trust.ProvenanceUser, nil)
	tm.WhitelistTool("srv1", "read_file")

	res, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/tmp/readme.txt"},
		&ExecutionContext{ServerID: "srv1", UserID: "alice"})

	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "allow", res.Decision)
	assert.False(t, res.ConfirmationRequired)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 1, fake.callCount())
	assert.Zero(t, sink.count(audit.EventConfirmationRequested))
	assert.Equal(t, 1, sink.count(audit.EventToolExecution))
}

func TestExecuteSecure_PathOutsideAllowedPrefixesDenied(t *testing.T) {
	exec, fake, _, sink := newTestGate(t)

	res, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/var/log/syslog"},
		&ExecutionContext{ServerID: "srv1", UserID: "alice"})

	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.False(t, res.Allowed)
	assert.Zero(t, fake.callCount())
	assert.Equal(t, 1, sink.count(audit.EventPolicyViolation))
	assert.Equal(t, 1, sink.count(audit.EventToolExecution))
}

func TestExecuteSecure_TraversalDeniedDespitePrefix(t *testing.T) {
	exec, fake, _, _ := newTestGate(t)

	_, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/tmp/../etc/passwd"},
		&ExecutionContext{ServerID: "srv1", UserID: "alice"})

	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "traversal")
	assert.Zero(t, fake.callCount())
}

func TestExecuteSecure_ResourceLimitViolation(t *testing.T) {
	exec, fake, _, _ := newTestGate(t)

	res, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/tmp/x"},
		&ExecutionContext{
			ServerID:      "srv1",
			UserID:        "alice",
			ResourceUsage: &permissions.ResourceUsage{CPUPercent: 80},
		})

	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	require.Len(t, denied.Violations, 1)
	assert.Equal(t, "cpu_percent", denied.Violations[0].Field)
	require.Len(t, res.Violations, 1)
	assert.Zero(t, fake.callCount())
}

func TestExecuteSecure_SanitizationBlocked(t *testing.T) {
	exec, fake, _, sink := newTestGate(t)

	_, err := exec.ExecuteSecure(context.Background(), "execute_command",
		map[string]any{"command": "ls; whoami"},
		&ExecutionContext{ServerID: "srv1", UserID: "ops"})

	var blocked *SanitizationBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Contains(t, blocked.Reason, "metacharacter")
	assert.Zero(t, fake.callCount())
	assert.Equal(t, 1, sink.count(audit.EventAccessDenied))
}

func TestExecuteSecure_PreexistingCriticalAnomalyBlocks(t *testing.T) {
	exec, fake, tm, _ := newTestGate(t)
	tm.GrantServerTrust("srv1", trust.LevelTrusted, trust.ProvenanceUser, nil)
	tm.WhitelistTool("srv1", "grep")
	tm.WhitelistTool("srv1", "read_file")

	// First call carries a command injection payload in a generic field. It
	// passes the gate but seeds a critical parameter-pattern anomaly.
	res, err := exec.ExecuteSecure(context.Background(), "grep",
		map[string]any{"query": "x; rm -rf /"},
		&ExecutionContext{ServerID: "srv1", UserID: "mallory"})
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Second call from the same scope is blocked by the now pre-existing
	// anomaly.
	res, err = exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/tmp/x"},
		&ExecutionContext{ServerID: "srv1", UserID: "mallory"})

	var anomalyErr *AnomalyDetectedError
	require.ErrorAs(t, err, &anomalyErr)
	require.NotEmpty(t, anomalyErr.Anomalies)
	assert.Equal(t, anomaly.SeverityCritical, anomalyErr.Anomalies[0].Severity)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, fake.callCount())
}

func TestExecuteSecure_SkipConfirmationBypassesPrompt(t *testing.T) {
	exec, fake, _, _ := newTestGate(t)
	ctx := &ExecutionContext{ServerID: "srv1", UserID: "ops", UserRoles: []string{"admin"}}

	// High risk (sensitive path): the deterministic prompter cancels.
	_, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/etc/hosts"}, ctx)
	var denied *SecurityDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Zero(t, fake.callCount())

	// Same call with the bypass flag goes through as an admin override.
	skipped := *ctx
	skipped.SkipConfirmation = true
	res, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/etc/hosts"}, &skipped)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "admin override", res.Confirmation.Message)
	assert.Equal(t, 1, fake.callCount())
}

func TestExecuteSecure_ExecutorFailureWrapped(t *testing.T) {
	exec, fake, tm, _ := newTestGate(t)
	tm.GrantServerTrust("srv1", trust.LevelTrusted, trust.ProvenanceUser, nil)
	tm.WhitelistTool("srv1", "read_file")
	sentinel := errors.New("tool crashed")
	fake.err = sentinel

	res, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/tmp/x"},
		&ExecutionContext{ServerID: "srv1", UserID: "alice"})

	var failed *ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, sentinel)
	// The gate allowed the call; the failure belongs to the executor.
	assert.True(t, res.Allowed)
	assert.Nil(t, res.Output)
}

func TestExecuteSecure_NilExecutorFailsClosed(t *testing.T) {
	sink := &gateSink{}
	auditor := audit.NewLogger(nil, sink)
	tm := trust.NewManager(nil)
	tm.GrantServerTrust("srv1", trust.LevelTrusted, trust.ProvenanceUser, nil)
	tm.WhitelistTool("srv1", "read_file")
	svc := anomaly.NewService(nil, auditor, nil)
	t.Cleanup(svc.Stop)

	// No Executor configured: an allowed call must surface an execution
	// failure, never panic.
	exec := NewSecureExecutor(Config{
		Trust:     tm,
		Anomalies: svc,
		Auditor:   auditor,
	})

	res, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/tmp/x"},
		&ExecutionContext{ServerID: "srv1", UserID: "alice"})

	var failed *ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, ErrNoExecutor)
	assert.True(t, res.Allowed)
	assert.Nil(t, res.Output)
	assert.Equal(t, 1, sink.count(audit.EventToolExecution))
}

func TestExecuteSecure_EmergencyModeForcesRestricted(t *testing.T) {
	sink := &gateSink{}
	auditor := audit.NewLogger(nil, sink)
	svc := anomaly.NewService(nil, auditor, nil)
	t.Cleanup(svc.Stop)
	fake := &fakeToolExecutor{output: "ok"}

	exec := NewSecureExecutor(Config{
		Auditor:   auditor,
		Anomalies: svc,
		Executor:  fake,
		Policies:  newEmergencyProvider(),
	})

	// /home is readable at Standard but not at Restricted.
	_, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/home/alice/notes.txt"},
		&ExecutionContext{ServerID: "srv1", UserID: "alice"})

	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Zero(t, fake.callCount())
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.NotEmpty(t, mf.GetMetric())
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				sum += m.GetCounter().GetValue()
			}
		}
	}
	return sum
}

func TestExecuteSecure_AnomalyAndTrustMetricsPublished(t *testing.T) {
	auditor := audit.NewLogger(nil)
	tm := trust.NewManager(nil)
	svc := anomaly.NewService(nil, auditor, nil)
	t.Cleanup(svc.Stop)
	metrics := observability.NewMetrics()
	fake := &fakeToolExecutor{output: "ok"}

	exec := NewSecureExecutor(Config{
		Trust:     tm,
		Anomalies: svc,
		Auditor:   auditor,
		Executor:  fake,
		Metrics:   metrics,
	})

	tm.GrantServerTrust("srv1", trust.LevelTrusted, trust.ProvenanceUser, nil)
	tm.WhitelistTool("srv1", "grep")

	// An injection payload in a generic field passes the gate but produces a
	// detected anomaly, which must show up on the registry.
	_, err := exec.ExecuteSecure(context.Background(), "grep",
		map[string]any{"query": "x; rm -rf /"},
		&ExecutionContext{ServerID: "srv1", UserID: "mallory"})
	require.NoError(t, err)

	reg := metrics.Registry()
	assert.Equal(t, 1.0, gaugeValue(t, reg, "toolgate_trusted_servers"))
	assert.GreaterOrEqual(t, gaugeValue(t, reg, "toolgate_active_anomalies"), 1.0)
	assert.GreaterOrEqual(t, counterSum(t, reg, "toolgate_anomalies_total"), 1.0)
	assert.Equal(t, 1.0, counterSum(t, reg, "toolgate_executions_total"))
}

func TestGetStatistics(t *testing.T) {
	exec, _, tm, _ := newTestGate(t)
	tm.GrantServerTrust("srv1", trust.LevelTrusted, trust.ProvenanceUser, nil)
	tm.WhitelistTool("srv1", "read_file")

	_, err := exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/tmp/x"},
		&ExecutionContext{ServerID: "srv1", UserID: "alice"})
	require.NoError(t, err)

	_, err = exec.ExecuteSecure(context.Background(), "read_file",
		map[string]any{"path": "/var/secret"},
		&ExecutionContext{ServerID: "srv1", UserID: "alice"})
	require.Error(t, err)

	stats := exec.GetStatistics()
	assert.EqualValues(t, 2, stats.Executions.Total)
	assert.EqualValues(t, 1, stats.Executions.Allowed)
	assert.EqualValues(t, 1, stats.Executions.Denied)
	assert.EqualValues(t, 1, stats.Executions.DeniedByCause[causePermission])
	assert.Equal(t, 1, stats.Trust.Trusted)
	// The denied call was stopped at the permission stage, before the
	// anomaly event was recorded.
	assert.Equal(t, 1, stats.Anomalies.HistoryEvents)
}

func TestExecuteSecure_OneAuditRowPerCall(t *testing.T) {
	exec, _, tm, sink := newTestGate(t)
	tm.GrantServerTrust("srv1", trust.LevelTrusted, trust.ProvenanceUser, nil)
	tm.WhitelistTool("srv1", "read_file")

	calls := []map[string]any{
		{"path": "/tmp/a"},        // allowed
		{"path": "/var/denied"},   // permission denial
		{"path": "/tmp/../etc/x"}, // traversal denial
		{"path": "/tmp/b"},        // allowed
	}
	for _, params := range calls {
		_, _ = exec.ExecuteSecure(context.Background(), "read_file", params,
			&ExecutionContext{ServerID: "srv1", UserID: "alice"})
	}

	assert.Equal(t, len(calls), sink.count(audit.EventToolExecution))
}

func TestFileModeForTool(t *testing.T) {
	assert.Equal(t, permissions.AccessWrite, fileModeForTool("write_file"))
	assert.Equal(t, permissions.AccessWrite, fileModeForTool("delete_file"))
	assert.Equal(t, permissions.AccessRead, fileModeForTool("read_file"))
	assert.Equal(t, permissions.AccessRead, fileModeForTool("unknown_tool"))
}

func TestExtractTargets_Nested(t *testing.T) {
	got := extractTargets(map[string]any{
		"path": "/tmp/a",
		"options": map[string]any{
			"url": "https://example.com",
		},
		"batch": []any{
			map[string]any{"file": "/tmp/b"},
		},
		"count": 3,
	})
	assert.ElementsMatch(t, []string{"/tmp/a", "/tmp/b"}, got.paths)
	assert.Equal(t, []string{"https://example.com"}, got.urls)
}
