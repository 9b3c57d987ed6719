package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// memorySink collects events in memory for assertions.
type memorySink struct {
	mu     sync.Mutex
	events []*SecurityEvent
}

func (m *memorySink) Write(event *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memorySink) all() []*SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*SecurityEvent(nil), m.events...)
}

func TestMaskParameters_SensitiveKeys(t *testing.T) {
	masked := MaskParameters(map[string]any{
		"api_token": "abc123",
		"Password":  "hunter2",
		"AUTH_KEY":  "xyz",
		"path":      "/tmp/file.txt",
	})

	assert.Equal(t, MaskedValue, masked["api_token"])
	assert.Equal(t, MaskedValue, masked["Password"])
	assert.Equal(t, MaskedValue, masked["AUTH_KEY"])
	assert.Equal(t, "/tmp/file.txt", masked["path"])
}

func TestMaskParameters_TruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("x", 250)
	masked := MaskParameters(map[string]any{"data": long})

	got := masked["data"].(string)
	assert.Equal(t, strings.Repeat("x", 200)+TruncatedSuffix, got)
}

func TestMaskParameters_Nested(t *testing.T) {
	masked := MaskParameters(map[string]any{
		"headers": map[string]any{
			"Authorization-Token": "Bearer abc",
			"Accept":              "application/json",
		},
		"items": []any{strings.Repeat("y", 300), "short"},
	})

	headers := masked["headers"].(map[string]any)
	assert.Equal(t, MaskedValue, headers["Authorization-Token"])
	assert.Equal(t, "application/json", headers["Accept"])

	items := masked["items"].([]any)
	assert.True(t, strings.HasSuffix(items[0].(string), TruncatedSuffix))
	assert.Equal(t, "short", items[1])
}

func TestMaskParameters_DoesNotMutateInput(t *testing.T) {
	original := map[string]any{"token": "secret-value"}
	_ = MaskParameters(original)
	assert.Equal(t, "secret-value", original["token"])
}

func TestLogEvent_LevelMapping(t *testing.T) {
	tests := []struct {
		name      string
		event     *SecurityEvent
		wantLevel zap.AtomicLevel
	}{
		{"critical risk", &SecurityEvent{Type: EventToolExecution, RiskLevel: "critical"}, zap.NewAtomicLevelAt(zap.ErrorLevel)},
		{"high risk", &SecurityEvent{Type: EventToolExecution, RiskLevel: "high"}, zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"access denied low risk", &SecurityEvent{Type: EventAccessDenied, RiskLevel: "low"}, zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"policy violation", &SecurityEvent{Type: EventPolicyViolation}, zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"plain execution", &SecurityEvent{Type: EventToolExecution, RiskLevel: "low"}, zap.NewAtomicLevelAt(zap.InfoLevel)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			l := NewLogger(zap.New(core))
			l.LogEvent(tt.event)

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantLevel.Level(), entries[0].Level)
		})
	}
}

func TestLogEvent_AssignsIDAndTimestamp(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(nil, sink)

	l.LogEvent(&SecurityEvent{Type: EventToolExecution})
	l.LogEvent(&SecurityEvent{Type: EventToolExecution})

	events := sink.all()
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEmpty(t, events[1].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	// ULIDs sort lexicographically by creation time.
	assert.Less(t, events[0].ID, events[1].ID)
}

func TestLogEvent_MasksBeforeSinkWrite(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(nil, sink)

	l.LogToolExecution("user", "u1", "s1", "http_request", "srv1",
		map[string]any{"api_token": "abc123", "url": "https://x.example"},
		"low", "allow", "ok", nil)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, MaskedValue, events[0].Parameters["api_token"])
	assert.Equal(t, "https://x.example", events[0].Parameters["url"])
}

func TestTypedConstructors_EventTypes(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(nil, sink)

	l.LogToolExecution("u", "", "", "t", "s", nil, "low", "allow", "", nil)
	l.LogTrustGranted("u", "s", "trusted", "user grant")
	l.LogTrustRevoked("u", "s", "user revoke")
	l.LogAccessDenied("u", "", "t", "s", nil, "high", "blocked")
	l.LogConfirmationRequested("u", "", "t", "s", "medium", "risk")
	l.LogConfirmationResponse("u", "", "t", "s", "execute_once", "allow", "")
	l.LogPolicyViolation("u", "", "t", "s", "cpu limit", nil)
	l.LogAnomalyDetected("u", "t", "s", "a1", "usage_pattern", "medium", "burst")

	events := sink.all()
	require.Len(t, events, 8)
	want := []EventType{
		EventToolExecution, EventTrustGranted, EventTrustRevoked,
		EventAccessDenied, EventConfirmationRequested, EventConfirmationResponse,
		EventPolicyViolation, EventAnomalyDetected,
	}
	for i, et := range want {
		assert.Equal(t, et, events[i].Type)
	}
}

func TestFileSink_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	sink := NewFileSink(FileSinkConfig{Path: path})
	defer sink.Close()

	l := NewLogger(nil, sink)
	l.LogToolExecution("u", "u1", "", "read_file", "srv",
		map[string]any{"path": "/tmp/x"}, "low", "allow", "ok", nil)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var event SecurityEvent
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
	assert.Equal(t, EventToolExecution, event.Type)
	assert.Equal(t, "read_file", event.ToolName)
}

func TestLogEvent_NilEventIsNoop(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(nil, sink)
	l.LogEvent(nil)
	assert.Empty(t, sink.all())
}
