package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-toolgate/toolgate-go/internal/anomaly"
	"github.com/mcp-toolgate/toolgate-go/internal/audit"
	"github.com/mcp-toolgate/toolgate-go/internal/gate"
	"github.com/mcp-toolgate/toolgate-go/internal/observability"
	"github.com/mcp-toolgate/toolgate-go/internal/trust"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, toolName string, params map[string]any, _ *gate.ExecutionContext) (any, error) {
	return map[string]any{"tool": toolName, "params": params}, nil
}

func newTestServer(t *testing.T, apiKey string) (*Server, *gate.SecureExecutor) {
	t.Helper()
	auditor := audit.NewLogger(nil)
	tm := trust.NewManager(nil)
	svc := anomaly.NewService(nil, auditor, nil)
	t.Cleanup(svc.Stop)

	exec := gate.NewSecureExecutor(gate.Config{
		Trust:     tm,
		Anomalies: svc,
		Auditor:   auditor,
		Executor:  echoExecutor{},
	})
	return NewServer(Config{Executor: exec, APIKey: apiKey}), exec
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var res apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealthz_WithHealthManager(t *testing.T) {
	auditor := audit.NewLogger(nil)
	svc := anomaly.NewService(nil, auditor, nil)
	t.Cleanup(svc.Stop)
	exec := gate.NewSecureExecutor(gate.Config{
		Anomalies: svc,
		Auditor:   auditor,
		Executor:  echoExecutor{},
	})

	health := observability.NewHealthManager(nil)
	health.AddHealthChecker(failingChecker{})
	srv := NewServer(Config{Executor: exec, Health: health})

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}

type failingChecker struct{}

func (failingChecker) Name() string                        { return "broken" }
func (failingChecker) HealthCheck(_ context.Context) error { return errors.New("nope") }

func TestAPIKeyAuth(t *testing.T) {
	srv, _ := newTestServer(t, "sekrit")

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/status", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/status", nil, map[string]string{"X-API-Key": "sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResponse(t, rec).Success)
}

func TestTrustLifecycle(t *testing.T) {
	srv, exec := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/trust/srv1/",
		map[string]any{"level": "trusted"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, trust.LevelTrusted, exec.Trust().ServerTrustLevel("srv1"))

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/trust/srv1/whitelist",
		map[string]any{"tool": "read_file"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, exec.Trust().GetServerTrust("srv1").IsWhitelisted("read_file"))

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/trust/srv1/blacklist",
		map[string]any{"tool": "delete_file"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, exec.Trust().GetServerTrust("srv1").IsBlacklisted("delete_file"))

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/trust/srv1/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, trust.LevelUntrusted, exec.Trust().ServerTrustLevel("srv1"))
}

func TestGrantTrust_InvalidLevel(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/trust/srv1/",
		map[string]any{"level": "supreme"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnomalyEndpoints(t *testing.T) {
	srv, exec := newTestServer(t, "")

	// Seed one anomaly through the detector.
	exec.Anomalies().RecordEvent(&anomaly.Event{
		UserID:     "mallory",
		ServerID:   "srv1",
		ToolName:   "grep",
		Parameters: map[string]any{"query": "x; rm -rf /"},
	})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/anomalies/?user_id=mallory&active=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResponse(t, rec)
	data := res.Data.(map[string]any)
	require.EqualValues(t, 1, data["total"])
	list := data["anomalies"].([]any)
	first := list[0].(map[string]any)
	id := first["id"].(string)
	assert.Equal(t, "critical", first["severity"])

	// Resolve it.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/anomalies/"+id+"/status",
		map[string]any{"status": "resolved", "updated_by": "sec-team"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/anomalies/?user_id=mallory&active=true", nil, nil)
	data = decodeResponse(t, rec).Data.(map[string]any)
	assert.EqualValues(t, 0, data["total"])

	// Unknown ID is a 404, not a denial.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/anomalies/nope/status",
		map[string]any{"status": "resolved"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThresholdEndpoints(t *testing.T) {
	srv, exec := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/anomalies/thresholds",
		map[string]float64{"max_tools_per_minute": 5, "unknown_key": 2, "burst_activity_threshold": -1}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	th := exec.Anomalies().Thresholds()
	assert.Equal(t, 5, th.MaxToolsPerMinute)
	// Negative and unknown entries are dropped silently.
	assert.Equal(t, 5.0, th.BurstMultiplier)
}

func TestExecuteEndpoint(t *testing.T) {
	srv, exec := newTestServer(t, "")
	exec.Trust().GrantServerTrust("srv1", trust.LevelTrusted, trust.ProvenanceUser, nil)
	exec.Trust().WhitelistTool("srv1", "read_file")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/execute", executeRequest{
		ToolName:   "read_file",
		Parameters: map[string]any{"path": "/tmp/readme.txt"},
		Context:    &gate.ExecutionContext{ServerID: "srv1", UserID: "alice"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResponse(t, rec).Success)

	// Headless critical request is denied with 403 and a populated verdict.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/execute", executeRequest{
		ToolName:   "execute_command",
		Parameters: map[string]any{"command": "rm -rf /"},
		Context: &gate.ExecutionContext{ServerID: "srv1", UserID: "ops"},
		Headless: true,
	}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	res := decodeResponse(t, rec)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "security denied")

	// Missing tool name.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/execute", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatisticsEndpoint(t *testing.T) {
	srv, exec := newTestServer(t, "")
	exec.Trust().GrantServerTrust("srv1", trust.LevelTrusted, trust.ProvenanceUser, nil)
	exec.Trust().WhitelistTool("srv1", "read_file")

	doJSON(t, srv, http.MethodPost, "/api/v1/execute", executeRequest{
		ToolName:   "read_file",
		Parameters: map[string]any{"path": "/tmp/x"},
		Context:    &gate.ExecutionContext{ServerID: "srv1", UserID: "alice"},
	}, nil)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/statistics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Success bool            `json:"success"`
		Data    gate.Statistics `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.EqualValues(t, 1, res.Data.Executions.Total)
	assert.EqualValues(t, 1, res.Data.Executions.Allowed)
	assert.Equal(t, 1, res.Data.Trust.Trusted)
}
