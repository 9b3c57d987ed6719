// Package gate implements the top-level execution facade: one call runs the
// full security pipeline (policy, permissions, sanitization, anomalies,
// risk, trust, confirmation) and delegates to an external tool executor only
// on an explicit Allow.
package gate

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcp-toolgate/toolgate-go/internal/anomaly"
	"github.com/mcp-toolgate/toolgate-go/internal/audit"
	"github.com/mcp-toolgate/toolgate-go/internal/confirm"
	"github.com/mcp-toolgate/toolgate-go/internal/observability"
	"github.com/mcp-toolgate/toolgate-go/internal/permissions"
	"github.com/mcp-toolgate/toolgate-go/internal/policy"
	"github.com/mcp-toolgate/toolgate-go/internal/risk"
	"github.com/mcp-toolgate/toolgate-go/internal/sanitize"
	"github.com/mcp-toolgate/toolgate-go/internal/trust"
)

// ToolExecutor is the external collaborator that actually runs tools. The
// gate never executes anything itself.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, params map[string]any, execCtx *ExecutionContext) (any, error)
}

// Result bundles everything the pipeline decided about one call.
type Result struct {
	Decision             string                  `json:"decision"`
	Allowed              bool                    `json:"allowed"`
	Output               any                     `json:"output,omitempty"`
	Risk                 *risk.Assessment        `json:"risk,omitempty"`
	ConfirmationRequired bool                    `json:"confirmation_required"`
	ConfirmationReason   string                  `json:"confirmation_reason,omitempty"`
	Confirmation         *confirm.Result         `json:"confirmation,omitempty"`
	Warnings             []string                `json:"warnings,omitempty"`
	Violations           []permissions.Violation `json:"violations,omitempty"`
	Anomalies            []*anomaly.Anomaly      `json:"anomalies,omitempty"`
	PolicyID             string                  `json:"policy_id,omitempty"`
}

// Denial causes for statistics and metrics.
const (
	causePermission   = "permission"
	causeSanitization = "sanitization"
	causeAnomaly      = "anomaly"
	causeConfirmation = "confirmation"
	causeExecution    = "execution"
)

// Config wires the executor's collaborators. Nil fields get working
// defaults; Executor is the only field without one, and leaving it nil makes
// every allowed call fail with ErrNoExecutor.
type Config struct {
	Trust     *trust.Manager
	Anomalies *anomaly.Service
	Auditor   *audit.Logger
	Policies  policy.Provider
	Executor  ToolExecutor
	Prompter  confirm.Prompter
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// SecureExecutor is the pipeline facade. It is safe for concurrent use:
// the stateless stages are pure, and the trust and anomaly services
// serialize their own mutations.
type SecureExecutor struct {
	assessor  *risk.Assessor
	sanitizer *sanitize.Sanitizer
	trust     *trust.Manager
	anomalies *anomaly.Service
	confirmer *confirm.Engine
	auditor   *audit.Logger
	policies  policy.Provider
	executor  ToolExecutor
	prompter  confirm.Prompter
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu    sync.Mutex
	stats ExecutionCounters
}

// NewSecureExecutor builds the facade. A nil Anomalies service is created on
// the spot (with its background loops); pass your own to share it with the
// management API.
func NewSecureExecutor(cfg Config) *SecureExecutor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.NewLogger(nil)
	}
	if cfg.Trust == nil {
		cfg.Trust = trust.NewManager(cfg.Logger)
	}
	if cfg.Anomalies == nil {
		cfg.Anomalies = anomaly.NewService(nil, cfg.Auditor, cfg.Logger)
	}
	if cfg.Policies == nil {
		cfg.Policies = policy.NewStaticProvider(nil, nil)
	}
	if cfg.Prompter == nil {
		cfg.Prompter = confirm.AutoPrompter{}
	}
	if cfg.Metrics != nil {
		cfg.Anomalies.SetMetrics(cfg.Metrics)
	}

	return &SecureExecutor{
		assessor:  risk.NewAssessor(),
		sanitizer: sanitize.NewSanitizer(),
		trust:     cfg.Trust,
		anomalies: cfg.Anomalies,
		confirmer: confirm.NewEngine(cfg.Trust, cfg.Auditor, cfg.Logger),
		auditor:   cfg.Auditor,
		policies:  cfg.Policies,
		executor:  cfg.Executor,
		prompter:  cfg.Prompter,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Trust exposes the trust manager for management surfaces.
func (e *SecureExecutor) Trust() *trust.Manager { return e.trust }

// Anomalies exposes the anomaly service for management surfaces.
func (e *SecureExecutor) Anomalies() *anomaly.Service { return e.anomalies }

// ExecuteSecure runs the full pipeline for one tool call. A non-nil error is
// always one of the gate's denial taxonomy; the returned Result is populated
// either way so callers can inspect what the pipeline saw.
func (e *SecureExecutor) ExecuteSecure(ctx context.Context, toolName string, params map[string]any, execCtx *ExecutionContext) (*Result, error) {
	start := time.Now()
	if execCtx == nil {
		execCtx = &ExecutionContext{}
	}

	res := &Result{Decision: "deny"}
	assessment := e.assessor.Assess(toolName, params)
	res.Risk = assessment

	deny := func(cause, reason string, err error) (*Result, error) {
		e.finish(res, execCtx, toolName, params, assessment, start, cause, reason)
		return res, err
	}

	// 1. Resolve the effective policy; lookup failure falls back to global
	// defaults and is never surfaced.
	pol := e.resolvePolicy(execCtx)
	res.PolicyID = pol.ID

	// 2. Derive the permission bundle and check the raw parameters. The
	// checks intentionally run before sanitization so they see the values
	// the caller actually sent.
	level := e.securityLevelFor(execCtx, pol)
	perms := permissions.Merge(permissions.DefaultsForLevel(level), pol.PermissionOverrides)

	if err := e.checkPermissions(toolName, params, perms, execCtx, res); err != nil {
		e.auditor.LogPolicyViolation(execCtx.UserID, execCtx.UserID, toolName, execCtx.ServerID,
			err.Error(), map[string]any{"security_level": string(level)})
		return deny(causePermission, err.Error(), err)
	}

	// 3. Sanitize. Blocked parameters abort and audit as access-denied.
	opts := pol.Sanitizer
	if execCtx.StrictMode {
		opts.StrictMode = true
	}
	sanitized := e.sanitizer.Sanitize(params, toolName, opts)
	res.Warnings = append(res.Warnings, sanitized.Warnings...)
	if sanitized.Blocked {
		err := &SanitizationBlockedError{Reason: sanitized.Reason, Warnings: sanitized.Warnings}
		e.auditor.LogAccessDenied(execCtx.UserID, execCtx.UserID, toolName, execCtx.ServerID,
			sanitized.Params, string(assessment.Level), sanitized.Reason)
		return deny(causeSanitization, sanitized.Reason, err)
	}

	// 4. Anomaly stage: snapshot pre-existing active anomalies for this
	// scope, then record the execution attempt. Anomalies produced by the
	// current event do not block the call that produced them.
	preexisting := e.anomalies.AnalyzeContext(execCtx.UserID, execCtx.ServerID, "")
	e.recordAnomalyEvent(toolName, sanitized.Params, execCtx)

	if blocking := severeAnomalies(preexisting); len(blocking) > 0 {
		res.Anomalies = blocking
		err := &AnomalyDetectedError{Anomalies: blocking}
		e.auditor.LogAccessDenied(execCtx.UserID, execCtx.UserID, toolName, execCtx.ServerID,
			sanitized.Params, string(assessment.Level), err.Error())
		return deny(causeAnomaly, err.Error(), err)
	}
	res.Anomalies = preexisting

	// 5. Confirmation.
	needed, reason := e.confirmer.EvaluateRequirement(toolName, params, execCtx.ServerID, assessment)
	res.ConfirmationRequired = needed
	res.ConfirmationReason = reason

	conf, err := e.resolveConfirmation(toolName, sanitized.Params, execCtx, assessment, needed, reason, pol)
	if err != nil {
		return deny(causeConfirmation, err.Error(), err)
	}
	res.Confirmation = conf
	if conf.Choice != "" && e.metrics != nil {
		e.metrics.RecordConfirmation(string(conf.Choice))
	}
	if conf.Decision != confirm.DecisionAllow {
		secErr := &SecurityDeniedError{Confirmation: conf}
		return deny(causeConfirmation, conf.Message, secErr)
	}

	// 6. Delegate to the external executor with the sanitized parameters. A
	// missing executor fails like any other execution failure rather than
	// panicking.
	var output any
	execErr := ErrNoExecutor
	if e.executor != nil {
		output, execErr = e.executor.Execute(ctx, toolName, sanitized.Params, execCtx)
	}
	if execErr != nil {
		wrapped := &ExecutionFailedError{ToolName: toolName, Err: execErr}
		res.Decision = "allow"
		res.Allowed = true
		e.finish(res, execCtx, toolName, sanitized.Params, assessment, start, causeExecution, wrapped.Error())
		return res, wrapped
	}

	res.Decision = "allow"
	res.Allowed = true
	res.Output = output
	e.finish(res, execCtx, toolName, sanitized.Params, assessment, start, "", conf.Message)
	return res, nil
}

// ExecuteHeadless runs the pipeline pinned to the headless interface: no
// interactive prompt, no skip branch, synthetic system actor on the audit
// trail.
func (e *SecureExecutor) ExecuteHeadless(ctx context.Context, toolName string, params map[string]any, execCtx *ExecutionContext) (*Result, error) {
	if execCtx == nil {
		execCtx = &ExecutionContext{}
	}
	pinned := *execCtx
	pinned.Interface = InterfaceHeadless
	pinned.SkipConfirmation = false
	return e.ExecuteSecure(ctx, toolName, params, &pinned)
}

// resolvePolicy looks up the effective policy, falling back to the global
// default on any failure.
func (e *SecureExecutor) resolvePolicy(execCtx *ExecutionContext) *policy.SecurityPolicy {
	pol, err := e.policies.EffectivePolicy(execCtx.ServerID, execCtx.UserID)
	if err == nil && pol != nil {
		return pol
	}
	if err != nil {
		e.logger.Warn("policy lookup failed, using global default",
			zap.String("server_id", execCtx.ServerID), zap.Error(err))
	}
	if global := e.policies.GlobalSettings(); global != nil && global.DefaultPolicy != nil {
		return global.DefaultPolicy
	}
	return policy.DefaultPolicy()
}

// securityLevelFor derives the caller's security level: admin roles win,
// emergency mode and restricted policies force Restricted, everyone else is
// Standard.
func (e *SecureExecutor) securityLevelFor(execCtx *ExecutionContext, pol *policy.SecurityPolicy) permissions.SecurityLevel {
	if execCtx.hasRole("admin", "security_admin") {
		return permissions.LevelAdmin
	}
	if e.policies.EmergencyModeActive() || pol.DefaultSecurityLevel == permissions.LevelRestricted {
		return permissions.LevelRestricted
	}
	return permissions.LevelStandard
}

// checkPermissions runs the permission checks against the raw parameters:
// path-shaped fields against the filesystem rules, url-shaped fields against
// the network rules, the tool name as a command candidate, and the reported
// resource usage against the ceilings.
func (e *SecureExecutor) checkPermissions(toolName string, params map[string]any, perms *permissions.Permissions, execCtx *ExecutionContext, res *Result) error {
	targets := extractTargets(params)
	mode := fileModeForTool(toolName)

	for _, path := range targets.paths {
		if check := perms.CheckFileAccess(path, mode); !check.Allowed {
			return &PermissionDeniedError{Reason: check.Reason}
		}
	}
	for _, rawURL := range targets.urls {
		if check := perms.CheckNetworkAccess(rawURL); !check.Allowed {
			return &PermissionDeniedError{Reason: check.Reason}
		}
	}
	if check := perms.CheckCommandPermission(toolName); !check.Allowed {
		return &PermissionDeniedError{Reason: check.Reason}
	}
	if execCtx.ResourceUsage != nil {
		if violations := perms.CheckResourceLimits(*execCtx.ResourceUsage); len(violations) > 0 {
			res.Violations = violations
			return &PermissionDeniedError{Reason: "resource limits exceeded", Violations: violations}
		}
	}
	return nil
}

// resolveConfirmation picks the confirmation path for the call.
func (e *SecureExecutor) resolveConfirmation(toolName string, params map[string]any, execCtx *ExecutionContext, assessment *risk.Assessment, needed bool, reason string, pol *policy.SecurityPolicy) (*confirm.Result, error) {
	if execCtx.SkipConfirmation {
		return &confirm.Result{Decision: confirm.DecisionAllow, Message: "admin override"}, nil
	}
	if !needed {
		return &confirm.Result{Decision: confirm.DecisionAllow, Message: reason}, nil
	}

	req := &confirm.Request{
		ToolName:             toolName,
		Parameters:           params,
		ServerID:             execCtx.ServerID,
		UserID:               execCtx.UserID,
		SessionID:            execCtx.SessionID,
		Actor:                execCtx.UserID,
		Risk:                 assessment,
		RequiresConfirmation: needed,
		Reason:               reason,
	}

	if execCtx.Interface == InterfaceHeadless {
		req.Actor = ""
		return e.confirmer.HandleHeadless(req, confirm.HeadlessPolicy{AutoBlockHighRisk: pol.AutoBlockHighRisk}), nil
	}
	return e.confirmer.RequestConfirmation(req, e.prompter)
}

// recordAnomalyEvent feeds the execution attempt into the detector service.
func (e *SecureExecutor) recordAnomalyEvent(toolName string, params map[string]any, execCtx *ExecutionContext) {
	event := &anomaly.Event{
		UserID:     execCtx.UserID,
		ServerID:   execCtx.ServerID,
		SessionID:  execCtx.SessionID,
		ToolName:   toolName,
		Parameters: params,
	}
	if usage := execCtx.ResourceUsage; usage != nil {
		cpu, mem := usage.CPUPercent, usage.MemoryMB
		event.CPUPercent = &cpu
		event.MemoryMB = &mem
	}
	e.anomalies.RecordEvent(event)
}

// finish emits the unconditional tool_execution audit row and updates
// statistics and metrics. Every pipeline exit passes through here exactly
// once.
func (e *SecureExecutor) finish(res *Result, execCtx *ExecutionContext, toolName string, params map[string]any, assessment *risk.Assessment, start time.Time, denyCause, reason string) {
	actor := execCtx.UserID
	if execCtx.Interface == InterfaceHeadless && actor == "" {
		actor = "system/headless"
	}
	e.auditor.LogToolExecution(actor, execCtx.UserID, execCtx.SessionID, toolName,
		execCtx.ServerID, params, string(assessment.Level), res.Decision, reason,
		map[string]any{"policy_id": res.PolicyID})

	e.mu.Lock()
	e.stats.Total++
	if res.Allowed {
		e.stats.Allowed++
		if denyCause == causeExecution {
			e.stats.ExecutionFailures++
		}
	} else {
		e.stats.Denied++
		if e.stats.DeniedByCause == nil {
			e.stats.DeniedByCause = make(map[string]int64)
		}
		e.stats.DeniedByCause[denyCause]++
	}
	e.mu.Unlock()

	if e.metrics != nil {
		decision := res.Decision
		if denyCause == causeExecution {
			decision = "error"
		}
		e.metrics.RecordExecution(execCtx.ServerID, toolName, decision, time.Since(start))
		if !res.Allowed {
			e.metrics.RecordDenial(denyCause)
		}
		e.metrics.SetTrustedServers(e.trust.Summarize().Trusted)
	}
}

// ExecutionCounters aggregates pipeline outcomes.
type ExecutionCounters struct {
	Total             int64            `json:"total"`
	Allowed           int64            `json:"allowed"`
	Denied            int64            `json:"denied"`
	ExecutionFailures int64            `json:"execution_failures"`
	DeniedByCause     map[string]int64 `json:"denied_by_cause,omitempty"`
}

// Statistics is the gate-wide snapshot served by get_statistics.
type Statistics struct {
	Executions ExecutionCounters  `json:"executions"`
	Anomalies  anomaly.Statistics `json:"anomalies"`
	Trust      trust.Summary      `json:"trust"`
}

// GetStatistics snapshots execution, anomaly, and trust counters.
func (e *SecureExecutor) GetStatistics() Statistics {
	e.mu.Lock()
	counters := e.stats
	if counters.DeniedByCause != nil {
		byCause := make(map[string]int64, len(counters.DeniedByCause))
		for k, v := range counters.DeniedByCause {
			byCause[k] = v
		}
		counters.DeniedByCause = byCause
	}
	e.mu.Unlock()

	return Statistics{
		Executions: counters,
		Anomalies:  e.anomalies.Stats(),
		Trust:      e.trust.Summarize(),
	}
}

// severeAnomalies filters for High and Critical severities.
func severeAnomalies(in []*anomaly.Anomaly) []*anomaly.Anomaly {
	var out []*anomaly.Anomaly
	for _, a := range in {
		if a.Severity == anomaly.SeverityHigh || a.Severity == anomaly.SeverityCritical {
			out = append(out, a)
		}
	}
	return out
}

// pathParamKeys and urlParamKeys mirror the shape heuristics the risk and
// sanitize layers use, so all three agree on what a value is.
var pathParamKeys = map[string]bool{
	"path": true, "file": true, "file_path": true, "filepath": true,
	"filename": true, "dir": true, "directory": true, "source": true,
	"destination": true, "target": true,
}

var urlParamKeys = map[string]bool{
	"url": true, "uri": true, "endpoint": true, "link": true, "href": true,
}

// writeTools maps tool names to write-mode filesystem checks.
var writeTools = map[string]bool{
	"write_file": true, "delete_file": true, "move_file": true, "create_directory": true,
}

func fileModeForTool(toolName string) permissions.AccessMode {
	if writeTools[strings.ToLower(toolName)] {
		return permissions.AccessWrite
	}
	return permissions.AccessRead
}

type targets struct {
	paths []string
	urls  []string
}

// extractTargets walks the parameter tree collecting path- and url-shaped
// string values.
func extractTargets(params map[string]any) targets {
	var t targets
	collectTargets(params, &t)
	return t
}

func collectTargets(value any, t *targets) {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			lowKey := strings.ToLower(key)
			if str, ok := nested.(string); ok {
				switch {
				case pathParamKeys[lowKey]:
					t.paths = append(t.paths, str)
				case urlParamKeys[lowKey]:
					t.urls = append(t.urls, str)
				}
				continue
			}
			collectTargets(nested, t)
		}
	case []any:
		for _, item := range v {
			collectTargets(item, t)
		}
	}
}
