// Package confirm implements the confirmation gate between risk assessment
// and execution: deciding whether a call needs confirmation, translating a
// user's choice into a decision plus trust mutations, and applying the
// headless policy when no human is in the loop.
package confirm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mcp-toolgate/toolgate-go/internal/audit"
	"github.com/mcp-toolgate/toolgate-go/internal/risk"
	"github.com/mcp-toolgate/toolgate-go/internal/trust"
)

// Decision is the binary outcome of a confirmation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Choice is what the user (or a stand-in) selected on the prompt.
type Choice string

const (
	ChoiceExecuteOnce       Choice = "execute_once"
	ChoiceAlwaysAllowTool   Choice = "always_allow_tool"
	ChoiceAlwaysTrustServer Choice = "always_trust_server"
	ChoiceBlockTool         Choice = "block_tool"
	ChoiceCancel            Choice = "cancel"
)

// Request carries everything needed to resolve one confirmation.
type Request struct {
	ToolName   string
	Parameters map[string]any
	ServerID   string
	UserID     string
	SessionID  string
	Actor      string
	Risk       *risk.Assessment
	// RequiresConfirmation and Reason come from EvaluateRequirement.
	RequiresConfirmation bool
	Reason               string
}

// Result is the resolved confirmation outcome.
type Result struct {
	Decision     Decision `json:"decision"`
	Choice       Choice   `json:"choice,omitempty"`
	TrustUpdated bool     `json:"trust_updated"`
	AuditLogged  bool     `json:"audit_logged"`
	Message      string   `json:"message,omitempty"`
}

// HeadlessPolicy controls non-interactive resolution.
type HeadlessPolicy struct {
	// AutoBlockHighRisk denies High-risk calls; Critical is always denied.
	AutoBlockHighRisk bool
}

// Prompter collects a confirmation choice from whoever owns the interactive
// surface. The framework never renders prompts itself.
type Prompter interface {
	Confirm(req *Request) (Choice, error)
}

// AutoPrompter is a deterministic stand-in for automated and test contexts:
// it executes low and medium risk calls once and cancels anything higher.
type AutoPrompter struct{}

// Confirm maps risk level to a fixed choice.
func (AutoPrompter) Confirm(req *Request) (Choice, error) {
	if req.Risk != nil && req.Risk.Level.Severity() >= risk.LevelHigh.Severity() {
		return ChoiceCancel, nil
	}
	return ChoiceExecuteOnce, nil
}

// Engine combines the risk and trust confirmation signals and applies
// choices. Trust mutations happen through the trust manager, so concurrent
// confirmations for one server serialize there.
type Engine struct {
	trust   *trust.Manager
	auditor *audit.Logger
	logger  *zap.Logger
}

// NewEngine creates a confirmation engine.
func NewEngine(trustMgr *trust.Manager, auditor *audit.Logger, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditor == nil {
		auditor = audit.NewLogger(nil)
	}
	return &Engine{trust: trustMgr, auditor: auditor, logger: logger}
}

// EvaluateRequirement decides whether the call needs confirmation: the risk
// layer requires it for anything above Low, the trust layer for its own
// precedence chain. Either signal suffices; the reasons are joined.
func (e *Engine) EvaluateRequirement(toolName string, params map[string]any, serverID string, assessment *risk.Assessment) (bool, string) {
	riskNeeds := assessment != nil && assessment.RequiresConfirmation()
	trustNeeds, trustReason := e.trust.RequiresConfirmation(toolName, params, serverID)

	switch {
	case riskNeeds && trustNeeds:
		return true, fmt.Sprintf("risk level %s; %s", assessment.Level, trustReason)
	case riskNeeds:
		return true, fmt.Sprintf("risk level %s requires confirmation", assessment.Level)
	case trustNeeds:
		return true, trustReason
	default:
		return false, "no confirmation required"
	}
}

// ProcessChoice applies a confirmation choice: mutating trust where the
// choice demands it, and always audit-logging the response.
func (e *Engine) ProcessChoice(req *Request, choice Choice) *Result {
	res := &Result{Choice: choice}

	switch choice {
	case ChoiceExecuteOnce:
		res.Decision = DecisionAllow
		res.Message = "execution approved for this call only"
	case ChoiceAlwaysAllowTool:
		e.trust.WhitelistTool(req.ServerID, req.ToolName)
		res.Decision = DecisionAllow
		res.TrustUpdated = true
		res.Message = fmt.Sprintf("tool %q whitelisted for server %q", req.ToolName, req.ServerID)
	case ChoiceAlwaysTrustServer:
		e.trust.GrantServerTrust(req.ServerID, trust.LevelTrusted, trust.ProvenanceUser, nil)
		res.Decision = DecisionAllow
		res.TrustUpdated = true
		res.Message = fmt.Sprintf("server %q granted trusted status", req.ServerID)
	case ChoiceBlockTool:
		e.trust.BlacklistTool(req.ServerID, req.ToolName)
		res.Decision = DecisionDeny
		res.TrustUpdated = true
		res.Message = fmt.Sprintf("tool %q blacklisted for server %q", req.ToolName, req.ServerID)
	case ChoiceCancel:
		res.Decision = DecisionDeny
		res.Message = "execution cancelled"
	default:
		// Unknown choices deny; an attacker-controlled choice string must
		// not slip through as an allow.
		res.Decision = DecisionDeny
		res.Message = fmt.Sprintf("unrecognized choice %q", choice)
	}

	e.auditor.LogConfirmationResponse(req.Actor, req.UserID, req.ToolName, req.ServerID,
		string(choice), string(res.Decision), res.Message)
	res.AuditLogged = true
	return res
}

// HandleHeadless resolves a confirmation with no human available. Critical
// risk always denies; High denies when the policy says so; everything else
// is allowed. The synthetic system actor is recorded on the audit trail.
func (e *Engine) HandleHeadless(req *Request, pol HeadlessPolicy) *Result {
	actor := req.Actor
	if actor == "" {
		actor = "system/headless"
	}

	res := &Result{}
	level := risk.LevelLow
	if req.Risk != nil {
		level = req.Risk.Level
	}

	switch {
	case level == risk.LevelCritical:
		res.Decision = DecisionDeny
		res.Message = "critical risk is always blocked in headless mode"
	case level == risk.LevelHigh && pol.AutoBlockHighRisk:
		res.Decision = DecisionDeny
		res.Message = "high risk blocked by headless policy"
	default:
		res.Decision = DecisionAllow
		res.Message = "allowed by headless policy"
	}

	e.auditor.LogConfirmationResponse(actor, req.UserID, req.ToolName, req.ServerID,
		"", string(res.Decision), res.Message)
	res.AuditLogged = true
	return res
}

// RequestConfirmation audit-logs that a prompt was raised and collects the
// choice from the prompter.
func (e *Engine) RequestConfirmation(req *Request, prompter Prompter) (*Result, error) {
	level := ""
	if req.Risk != nil {
		level = string(req.Risk.Level)
	}
	e.auditor.LogConfirmationRequested(req.Actor, req.UserID, req.ToolName, req.ServerID,
		level, req.Reason)

	choice, err := prompter.Confirm(req)
	if err != nil {
		// A failed prompt is a denial, not an open gate.
		res := e.ProcessChoice(req, ChoiceCancel)
		res.Message = fmt.Sprintf("confirmation failed: %v", err)
		return res, nil
	}
	return e.ProcessChoice(req, choice), nil
}
