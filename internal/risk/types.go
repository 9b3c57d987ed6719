// Package risk assesses the danger of a prospective tool call before it is
// allowed to execute. Assessment is pure: the same tool name and parameters
// always produce the same RiskAssessment, so the assessor is safe to share
// across any number of concurrent callers.
package risk

// Level represents the overall risk classification of a tool call.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Severity returns a numeric ordering for risk levels. Higher is riskier.
func (l Level) Severity() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// Factor is a single identified risk factor. The set is closed: every
// decision point switches exhaustively over these values.
type Factor string

const (
	FactorSafePath               Factor = "safe_path"
	FactorSensitivePath          Factor = "sensitive_path"
	FactorPathTraversalRisk      Factor = "path_traversal_risk"
	FactorReadOnlyOperation      Factor = "read_only_operation"
	FactorFileModification       Factor = "file_modification"
	FactorDestructiveOperation   Factor = "destructive_operation"
	FactorDestructiveCommand     Factor = "destructive_command"
	FactorCommandInjectionRisk   Factor = "command_injection_risk"
	FactorSystemModification     Factor = "system_modification"
	FactorSystemCommandExecution Factor = "system_command_execution"
	FactorNetworkAccess          Factor = "network_access"
	FactorExternalService        Factor = "external_service"
	FactorInsecureProtocol       Factor = "insecure_protocol"
	FactorSensitiveDataDetected  Factor = "sensitive_data_detected"
)

// factorWeights maps each factor to its fixed score contribution.
// SafePath is the only negative weight: a clearly safe path pulls the
// aggregate score down but can never mask a dangerous factor because
// classification checks factor presence before the numeric score.
var factorWeights = map[Factor]float64{
	FactorSafePath:               -0.1,
	FactorReadOnlyOperation:      0.05,
	FactorExternalService:        0.15,
	FactorNetworkAccess:          0.2,
	FactorInsecureProtocol:       0.3,
	FactorFileModification:       0.3,
	FactorSystemCommandExecution: 0.4,
	FactorSensitivePath:          0.5,
	FactorSystemModification:     0.5,
	FactorSensitiveDataDetected:  0.5,
	FactorPathTraversalRisk:      0.6,
	FactorDestructiveOperation:   0.6,
	FactorCommandInjectionRisk:   0.7,
	FactorDestructiveCommand:     0.8,
}

// Weight returns the score contribution of a factor.
func (f Factor) Weight() float64 {
	return factorWeights[f]
}

// criticalFactors force LevelCritical regardless of the numeric score.
var criticalFactors = []Factor{
	FactorDestructiveCommand,
	FactorCommandInjectionRisk,
}

// highFactors force at least LevelHigh regardless of the numeric score.
var highFactors = []Factor{
	FactorSensitivePath,
	FactorPathTraversalRisk,
	FactorSystemModification,
	FactorDestructiveOperation,
	FactorSensitiveDataDetected,
}

// Assessment is the immutable result of assessing one tool call.
type Assessment struct {
	Level           Level    `json:"level"`
	Factors         []Factor `json:"factors"`
	Score           float64  `json:"score"`
	Description     string   `json:"description"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// HasFactor reports whether the assessment identified the given factor.
func (a *Assessment) HasFactor(f Factor) bool {
	for _, have := range a.Factors {
		if have == f {
			return true
		}
	}
	return false
}

// RequiresConfirmation reports whether the risk level alone mandates user
// confirmation. Only LevelLow skips confirmation.
func (a *Assessment) RequiresConfirmation() bool {
	return a.Level != LevelLow
}
