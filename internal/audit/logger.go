package audit

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// MaskedValue replaces parameter values whose keys look credential-bearing.
	MaskedValue = "[MASKED]"
	// MaxStringLength is the longest string value logged before truncation.
	MaxStringLength = 200
	// TruncatedSuffix marks truncated string values.
	TruncatedSuffix = "...[TRUNCATED]"
)

// sensitiveKeyFragments mark parameter keys whose values are masked at log
// time, case-insensitively.
var sensitiveKeyFragments = []string{"password", "secret", "token", "key", "auth"}

// Logger writes security events to the zap primary sink and fans out to any
// configured secondary sinks. Sink failures are logged and swallowed; audit
// fan-out must never abort the calling pipeline.
type Logger struct {
	logger  *zap.Logger
	sinks   []Sink
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewLogger creates an audit logger. The zap logger is the mandatory primary
// sink; a nil logger is replaced with a no-op one so tests can run silent.
func NewLogger(logger *zap.Logger, sinks ...Sink) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		logger:  logger,
		sinks:   sinks,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// AddSink registers an additional sink. Not safe to call concurrently with
// LogEvent; wire sinks at construction time in normal operation.
func (l *Logger) AddSink(sink Sink) {
	l.sinks = append(l.sinks, sink)
}

// LogEvent finalizes and writes one event: assigns an ID and timestamp if
// missing, masks parameters, chooses the log level, and fans out.
func (l *Logger) LogEvent(event *SecurityEvent) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = l.newID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Parameters = MaskParameters(event.Parameters)

	fields := []zap.Field{
		zap.String("audit_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("actor", event.Actor),
		zap.String("user_id", event.UserID),
		zap.String("tool_name", event.ToolName),
		zap.String("server_id", event.ServerID),
		zap.String("risk_level", event.RiskLevel),
		zap.String("decision", event.Decision),
		zap.String("reason", event.Reason),
		zap.Any("parameters", event.Parameters),
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	switch logLevelFor(event) {
	case zapcore.ErrorLevel:
		l.logger.Error("security event", fields...)
	case zapcore.WarnLevel:
		l.logger.Warn("security event", fields...)
	default:
		l.logger.Info("security event", fields...)
	}

	for _, sink := range l.sinks {
		if err := sink.Write(event); err != nil {
			l.logger.Warn("audit sink write failed",
				zap.String("audit_id", event.ID), zap.Error(err))
		}
	}
}

func (l *Logger) newID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy).String()
}

// logLevelFor maps an event to its zap level: critical risk logs at error,
// high risk at warn, and access_denied / policy_violation at warn regardless
// of risk.
func logLevelFor(event *SecurityEvent) zapcore.Level {
	if strings.EqualFold(event.RiskLevel, "critical") {
		return zapcore.ErrorLevel
	}
	if strings.EqualFold(event.RiskLevel, "high") {
		return zapcore.WarnLevel
	}
	if event.Type == EventAccessDenied || event.Type == EventPolicyViolation {
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

// MaskParameters returns a copy of the parameter tree with credential-keyed
// values replaced by MaskedValue and long strings truncated. The input is
// never modified.
func MaskParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	masked := make(map[string]any, len(params))
	for key, value := range params {
		if isSensitiveKey(key) {
			masked[key] = MaskedValue
			continue
		}
		masked[key] = maskValue(value)
	}
	return masked
}

func maskValue(value any) any {
	switch v := value.(type) {
	case string:
		if len(v) > MaxStringLength {
			return v[:MaxStringLength] + TruncatedSuffix
		}
		return v
	case map[string]any:
		return MaskParameters(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = maskValue(item)
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	low := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(low, frag) {
			return true
		}
	}
	return false
}
