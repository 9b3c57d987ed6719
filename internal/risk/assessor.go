package risk

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// toolFactors maps well-known tool names to the factor implied by calling them.
var toolFactors = map[string]Factor{
	"read_file":       FactorReadOnlyOperation,
	"list_directory":  FactorReadOnlyOperation,
	"write_file":      FactorFileModification,
	"delete_file":     FactorDestructiveOperation,
	"execute_command": FactorSystemCommandExecution,
	"http_request":    FactorNetworkAccess,
}

// pathParamKeys are parameter names treated as filesystem paths.
var pathParamKeys = map[string]bool{
	"path": true, "file": true, "file_path": true, "filepath": true,
	"filename": true, "dir": true, "directory": true, "source": true,
	"destination": true, "target": true,
}

// commandParamKeys are parameter names treated as shell commands.
var commandParamKeys = map[string]bool{
	"command": true, "cmd": true, "script": true, "shell": true, "exec": true,
}

// urlParamKeys are parameter names treated as URLs.
var urlParamKeys = map[string]bool{
	"url": true, "uri": true, "endpoint": true, "link": true, "href": true,
}

// sensitivePathFragments flags access to system directories, home-directory
// secrets, and credential files.
var sensitivePathFragments = []string{
	"/etc/", "/sys/", "/proc/", "/boot/", "/dev/",
	"/root/", "/var/log/", "system32", "\\windows\\",
	".ssh", ".gnupg", ".aws", ".kube",
	"id_rsa", "id_ed25519", "authorized_keys", "known_hosts",
	".pem", ".key", ".crt", ".pfx",
	"passwd", "shadow", "credential", "secret",
	".env", ".netrc", ".htpasswd",
}

// destructiveCommandFragments are command substrings that can destroy data or
// reconfigure the host.
var destructiveCommandFragments = []string{
	"rm -rf", "rm -fr", "chmod 777", "chown -r", "sudo ",
	"dd if=", "mkfs", "fdisk", "format c:", "del /s",
	"shutdown", "reboot", "killall", ":(){",
}

// shellMetacharacters enable chaining or substitution inside a command string.
var shellMetacharacters = []string{";", "&&", "||", "|", "`", "$(", "${"}

// systemCommandNames are binaries that modify system state when run.
var systemCommandNames = []string{
	"systemctl", "service", "mount", "umount", "modprobe",
	"iptables", "useradd", "userdel", "usermod", "passwd",
	"crontab", "sysctl", "setenforce",
}

// insecureSchemes transmit data without transport security.
var insecureSchemes = map[string]bool{
	"http": true, "ftp": true, "telnet": true, "ldap": true,
}

// sensitiveDataKeywords mark values that likely embed credentials.
var sensitiveDataKeywords = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"private_key", "credential", "auth",
}

// Assessor identifies risk factors for tool calls and classifies them.
// The zero value is usable; NewAssessor exists for symmetry with the other
// framework services.
type Assessor struct{}

// NewAssessor returns a stateless risk assessor.
func NewAssessor() *Assessor {
	return &Assessor{}
}

// Assess inspects a tool call and produces an Assessment. It never fails:
// malformed parameters simply contribute no factors.
func (a *Assessor) Assess(toolName string, params map[string]any) *Assessment {
	factors := make(map[Factor]bool)

	if f, ok := toolFactors[strings.ToLower(toolName)]; ok {
		factors[f] = true
	}

	for key, value := range params {
		str, ok := value.(string)
		if !ok {
			continue
		}
		lowKey := strings.ToLower(key)
		switch {
		case pathParamKeys[lowKey]:
			a.assessPath(str, factors)
		case commandParamKeys[lowKey]:
			a.assessCommand(str, factors)
		case urlParamKeys[lowKey]:
			a.assessURL(str, factors)
		}
	}

	if containsSensitiveValue(params) {
		factors[FactorSensitiveDataDetected] = true
	}

	list := sortedFactors(factors)
	score := clampScore(sumWeights(list))
	level := classify(list, score)

	return &Assessment{
		Level:           level,
		Factors:         list,
		Score:           score,
		Description:     describe(toolName, level, list),
		Recommendations: recommend(list),
	}
}

// assessPath classifies a path-shaped value into exactly one of traversal,
// sensitive, or safe.
func (a *Assessor) assessPath(path string, factors map[Factor]bool) {
	low := strings.ToLower(path)
	switch {
	case strings.Contains(path, "../") || strings.Contains(path, "..\\"):
		factors[FactorPathTraversalRisk] = true
	case matchesAnyFragment(low, sensitivePathFragments):
		factors[FactorSensitivePath] = true
	default:
		factors[FactorSafePath] = true
	}
}

// assessCommand can contribute several factors at once: a command may be
// destructive, injectable, and system-modifying simultaneously.
func (a *Assessor) assessCommand(command string, factors map[Factor]bool) {
	low := strings.ToLower(command)
	if matchesAnyFragment(low, destructiveCommandFragments) {
		factors[FactorDestructiveCommand] = true
	}
	for _, meta := range shellMetacharacters {
		if strings.Contains(command, meta) {
			factors[FactorCommandInjectionRisk] = true
			break
		}
	}
	fields := strings.Fields(low)
	for _, field := range fields {
		for _, name := range systemCommandNames {
			if field == name {
				factors[FactorSystemModification] = true
				return
			}
		}
	}
}

func (a *Assessor) assessURL(rawURL string, factors map[Factor]bool) {
	factors[FactorNetworkAccess] = true

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return
	}
	host := strings.ToLower(parsed.Hostname())
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		factors[FactorExternalService] = true
	}
	if insecureSchemes[strings.ToLower(parsed.Scheme)] {
		factors[FactorInsecureProtocol] = true
	}
}

// containsSensitiveValue recursively scans a parameter tree for credential
// keywords in string values.
func containsSensitiveValue(value any) bool {
	switch v := value.(type) {
	case string:
		low := strings.ToLower(v)
		for _, kw := range sensitiveDataKeywords {
			if strings.Contains(low, kw) {
				return true
			}
		}
	case map[string]any:
		for _, nested := range v {
			if containsSensitiveValue(nested) {
				return true
			}
		}
	case []any:
		for _, nested := range v {
			if containsSensitiveValue(nested) {
				return true
			}
		}
	}
	return false
}

func matchesAnyFragment(s string, fragments []string) bool {
	for _, frag := range fragments {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

func sortedFactors(set map[Factor]bool) []Factor {
	list := make([]Factor, 0, len(set))
	for f := range set {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

func sumWeights(factors []Factor) float64 {
	var sum float64
	for _, f := range factors {
		sum += f.Weight()
	}
	return sum
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// classify maps factors and score to a level. Critical and high factors take
// precedence over the numeric thresholds: a negative SafePath weight must not
// dilute a destructive command into a lower band.
func classify(factors []Factor, score float64) Level {
	for _, f := range factors {
		for _, crit := range criticalFactors {
			if f == crit {
				return LevelCritical
			}
		}
	}
	for _, f := range factors {
		for _, high := range highFactors {
			if f == high {
				return LevelHigh
			}
		}
	}
	switch {
	case score > 0.6:
		return LevelHigh
	case score > 0.3:
		return LevelMedium
	case score > 0.1:
		return LevelLow
	default:
		return LevelLow
	}
}

func describe(toolName string, level Level, factors []Factor) string {
	if len(factors) == 0 {
		return fmt.Sprintf("tool %q assessed as %s risk with no notable factors", toolName, level)
	}
	names := make([]string, len(factors))
	for i, f := range factors {
		names[i] = string(f)
	}
	return fmt.Sprintf("tool %q assessed as %s risk: %s", toolName, level, strings.Join(names, ", "))
}

// recommend returns operator-facing guidance for the identified factors.
func recommend(factors []Factor) []string {
	var recs []string
	for _, f := range factors {
		switch f {
		case FactorDestructiveCommand:
			recs = append(recs, "review the command carefully before allowing; it can destroy data")
		case FactorCommandInjectionRisk:
			recs = append(recs, "command contains shell metacharacters; verify it is not an injection attempt")
		case FactorPathTraversalRisk:
			recs = append(recs, "path contains traversal sequences; deny unless explicitly intended")
		case FactorSensitivePath:
			recs = append(recs, "path touches a sensitive system or credential location")
		case FactorInsecureProtocol:
			recs = append(recs, "request uses an unencrypted protocol; prefer https")
		case FactorSensitiveDataDetected:
			recs = append(recs, "parameters appear to contain credentials; avoid passing secrets to tools")
		}
	}
	return recs
}
