// Package sanitize normalizes and screens tool call parameters before they
// reach an executor. Sanitization is pure and total: malformed or adversarial
// input produces warnings or a blocked result, never a panic.
package sanitize

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const (
	// MaxPathBytes is the longest path accepted before the value is rejected.
	MaxPathBytes = 4096
	// MaxCommandBytes is the truncation point for command values.
	MaxCommandBytes = 1024
	// truncatedNote marks truncated command values in warnings.
	truncatedNote = "truncated"
)

// Options controls sanitizer behavior for one call.
type Options struct {
	// StrictMode enables control-character stripping and suspicious command
	// substring screening.
	StrictMode bool
	// AllowedPaths restricts path values to the given prefixes when non-empty.
	AllowedPaths []string
	// BlockOnSuspicion marks the whole result blocked when any warning fired.
	BlockOnSuspicion bool
}

// Result bundles the sanitized parameter tree with everything the sanitizer
// noticed. Sanitized params are returned even when the result is blocked so
// audit records capture what would have run.
type Result struct {
	Params   map[string]any `json:"params"`
	Warnings []string       `json:"warnings,omitempty"`
	Blocked  bool           `json:"blocked"`
	Reason   string         `json:"reason,omitempty"`
}

// pathKeys, commandKeys and urlKeys mirror the risk assessor's parameter
// shape heuristics so both layers agree on what a value is.
var pathKeys = map[string]bool{
	"path": true, "file": true, "file_path": true, "filepath": true,
	"filename": true, "dir": true, "directory": true, "source": true,
	"destination": true, "target": true,
}

var commandKeys = map[string]bool{
	"command": true, "cmd": true, "script": true, "shell": true, "exec": true,
}

var urlKeys = map[string]bool{
	"url": true, "uri": true, "endpoint": true, "link": true, "href": true,
}

var shellMetacharacters = []string{";", "&&", "||", "|", "`", "$(", "${"}

// suspiciousCommandFragments are screened only in strict mode.
var suspiciousCommandFragments = []string{
	"rm -rf", "chmod 777", "sudo ", "dd if=", "mkfs", "/etc/passwd",
	"/etc/shadow", "curl ", "wget ", "nc -", "base64 -d",
}

var maliciousSchemes = []string{"javascript:", "data:", "vbscript:", "file:"}

var scriptInjectionFragments = []string{
	"<script", "</script", "javascript:", "onerror=", "onload=", "eval(",
	"document.cookie",
}

var sqlInjectionFragments = []string{
	"' or ", "\" or ", "union select", "drop table", "insert into",
	"delete from", "--", "/*", "xp_cmdshell",
}

// Sanitizer screens parameter trees. It is stateless and safe for concurrent
// use.
type Sanitizer struct{}

// NewSanitizer returns a stateless parameter sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Sanitize walks the parameter tree recursively, normalizing values keyed by
// shape and collecting warnings. It never returns an error: terminal problems
// surface as Blocked with a reason.
func (s *Sanitizer) Sanitize(params map[string]any, toolName string, opts Options) *Result {
	res := &Result{Params: make(map[string]any, len(params))}

	for key, value := range params {
		res.Params[key] = s.sanitizeValue(key, value, opts, res)
	}

	if opts.BlockOnSuspicion && len(res.Warnings) > 0 && !res.Blocked {
		res.Blocked = true
		res.Reason = "suspicious parameters: " + strings.Join(res.Warnings, "; ")
	}
	return res
}

func (s *Sanitizer) sanitizeValue(key string, value any, opts Options, res *Result) any {
	switch v := value.(type) {
	case string:
		return s.sanitizeString(key, v, opts, res)
	case map[string]any:
		nested := make(map[string]any, len(v))
		for nk, nv := range v {
			nested[nk] = s.sanitizeValue(nk, nv, opts, res)
		}
		return nested
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			if str, ok := item.(string); ok {
				out[i] = s.sanitizeString(fmt.Sprintf("%s[%d]", key, i), str, opts, res)
			} else {
				out[i] = s.sanitizeValue(key, item, opts, res)
			}
		}
		return out
	default:
		return value
	}
}

func (s *Sanitizer) sanitizeString(key, value string, opts Options, res *Result) string {
	lowKey := strings.ToLower(baseKey(key))
	switch {
	case pathKeys[lowKey]:
		return s.sanitizePath(key, value, opts, res)
	case commandKeys[lowKey]:
		return s.sanitizeCommand(key, value, opts, res)
	case urlKeys[lowKey]:
		return s.sanitizeURL(key, value, res)
	default:
		return s.sanitizeGeneric(key, value, opts, res)
	}
}

// baseKey strips an "[i]" index qualifier so list elements inherit the list
// key's shape.
func baseKey(key string) string {
	if i := strings.IndexByte(key, '['); i > 0 {
		return key[:i]
	}
	return key
}

// SanitizePath validates and normalizes a single path value. Traversal
// sequences and malformed paths always error, regardless of allowedPaths.
func SanitizePath(path string, allowedPaths []string) (string, error) {
	if strings.Contains(path, "../") || strings.Contains(path, "..\\") {
		return "", fmt.Errorf("path %q contains a traversal sequence", path)
	}
	if len(path) >= MaxPathBytes {
		return "", fmt.Errorf("path exceeds %d bytes", MaxPathBytes)
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains a NUL byte")
	}
	for _, r := range path {
		if !unicode.IsPrint(r) && r != '\t' {
			return "", fmt.Errorf("path contains non-printable characters")
		}
	}
	if len(allowedPaths) > 0 {
		permitted := false
		for _, prefix := range allowedPaths {
			if strings.HasPrefix(path, prefix) {
				permitted = true
				break
			}
		}
		if !permitted {
			return "", fmt.Errorf("path %q is outside the allowed prefixes", path)
		}
	}
	return normalizePath(path), nil
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}

func (s *Sanitizer) sanitizePath(key, value string, opts Options, res *Result) string {
	clean, err := SanitizePath(value, opts.AllowedPaths)
	if err != nil {
		res.Blocked = true
		res.Reason = joinReason(res.Reason, fmt.Sprintf("%s: %v", key, err))
		return value
	}
	return clean
}

func (s *Sanitizer) sanitizeCommand(key, value string, opts Options, res *Result) string {
	for _, meta := range shellMetacharacters {
		if strings.Contains(value, meta) {
			res.Blocked = true
			res.Reason = joinReason(res.Reason,
				fmt.Sprintf("%s: command contains shell metacharacter %q", key, meta))
			return value
		}
	}
	if opts.StrictMode {
		low := strings.ToLower(value)
		for _, frag := range suspiciousCommandFragments {
			if strings.Contains(low, frag) {
				res.Blocked = true
				res.Reason = joinReason(res.Reason,
					fmt.Sprintf("%s: command contains suspicious fragment %q", key, strings.TrimSpace(frag)))
				return value
			}
		}
	}

	clean := strings.TrimSpace(value)
	if len(clean) > MaxCommandBytes {
		clean = clean[:MaxCommandBytes]
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: command %s to %d bytes", key, truncatedNote, MaxCommandBytes))
	}
	return clean
}

func (s *Sanitizer) sanitizeURL(key, value string, res *Result) string {
	clean := strings.TrimSpace(value)
	low := strings.ToLower(clean)

	for _, scheme := range maliciousSchemes {
		if strings.HasPrefix(low, scheme) {
			res.Blocked = true
			res.Reason = joinReason(res.Reason,
				fmt.Sprintf("%s: url uses disallowed scheme %q", key, strings.TrimSuffix(scheme, ":")))
			return value
		}
	}

	parsed, err := url.Parse(clean)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		res.Blocked = true
		res.Reason = joinReason(res.Reason, fmt.Sprintf("%s: url %q is not well formed", key, value))
		return value
	}
	return clean
}

func (s *Sanitizer) sanitizeGeneric(key, value string, opts Options, res *Result) string {
	// Injection screening flags but does not block by itself; the caller
	// decides via BlockOnSuspicion.
	low := strings.ToLower(value)
	for _, frag := range scriptInjectionFragments {
		if strings.Contains(low, frag) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: possible script injection (%q)", key, frag))
			break
		}
	}
	for _, frag := range sqlInjectionFragments {
		if strings.Contains(low, frag) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: possible sql injection (%q)", key, strings.TrimSpace(frag)))
			break
		}
	}
	if strings.ContainsRune(value, 0) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: value contains NUL bytes", key))
	}

	clean := strings.TrimSpace(value)
	clean = strings.ReplaceAll(clean, "\x00", "")
	if opts.StrictMode {
		clean = stripControlChars(clean)
	}
	return clean
}

func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

func joinReason(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "; " + addition
}
