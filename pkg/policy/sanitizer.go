package policy

import (
	"regexp"
	"strings"
)

// Sanitizer rewrites recoverable risk patterns. Today that means interpreter
// exit calls: model-generated scripts routinely end with sys.exit(0), which
// would tear down the sandbox process group, but removing the call changes
// nothing about what the script computes.

// exitStmtPatterns match one statement that is nothing but an exit call.
// Each line is split on semicolons first, so `import sys; sys.exit(1)` is
// handled the same as an exit on its own line.
var exitStmtPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^sys\.exit\s*\(.*?\)$`),
	regexp.MustCompile(`^os\._exit\s*\(.*?\)$`),
	regexp.MustCompile(`^(exit|quit)\s*\(\s*\d*\s*\)$`),
}

func isExitStatement(stmt string) bool {
	for _, pattern := range exitStmtPatterns {
		if pattern.MatchString(stmt) {
			return true
		}
	}
	return false
}

// Sanitize strips interpreter-exit statements, whether they occupy a whole
// line or trail a semicolon-separated one. Returns the rewritten code and
// whether anything changed. Exit calls that are part of a larger expression
// are left alone; those still fail analysis afterwards.
func Sanitize(code string) (string, bool) {
	lines := strings.Split(code, "\n")
	changed := false

	for i, line := range lines {
		segments := strings.Split(line, ";")
		lineChanged := false
		for j, seg := range segments {
			trimmed := strings.TrimSpace(seg)
			if trimmed == "" || !isExitStatement(trimmed) {
				continue
			}
			// Keep the indentation so a lone exit in a block stays
			// syntactically valid; "pass" preserves the statement count.
			lead := seg[:strings.Index(seg, trimmed)]
			segments[j] = lead + "pass"
			lineChanged = true
		}
		if lineChanged {
			lines[i] = strings.Join(segments, ";")
			changed = true
		}
	}
	if !changed {
		return code, false
	}
	return strings.Join(lines, "\n"), true
}

// SanitizeAndReanalyze runs the sanitizer and re-checks the result. The
// returned report reflects the rewritten code.
func SanitizeAndReanalyze(code string) (string, *Report, bool) {
	sanitized, changed := Sanitize(code)
	if !changed {
		return code, Analyze(code), false
	}
	return sanitized, Analyze(sanitized), true
}
