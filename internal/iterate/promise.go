// Package iterate implements the bounded validate-advance-complete loop:
// completion-promise parsing, safety guards, pluggable validation rules,
// per-task stop hooks, and the continuation guard.
package iterate

import (
	"regexp"
	"strings"
)

// promiseTagPattern matches <promise>TYPE</promise> case-insensitively with
// optional whitespace padding inside the tag.
func promiseTagPattern(promiseType string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)<promise>\s*` + regexp.QuoteMeta(promiseType) + `\s*</promise>`)
}

var (
	completeTag = promiseTagPattern("COMPLETE")
	blockedTag  = promiseTagPattern("BLOCKED")
)

// DetectPromiseByTag finds a <promise>TYPE</promise> tag in the output and
// returns it together with any trailing context up to the next blank line.
// Returns "" when the tag is absent.
func DetectPromiseByTag(output, promiseType string) string {
	var pattern *regexp.Regexp
	switch strings.ToUpper(promiseType) {
	case "COMPLETE":
		pattern = completeTag
	case "BLOCKED":
		pattern = blockedTag
	default:
		pattern = promiseTagPattern(promiseType)
	}

	loc := pattern.FindStringIndex(output)
	if loc == nil {
		return ""
	}

	rest := output[loc[0]:]
	if end := strings.Index(rest, "\n\n"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// DetectConfiguredPromises returns every configured promise string that
// appears verbatim in the output. Legacy substring matching, kept for
// callers that configure promises without the tag grammar.
func DetectConfiguredPromises(output string, promises []string) []string {
	detected := make([]string, 0)
	for _, p := range promises {
		if p != "" && strings.Contains(output, p) {
			detected = append(detected, p)
		}
	}
	return detected
}
