// Package classify derives PRD types and task activation modes from free-form
// title and description text using fixed whole-word keyword matching.
package classify

import (
	"regexp"
	"strings"

	"loom/internal/types"
)

// Keyword sets checked in order; the first set with any whole-word match
// decides the PRD type. No match falls through to TECHNICAL.
var prdKeywords = []struct {
	prdType  string
	keywords []string
}{
	{types.PRDDefect, []string{"fix", "bug", "error", "broken", "issue", "crash", "fail"}},
	{types.PRDQuestion, []string{"how", "what", "why", "explain", "investigate", "research", "explore"}},
	{types.PRDExperience, []string{"ui", "ux", "design", "interface", "modal", "form", "screen", "page", "layout", "component", "visual", "interaction"}},
	{types.PRDFeature, []string{"add", "implement", "create", "build", "develop", "introduce", "enable"}},
}

var prdMatchers = buildPRDMatchers()

func buildPRDMatchers() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(prdKeywords))
	for i, set := range prdKeywords {
		out[i] = regexp.MustCompile(`(?i)\b(` + strings.Join(set.keywords, "|") + `)\b`)
	}
	return out
}

// PRDType classifies a PRD from its title and description.
func PRDType(title, description string) string {
	text := title + " " + description
	for i, set := range prdKeywords {
		if prdMatchers[i].MatchString(text) {
			return set.prdType
		}
	}
	return types.PRDTechnical
}

// ScopeLockDefault returns the default scope_locked flag for a PRD type.
// Feature and experience work is scope-locked out of the box.
func ScopeLockDefault(prdType string) bool {
	return prdType == types.PRDFeature || prdType == types.PRDExperience
}

// activationPattern matches depth-of-analysis keywords as whole words.
var activationPattern = regexp.MustCompile(
	`(?i)\b(ultrawork|analyze|analysis|analyse|quick|fast|rapid|thorough|comprehensive|detailed|in-depth)\b`)

// ActivationMode detects a task's activation mode from title and description.
// The last keyword occurrence wins. Returns "" when nothing matches.
func ActivationMode(title, description string) string {
	matches := activationPattern.FindAllString(title+" "+description, -1)
	if len(matches) == 0 {
		return ""
	}
	switch strings.ToLower(matches[len(matches)-1]) {
	case "ultrawork":
		return types.ModeUltrawork
	case "analyze", "analysis", "analyse":
		return types.ModeAnalyze
	case "quick", "fast", "rapid":
		return types.ModeQuick
	default:
		return types.ModeThorough
	}
}
