// Package sechook implements the pre-tool-use security pipeline: a
// priority-ordered rule registry evaluated against tool invocations before
// they run. Any BLOCK verdict stops the tool; WARN verdicts are surfaced but
// do not.
package sechook

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"loom/internal/logging"
	"loom/internal/types"
)

// Input is the tool invocation under evaluation.
type Input struct {
	ToolName  string                 `json:"toolName"`
	ToolInput map[string]interface{} `json:"toolInput"`
	Metadata  types.Metadata         `json:"metadata,omitempty"`
}

// Violation is one rule's finding about an invocation.
type Violation struct {
	RuleName       string `json:"ruleName"`
	Action         string `json:"action"`
	Severity       string `json:"severity"`
	Reason         string `json:"reason"`
	MatchedPattern string `json:"matchedPattern,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Decision is the aggregated outcome over all enabled rules.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Action     string      `json:"action"`
	Violations []Violation `json:"violations"`
}

// Rule is one registered security rule. Higher priority runs first.
type Rule struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Priority    int
	Evaluate    func(in Input) []Violation
}

// RuleInfo is the externally-visible view of a rule.
type RuleInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Priority    int    `json:"priority"`
	Builtin     bool   `json:"builtin"`
}

type entry struct {
	rule    Rule
	builtin bool
}

var (
	mu      sync.RWMutex
	entries []entry
)

// Register adds a rule to the registry.
func Register(r Rule) error {
	return register(r, false)
}

func register(r Rule, builtin bool) error {
	if r.ID == "" || r.Name == "" {
		return types.NewValidation("rule", "id and name are required")
	}
	mu.Lock()
	defer mu.Unlock()
	for _, e := range entries {
		if e.rule.ID == r.ID {
			return types.NewValidation("rule", "duplicate rule id %q", r.ID)
		}
	}
	entries = append(entries, entry{rule: r, builtin: builtin})
	logging.Hooks("security rule registered: %s (priority %d)", r.ID, r.Priority)
	return nil
}

// Toggle enables or disables a rule by id.
func Toggle(id string, enabled bool) error {
	mu.Lock()
	defer mu.Unlock()
	for i := range entries {
		if entries[i].rule.ID == id {
			entries[i].rule.Enabled = enabled
			logging.Hooks("security rule %s enabled=%v", id, enabled)
			return nil
		}
	}
	return types.NewNotFound("security rule", id)
}

// List returns all rules sorted by descending priority.
func List() []RuleInfo {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]RuleInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, RuleInfo{
			ID: e.rule.ID, Name: e.rule.Name, Description: e.rule.Description,
			Enabled: e.rule.Enabled, Priority: e.rule.Priority, Builtin: e.builtin,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Reset restores the built-in rule set. For tests.
func Reset() {
	mu.Lock()
	entries = nil
	mu.Unlock()
	registerBuiltins()
}

// Evaluate runs enabled rules in descending priority order and aggregates
// their verdicts: any BLOCK blocks, else any WARN warns, else ALLOW.
func Evaluate(in Input) Decision {
	mu.RLock()
	ordered := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.rule.Enabled {
			ordered = append(ordered, e)
		}
	}
	mu.RUnlock()
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].rule.Priority > ordered[j].rule.Priority })

	d := Decision{Allowed: true, Action: types.ActionAllow, Violations: []Violation{}}
	for _, e := range ordered {
		for _, v := range e.rule.Evaluate(in) {
			if v.RuleName == "" {
				v.RuleName = e.rule.Name
			}
			d.Violations = append(d.Violations, v)
			switch v.Action {
			case types.ActionBlock:
				d.Action = types.ActionBlock
				d.Allowed = false
			case types.ActionWarn:
				if d.Action != types.ActionBlock {
					d.Action = types.ActionWarn
				}
			}
		}
	}

	if !d.Allowed {
		logging.Hooks("blocked tool %s: %d violations", in.ToolName, len(d.Violations))
	}
	return d
}

// Test evaluates an invocation without executing it and reports how long
// the evaluation took.
func Test(in Input) (Decision, time.Duration) {
	start := time.Now()
	d := Evaluate(in)
	return d, time.Since(start)
}

// PatternSpec declares one regex with its verdict for a pattern rule.
type PatternSpec struct {
	Pattern        string `json:"pattern"`
	Action         string `json:"action"`
	Severity       string `json:"severity"`
	Reason         string `json:"reason"`
	Recommendation string `json:"recommendation,omitempty"`
}

// NewPatternRule builds a rule that concatenates all string-valued entries of
// toolInput with newlines and tests each pattern case-insensitively. The
// first matching pattern wins.
func NewPatternRule(id, name, description string, priority int, specs []PatternSpec) (Rule, error) {
	type compiled struct {
		re   *regexp.Regexp
		spec PatternSpec
	}
	patterns := make([]compiled, 0, len(specs))
	for _, spec := range specs {
		re, err := regexp.Compile("(?i)" + spec.Pattern)
		if err != nil {
			return Rule{}, types.NewValidation("pattern", "%q: %v", spec.Pattern, err)
		}
		if spec.Action != types.ActionAllow && spec.Action != types.ActionWarn && spec.Action != types.ActionBlock {
			return Rule{}, types.NewValidation("action", "unknown action %q", spec.Action)
		}
		patterns = append(patterns, compiled{re: re, spec: spec})
	}

	return Rule{
		ID: id, Name: name, Description: description,
		Enabled: true, Priority: priority,
		Evaluate: func(in Input) []Violation {
			text := flattenInput(in.ToolInput)
			for _, p := range patterns {
				if m := p.re.FindString(text); m != "" {
					return []Violation{{
						Action:         p.spec.Action,
						Severity:       p.spec.Severity,
						Reason:         p.spec.Reason,
						MatchedPattern: p.spec.Pattern,
						Recommendation: p.spec.Recommendation,
					}}
				}
			}
			return nil
		},
	}, nil
}

// flattenInput concatenates string values of the tool input, newline
// separated, in sorted key order for determinism.
func flattenInput(input map[string]interface{}) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if s, ok := input[k].(string); ok {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(s)
		}
	}
	return b.String()
}

func registerBuiltins() {
	destructive, _ := NewPatternRule(
		"builtin-destructive-commands", "destructive_commands",
		"Blocks commands that destroy data or repositories", 100,
		[]PatternSpec{
			{Pattern: `rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\s+/(\s|$)`, Action: types.ActionBlock,
				Severity: types.SeverityCritical, Reason: "recursive delete of filesystem root",
				Recommendation: "operate on an explicit project subdirectory"},
			{Pattern: `git\s+push\s+.*--force(\s|$)`, Action: types.ActionWarn,
				Severity: types.SeverityHigh, Reason: "force push rewrites shared history",
				Recommendation: "prefer --force-with-lease"},
			{Pattern: `mkfs|dd\s+if=.*of=/dev/`, Action: types.ActionBlock,
				Severity: types.SeverityCritical, Reason: "raw device write"},
		})

	secrets, _ := NewPatternRule(
		"builtin-secret-access", "secret_access",
		"Warns on access to credential material", 90,
		[]PatternSpec{
			{Pattern: `(^|[\s/])\.env(\.|[\s"']|$)`, Action: types.ActionWarn,
				Severity: types.SeverityMedium, Reason: "environment file may contain secrets"},
			{Pattern: `id_rsa|id_ed25519|\.pem(\s|"|'|$)`, Action: types.ActionBlock,
				Severity: types.SeverityCritical, Reason: "private key material referenced",
				Recommendation: "keys must never enter agent context"},
			{Pattern: `aws_secret_access_key|api[_-]?key\s*=`, Action: types.ActionWarn,
				Severity: types.SeverityHigh, Reason: "credential assignment in tool input"},
		})

	pipedInstall, _ := NewPatternRule(
		"builtin-piped-install", "piped_install",
		"Blocks piping remote scripts into a shell", 80,
		[]PatternSpec{
			{Pattern: `(curl|wget)\s+[^|]*\|\s*(ba)?sh`, Action: types.ActionBlock,
				Severity: types.SeverityHigh, Reason: "remote script piped into shell",
				Recommendation: "download, inspect, then run"},
		})

	for _, r := range []Rule{destructive, secrets, pipedInstall} {
		if err := register(r, true); err != nil {
			logging.Hooks("builtin rule registration failed: %v", err)
		}
	}
}

func init() {
	registerBuiltins()
}

// String renders a decision for logs.
func (d Decision) String() string {
	return fmt.Sprintf("%s (%d violations)", d.Action, len(d.Violations))
}
