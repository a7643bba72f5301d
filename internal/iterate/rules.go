package iterate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"loom/internal/logging"
	"loom/internal/proc"
	"loom/internal/types"
)

// Validation rule types.
const (
	RuleCommand   = "command"
	RuleRegex     = "regex"
	RuleSubstring = "substring"
)

// Rule content targets.
const (
	TargetWorkProduct = "work_product"
	TargetTaskNotes   = "task_notes"
	TargetAgentOutput = "agent_output"
)

// RuleInputs carries the content a rule may inspect.
type RuleInputs struct {
	WorkProduct string
	TaskNotes   string
	AgentOutput string
	ProjectRoot string
}

// RuleFunc executes one validation rule spec.
type RuleFunc func(ctx context.Context, spec *types.ValidationRuleSpec, in RuleInputs) types.RuleResult

var (
	rulesMu   sync.RWMutex
	ruleFuncs = map[string]RuleFunc{}
)

// RegisterRuleType adds a rule implementation to the dispatch table.
// The rule-type set is open; plug-ins register at startup.
func RegisterRuleType(ruleType string, fn RuleFunc) {
	rulesMu.Lock()
	defer rulesMu.Unlock()
	ruleFuncs[ruleType] = fn
}

// ValidateRuleSpec checks structural well-formedness against the registered
// rule types.
func ValidateRuleSpec(spec *types.ValidationRuleSpec) error {
	if spec.Name == "" {
		return types.NewValidation("validationRules", "every rule needs a name")
	}
	rulesMu.RLock()
	_, known := ruleFuncs[spec.Type]
	rulesMu.RUnlock()
	if !known {
		return types.NewValidation("validationRules", "rule %q has unknown type %q", spec.Name, spec.Type)
	}
	switch spec.Type {
	case RuleCommand:
		if spec.Command == "" {
			return types.NewValidation("validationRules", "command rule %q needs a command", spec.Name)
		}
	case RuleRegex:
		if spec.Pattern == "" {
			return types.NewValidation("validationRules", "regex rule %q needs a pattern", spec.Name)
		}
		if _, err := regexp.Compile(spec.Pattern); err != nil {
			return types.NewValidation("validationRules", "regex rule %q: %v", spec.Name, err)
		}
	case RuleSubstring:
		if spec.Substring == "" {
			return types.NewValidation("validationRules", "substring rule %q needs a substring", spec.Name)
		}
	}
	return nil
}

// RunRules executes the rule specs in order and returns one result each.
// Rule failures are data; only a missing rule type is reported as a failed
// result rather than an error.
func RunRules(ctx context.Context, specs []types.ValidationRuleSpec, in RuleInputs) []types.RuleResult {
	results := make([]types.RuleResult, 0, len(specs))
	for i := range specs {
		spec := &specs[i]

		rulesMu.RLock()
		fn, ok := ruleFuncs[spec.Type]
		rulesMu.RUnlock()
		if !ok {
			results = append(results, types.RuleResult{
				Name: spec.Name, Passed: false,
				Message: fmt.Sprintf("unknown rule type %q", spec.Type),
			})
			continue
		}

		res := fn(ctx, spec, in)
		res.Name = spec.Name
		logging.Iteration("rule %s (%s): passed=%v", spec.Name, spec.Type, res.Passed)
		results = append(results, res)
	}
	return results
}

func commandRule(ctx context.Context, spec *types.ValidationRuleSpec, in RuleInputs) types.RuleResult {
	wd := spec.WorkingDirectory
	if wd == "" {
		wd = in.ProjectRoot
	}

	result := proc.Run(ctx, proc.Command{
		Command:          spec.Command,
		WorkingDirectory: wd,
		TimeoutMs:        spec.TimeoutMs,
	})

	expected := 0
	if spec.ExpectedExitCode != nil {
		expected = *spec.ExpectedExitCode
	}

	r := types.RuleResult{Details: result.Stdout}
	switch {
	case result.Err != "":
		r.Message = fmt.Sprintf("command failed to start: %s", result.Err)
	case result.Killed:
		r.Message = fmt.Sprintf("command killed: %s", result.KillReason)
		r.Details = result.Stderr
	case result.ExitCode != expected:
		r.Message = fmt.Sprintf("exit code %d, expected %d", result.ExitCode, expected)
		if result.Stderr != "" {
			r.Details = result.Stderr
		}
	default:
		r.Passed = true
		r.Message = fmt.Sprintf("exit code %d", result.ExitCode)
	}
	return r
}

func selectTarget(spec *types.ValidationRuleSpec, in RuleInputs) (string, string) {
	switch spec.Target {
	case TargetTaskNotes:
		return in.TaskNotes, "task notes"
	case TargetAgentOutput:
		return in.AgentOutput, "agent output"
	default:
		return in.WorkProduct, "work product"
	}
}

func regexRule(_ context.Context, spec *types.ValidationRuleSpec, in RuleInputs) types.RuleResult {
	content, label := selectTarget(spec, in)
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return types.RuleResult{Message: fmt.Sprintf("bad pattern: %v", err)}
	}
	if re.MatchString(content) {
		return types.RuleResult{Passed: true, Message: fmt.Sprintf("pattern matched %s", label)}
	}
	return types.RuleResult{Message: fmt.Sprintf("pattern %q not found in %s", spec.Pattern, label)}
}

func substringRule(_ context.Context, spec *types.ValidationRuleSpec, in RuleInputs) types.RuleResult {
	content, label := selectTarget(spec, in)
	if strings.Contains(content, spec.Substring) {
		return types.RuleResult{Passed: true, Message: fmt.Sprintf("substring found in %s", label)}
	}
	return types.RuleResult{Message: fmt.Sprintf("substring %q not found in %s", spec.Substring, label)}
}

func init() {
	RegisterRuleType(RuleCommand, commandRule)
	RegisterRuleType(RuleRegex, regexRule)
	RegisterRuleType(RuleSubstring, substringRule)
}
