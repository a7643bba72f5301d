// Package validate is the pluggable work-product validator registry. Rules
// inspect a work product before it is stored and return findings with one of
// three outcomes: reject aborts the store call, warn is surfaced to the
// caller and persisted, flag is recorded silently in metadata.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"loom/internal/logging"
	"loom/internal/types"
)

// Finding outcomes.
const (
	OutcomeReject = "reject"
	OutcomeWarn   = "warn"
	OutcomeFlag   = "flag"
)

// Finding is one rule verdict about a work product.
type Finding struct {
	Rule       string `json:"rule"`
	Outcome    string `json:"outcome"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Rule validates a work product. Returning no findings means the product
// passed the rule.
type Rule struct {
	Name     string
	Evaluate func(wp *types.WorkProduct) []Finding
}

var (
	mu    sync.RWMutex
	rules []Rule
)

// Register appends a rule to the registry. Rules run in registration order.
func Register(r Rule) {
	mu.Lock()
	defer mu.Unlock()
	rules = append(rules, r)
}

// Reset restores the built-in rule set. For tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	rules = nil
	registerBuiltins()
}

// Run evaluates all rules against the work product and partitions the
// findings. rejected is true when any rule rejected.
func Run(wp *types.WorkProduct) (findings []Finding, rejected bool) {
	mu.RLock()
	defer mu.RUnlock()

	for _, r := range rules {
		for _, f := range r.Evaluate(wp) {
			if f.Rule == "" {
				f.Rule = r.Name
			}
			findings = append(findings, f)
			if f.Outcome == OutcomeReject {
				rejected = true
			}
		}
	}
	if rejected {
		logging.Tools("work product %s rejected by validators", wp.ID)
	}
	return findings, rejected
}

// RejectionFeedback aggregates reject findings into one actionable message.
func RejectionFeedback(findings []Finding) string {
	var parts []string
	for _, f := range findings {
		if f.Outcome != OutcomeReject {
			continue
		}
		msg := fmt.Sprintf("[%s] %s", f.Rule, f.Message)
		if f.Suggestion != "" {
			msg += " (" + f.Suggestion + ")"
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

var placeholderPattern = regexp.MustCompile(`(?i)\b(lorem ipsum|xxx+|tbd|fixme)\b`)

func registerBuiltins() {
	rules = append(rules,
		Rule{
			Name: "non_empty_content",
			Evaluate: func(wp *types.WorkProduct) []Finding {
				if strings.TrimSpace(wp.Content) == "" {
					return []Finding{{
						Outcome:    OutcomeReject,
						Message:    "work product content is empty",
						Suggestion: "store the deliverable text, not a placeholder",
					}}
				}
				return nil
			},
		},
		Rule{
			Name: "known_type",
			Evaluate: func(wp *types.WorkProduct) []Finding {
				switch wp.Type {
				case types.WPTechnicalDesign, types.WPImplementation, types.WPTestPlan,
					types.WPDocumentation, types.WPOther:
					return nil
				}
				return []Finding{{
					Outcome:    OutcomeReject,
					Message:    fmt.Sprintf("unknown work product type %q", wp.Type),
					Suggestion: "use technical_design, implementation, test_plan, documentation, or other",
				}}
			},
		},
		Rule{
			Name: "placeholder_text",
			Evaluate: func(wp *types.WorkProduct) []Finding {
				if m := placeholderPattern.FindString(wp.Content); m != "" {
					return []Finding{{
						Outcome: OutcomeWarn,
						Message: fmt.Sprintf("content contains placeholder text %q", m),
					}}
				}
				return nil
			},
		},
		Rule{
			Name: "short_title",
			Evaluate: func(wp *types.WorkProduct) []Finding {
				if len(strings.TrimSpace(wp.Title)) < 4 {
					return []Finding{{
						Outcome: OutcomeFlag,
						Message: "title is too short to be descriptive",
					}}
				}
				return nil
			},
		},
	)
}

func init() {
	registerBuiltins()
}
