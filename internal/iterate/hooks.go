package iterate

import (
	"strings"
	"sync"

	"loom/internal/logging"
)

// Stop-hook actions.
const (
	HookComplete = "complete"
	HookContinue = "continue"
	HookEscalate = "escalate"
)

// HookInput is what each stop hook sees when iteration_validate consults it.
type HookInput struct {
	IterationID      string
	AgentOutput      string
	FilesModified    []string
	ValidationPassed bool
	Promises         []string
}

// HookDecision is one stop hook's verdict.
type HookDecision struct {
	Action     string `json:"action"`
	Reason     string `json:"reason"`
	NextPrompt string `json:"nextPrompt,omitempty"`
	HookName   string `json:"hookName,omitempty"`
}

// StopHook influences the completion signal of iteration_validate.
type StopHook struct {
	Name     string
	Evaluate func(in HookInput) HookDecision
}

var (
	hooksMu sync.RWMutex
	hooks   = map[string][]StopHook{} // task id -> registration order
)

// RegisterHook appends a stop hook for a task.
func RegisterHook(taskID string, h StopHook) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks[taskID] = append(hooks[taskID], h)
	logging.Iteration("stop hook %s registered for %s", h.Name, taskID)
}

// HooksFor returns the task's hooks in registration order.
func HooksFor(taskID string) []StopHook {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return append([]StopHook(nil), hooks[taskID]...)
}

// ClearHooks drops a task's hooks, called when the task completes.
func ClearHooks(taskID string) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	delete(hooks, taskID)
}

// ResetHooks clears the whole registry. For tests.
func ResetHooks() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks = map[string][]StopHook{}
}

// EvaluateHooks runs the task's hooks in order. The first non-continue
// decision wins; otherwise the last continue verdict is returned. Returns
// nil when no hooks are registered.
func EvaluateHooks(taskID string, in HookInput) *HookDecision {
	registered := HooksFor(taskID)
	if len(registered) == 0 {
		return nil
	}

	var last HookDecision
	for _, h := range registered {
		d := h.Evaluate(in)
		d.HookName = h.Name
		if d.Action != HookContinue {
			return &d
		}
		last = d
	}
	return &last
}

// DefaultStopHook completes when a terminal COMPLETE tag is present.
func DefaultStopHook() StopHook {
	return StopHook{
		Name: "default",
		Evaluate: func(in HookInput) HookDecision {
			if completeTag.MatchString(in.AgentOutput) {
				return HookDecision{Action: HookComplete, Reason: "completion promise detected"}
			}
			return HookDecision{
				Action: HookContinue, Reason: "no completion promise yet",
				NextPrompt: "Continue working; emit <promise>COMPLETE</promise> when done.",
			}
		},
	}
}

// ValidationBiasedHook completes only when the last validation passed.
func ValidationBiasedHook() StopHook {
	return StopHook{
		Name: "validation_biased",
		Evaluate: func(in HookInput) HookDecision {
			if in.ValidationPassed && completeTag.MatchString(in.AgentOutput) {
				return HookDecision{Action: HookComplete, Reason: "validation passed with completion promise"}
			}
			if !in.ValidationPassed && completeTag.MatchString(in.AgentOutput) {
				return HookDecision{
					Action: HookContinue, Reason: "completion claimed but validation failed",
					NextPrompt: "Validation rules are failing; fix them before completing.",
				}
			}
			return HookDecision{Action: HookContinue, Reason: "validation pending"}
		},
	}
}

// PromiseBiasedHook completes when any configured promise string appears in
// the output, tag grammar or not.
func PromiseBiasedHook() StopHook {
	return StopHook{
		Name: "promise_biased",
		Evaluate: func(in HookInput) HookDecision {
			for _, p := range in.Promises {
				if p != "" && strings.Contains(in.AgentOutput, p) {
					return HookDecision{Action: HookComplete, Reason: "configured promise detected: " + p}
				}
			}
			return HookDecision{Action: HookContinue, Reason: "no configured promise in output"}
		},
	}
}
