package iterate

import (
	"strings"
	"time"

	"loom/internal/logging"
	"loom/internal/types"
)

// Continuation guard thresholds.
const (
	guardWindow         = 100 // chars of output suffix inspected
	continuationWarnAt  = 5
	continuationBlockAt = 10
	reasonWindow        = 10 // rolling window of recorded resume reasons
)

// Continuation decisions.
const (
	DecisionAutoResume = "auto_resume"
	DecisionPromptUser = "prompt_user"
	DecisionBlocked    = "blocked"
)

const continuationRequestTag = "<thinking>CONTINUATION_NEEDED</thinking>"

// ContinuationDecision is the continuation guard's verdict on one output.
type ContinuationDecision struct {
	Incomplete        bool   `json:"incomplete"`
	Decision          string `json:"decision,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Warning           string `json:"warning,omitempty"`
	ContinuationCount int    `json:"continuationCount,omitempty"`
}

// OutputIncomplete reports whether the last 100 characters of agent output
// lack a terminal promise tag. An explicit continuation request tag anywhere
// in the suffix also marks the output incomplete.
func OutputIncomplete(output string) bool {
	suffix := output
	if len(suffix) > guardWindow {
		suffix = suffix[len(suffix)-guardWindow:]
	}
	if strings.Contains(suffix, continuationRequestTag) {
		return true
	}
	return completeTag.FindStringIndex(suffix) == nil && blockedTag.FindStringIndex(suffix) == nil
}

// GuardContinuation decides what to do with an incomplete output. The
// continuation bookkeeping lives under task metadata key "continuation" as
// {continuationCount, reasons, lastContinuedAt}; when the decision is
// auto_resume the returned metadata carries the incremented count.
func GuardContinuation(output string, meta types.Metadata, activeIteration bool, iterationNumber, maxIterations int) (ContinuationDecision, types.Metadata) {
	if !OutputIncomplete(output) {
		return ContinuationDecision{Incomplete: false}, meta
	}

	cont, _ := meta["continuation"].(map[string]interface{})
	count := types.Metadata(cont).GetInt("continuationCount")

	d := ContinuationDecision{Incomplete: true, ContinuationCount: count}
	if count >= continuationWarnAt {
		d.Warning = "output has been auto-continued repeatedly; consider intervening"
	}

	switch {
	case count >= continuationBlockAt:
		d.Decision = DecisionBlocked
		d.Reason = "continuation limit reached"
		logging.Iteration("continuation guard blocked after %d resumes", count)
		return d, meta
	case activeIteration && iterationNumber < maxIterations:
		d.Decision = DecisionAutoResume
		d.Reason = "no terminal promise in output suffix; iteration still has headroom"
	default:
		d.Decision = DecisionPromptUser
		d.Reason = "no terminal promise in output suffix"
		return d, meta
	}

	// Record the auto-resume.
	reasons := types.Metadata(cont).GetStringSlice("reasons")
	reasons = append(reasons, d.Reason)
	if len(reasons) > reasonWindow {
		reasons = reasons[len(reasons)-reasonWindow:]
	}
	updated := meta.Clone()
	updated["continuation"] = map[string]interface{}{
		"continuationCount": count + 1,
		"reasons":           reasons,
		"lastContinuedAt":   time.Now().UTC().Format(time.RFC3339),
	}
	d.ContinuationCount = count + 1
	return d, updated
}

// ClearContinuation drops the continuation bookkeeping, called on COMPLETE.
func ClearContinuation(meta types.Metadata) types.Metadata {
	if meta == nil {
		return nil
	}
	if _, ok := meta["continuation"]; !ok {
		return meta
	}
	updated := meta.Clone()
	delete(updated, "continuation")
	return updated
}
