package iterate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/types"
)

func TestDetectPromiseByTag(t *testing.T) {
	t.Run("case insensitive with trailing context", func(t *testing.T) {
		output := "work done\n<promise>complete</promise>\nall tests green\nsee notes\n\nunrelated trailer"
		got := DetectPromiseByTag(output, "COMPLETE")
		assert.True(t, strings.HasPrefix(strings.ToLower(got), "<promise>complete</promise>"))
		assert.Contains(t, got, "all tests green")
		assert.NotContains(t, got, "unrelated trailer")
	})

	t.Run("absent", func(t *testing.T) {
		assert.Empty(t, DetectPromiseByTag("still working", "COMPLETE"))
	})

	t.Run("blocked tag", func(t *testing.T) {
		got := DetectPromiseByTag("<promise>BLOCKED</promise> missing credentials", "BLOCKED")
		assert.Contains(t, got, "missing credentials")
	})

	t.Run("whitespace inside tag", func(t *testing.T) {
		assert.NotEmpty(t, DetectPromiseByTag("<promise> COMPLETE </promise>", "COMPLETE"))
	})
}

func TestDetectConfiguredPromises(t *testing.T) {
	promises := []string{"ALL_TESTS_PASS", "DOCS_DONE"}
	got := DetectConfiguredPromises("finally ALL_TESTS_PASS here", promises)
	assert.Equal(t, []string{"ALL_TESTS_PASS"}, got)
	assert.Empty(t, DetectConfiguredPromises("nothing", promises))
}

func TestOutputIncomplete(t *testing.T) {
	t.Run("promise inside window", func(t *testing.T) {
		out := strings.Repeat("x", 500) + "<promise>COMPLETE</promise>"
		assert.False(t, OutputIncomplete(out))
	})

	t.Run("promise exactly at window boundary", func(t *testing.T) {
		tag := "<promise>COMPLETE</promise>"
		out := strings.Repeat("x", 300) + tag + strings.Repeat("y", guardWindow-len(tag))
		assert.False(t, OutputIncomplete(out))
	})

	t.Run("promise pushed out of window", func(t *testing.T) {
		out := "<promise>COMPLETE</promise>" + strings.Repeat("y", guardWindow)
		assert.True(t, OutputIncomplete(out))
	})

	t.Run("explicit continuation request", func(t *testing.T) {
		assert.True(t, OutputIncomplete("almost <thinking>CONTINUATION_NEEDED</thinking>"))
	})

	t.Run("blocked counts as terminal", func(t *testing.T) {
		assert.False(t, OutputIncomplete("stuck <promise>BLOCKED</promise>"))
	})
}

func TestGuardContinuation(t *testing.T) {
	t.Run("complete output passes through", func(t *testing.T) {
		d, meta := GuardContinuation("<promise>COMPLETE</promise>", types.Metadata{}, true, 1, 5)
		assert.False(t, d.Incomplete)
		assert.NotContains(t, meta, "continuation")
	})

	t.Run("auto resume inside active iteration", func(t *testing.T) {
		d, meta := GuardContinuation("still going", types.Metadata{}, true, 2, 5)
		assert.True(t, d.Incomplete)
		assert.Equal(t, DecisionAutoResume, d.Decision)
		assert.Equal(t, 1, d.ContinuationCount)

		cont, ok := meta["continuation"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, 1, types.Metadata(cont).GetInt("continuationCount"))
	})

	t.Run("prompt user outside iteration", func(t *testing.T) {
		d, _ := GuardContinuation("still going", types.Metadata{}, false, 0, 0)
		assert.Equal(t, DecisionPromptUser, d.Decision)
	})

	t.Run("warning at five", func(t *testing.T) {
		meta := types.Metadata{"continuation": map[string]interface{}{"continuationCount": 5}}
		d, _ := GuardContinuation("still going", meta, true, 1, 10)
		assert.Equal(t, DecisionAutoResume, d.Decision)
		assert.NotEmpty(t, d.Warning)
	})

	t.Run("blocked at ten", func(t *testing.T) {
		meta := types.Metadata{"continuation": map[string]interface{}{"continuationCount": 10}}
		d, _ := GuardContinuation("still going", meta, true, 1, 10)
		assert.Equal(t, DecisionBlocked, d.Decision)
	})

	t.Run("reason window is bounded", func(t *testing.T) {
		meta := types.Metadata{}
		for i := 0; i < 9; i++ {
			_, meta = GuardContinuation("still going", meta, true, 1, 100)
		}
		cont := meta["continuation"].(map[string]interface{})
		reasons := types.Metadata(cont).GetStringSlice("reasons")
		assert.LessOrEqual(t, len(reasons), reasonWindow)
	})
}

func TestClearContinuation(t *testing.T) {
	meta := types.Metadata{"continuation": map[string]interface{}{"continuationCount": 3}, "other": "kept"}
	cleared := ClearContinuation(meta)
	assert.NotContains(t, cleared, "continuation")
	assert.Equal(t, "kept", cleared.GetString("other"))
	// Original untouched.
	assert.Contains(t, meta, "continuation")
}

func TestCheckSafety(t *testing.T) {
	cfg := &types.IterationConfig{MaxIterations: 3, CompletionPromises: []string{"done"}}

	t.Run("under max with no history", func(t *testing.T) {
		signal, _ := CheckSafety(1, cfg, nil)
		assert.Empty(t, signal)
	})

	t.Run("at max escalates", func(t *testing.T) {
		signal, reason := CheckSafety(3, cfg, nil)
		assert.Equal(t, types.SignalEscalate, signal)
		assert.Contains(t, reason, "maximum")
	})

	t.Run("circuit breaker on consecutive failures", func(t *testing.T) {
		wide := &types.IterationConfig{MaxIterations: 10, CompletionPromises: []string{"done"}}
		history := []types.IterationRecord{
			{Iteration: 1, ValidationPassed: false},
			{Iteration: 2, ValidationPassed: false},
			{Iteration: 3, ValidationPassed: false},
		}
		signal, reason := CheckSafety(4, wide, history)
		assert.Equal(t, types.SignalEscalate, signal)
		assert.Contains(t, reason, "circuit breaker")
	})

	t.Run("a pass resets the breaker", func(t *testing.T) {
		wide := &types.IterationConfig{MaxIterations: 10, CompletionPromises: []string{"done"}}
		history := []types.IterationRecord{
			{Iteration: 1, ValidationPassed: false},
			{Iteration: 2, ValidationPassed: true},
			{Iteration: 3, ValidationPassed: false},
		}
		signal, _ := CheckSafety(4, wide, history)
		assert.Empty(t, signal)
	})

	t.Run("custom threshold", func(t *testing.T) {
		custom := &types.IterationConfig{
			MaxIterations: 10, CompletionPromises: []string{"done"},
			CircuitBreakerThreshold: 2,
		}
		history := []types.IterationRecord{
			{Iteration: 1, ValidationPassed: false},
			{Iteration: 2, ValidationPassed: false},
		}
		signal, _ := CheckSafety(3, custom, history)
		assert.Equal(t, types.SignalEscalate, signal)
	})
}

func TestValidateConfig(t *testing.T) {
	assert.Error(t, ValidateConfig(nil))
	assert.Error(t, ValidateConfig(&types.IterationConfig{MaxIterations: 0, CompletionPromises: []string{"p"}}))
	assert.Error(t, ValidateConfig(&types.IterationConfig{MaxIterations: 3}))
	assert.Error(t, ValidateConfig(&types.IterationConfig{MaxIterations: 3, CompletionPromises: []string{""}}))

	bad := &types.IterationConfig{
		MaxIterations: 3, CompletionPromises: []string{"p"},
		ValidationRules: []types.ValidationRuleSpec{{Name: "r", Type: "nope"}},
	}
	assert.Error(t, ValidateConfig(bad))

	good := &types.IterationConfig{
		MaxIterations: 3, CompletionPromises: []string{"p"},
		ValidationRules: []types.ValidationRuleSpec{
			{Name: "has tests", Type: RuleSubstring, Substring: "PASS", Target: TargetAgentOutput},
		},
	}
	assert.NoError(t, ValidateConfig(good))
}

func TestRunRules(t *testing.T) {
	ctx := context.Background()

	t.Run("substring and regex", func(t *testing.T) {
		specs := []types.ValidationRuleSpec{
			{Name: "notes mention done", Type: RuleSubstring, Substring: "done", Target: TargetTaskNotes},
			{Name: "output has pass count", Type: RuleRegex, Pattern: `\d+ passed`, Target: TargetAgentOutput},
			{Name: "wp has header", Type: RuleSubstring, Substring: "# Design"},
		}
		results := RunRules(ctx, specs, RuleInputs{
			TaskNotes:   "work is done",
			AgentOutput: "12 passed, 0 failed",
			WorkProduct: "body without header",
		})
		require.Len(t, results, 3)
		assert.True(t, results[0].Passed)
		assert.True(t, results[1].Passed)
		assert.False(t, results[2].Passed)
	})

	t.Run("command exit codes", func(t *testing.T) {
		one := 1
		specs := []types.ValidationRuleSpec{
			{Name: "true", Type: RuleCommand, Command: "exit 0"},
			{Name: "expected failure", Type: RuleCommand, Command: "exit 1", ExpectedExitCode: &one},
			{Name: "unexpected failure", Type: RuleCommand, Command: "exit 3"},
		}
		results := RunRules(ctx, specs, RuleInputs{ProjectRoot: t.TempDir()})
		require.Len(t, results, 3)
		assert.True(t, results[0].Passed)
		assert.True(t, results[1].Passed)
		assert.False(t, results[2].Passed)
		assert.Contains(t, results[2].Message, "exit code 3")
	})

	t.Run("command timeout kills", func(t *testing.T) {
		specs := []types.ValidationRuleSpec{
			{Name: "sleeper", Type: RuleCommand, Command: "sleep 5", TimeoutMs: 100},
		}
		start := time.Now()
		results := RunRules(ctx, specs, RuleInputs{ProjectRoot: t.TempDir()})
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("unknown type fails as data", func(t *testing.T) {
		results := RunRules(ctx, []types.ValidationRuleSpec{{Name: "x", Type: "mystery"}}, RuleInputs{})
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
	})
}

func TestStopHooks(t *testing.T) {
	ResetHooks()
	t.Cleanup(ResetHooks)

	t.Run("no hooks returns nil", func(t *testing.T) {
		assert.Nil(t, EvaluateHooks("TASK-none", HookInput{}))
	})

	t.Run("first non-continue wins", func(t *testing.T) {
		RegisterHook("TASK-a", StopHook{Name: "first", Evaluate: func(HookInput) HookDecision {
			return HookDecision{Action: HookContinue, Reason: "keep going"}
		}})
		RegisterHook("TASK-a", StopHook{Name: "second", Evaluate: func(HookInput) HookDecision {
			return HookDecision{Action: HookEscalate, Reason: "stuck"}
		}})
		RegisterHook("TASK-a", StopHook{Name: "third", Evaluate: func(HookInput) HookDecision {
			return HookDecision{Action: HookComplete, Reason: "never reached"}
		}})

		d := EvaluateHooks("TASK-a", HookInput{})
		require.NotNil(t, d)
		assert.Equal(t, HookEscalate, d.Action)
		assert.Equal(t, "second", d.HookName)
	})

	t.Run("all continue returns last verdict", func(t *testing.T) {
		RegisterHook("TASK-b", DefaultStopHook())
		d := EvaluateHooks("TASK-b", HookInput{AgentOutput: "no promise yet"})
		require.NotNil(t, d)
		assert.Equal(t, HookContinue, d.Action)
		assert.NotEmpty(t, d.NextPrompt)
	})

	t.Run("default hook completes on tag", func(t *testing.T) {
		RegisterHook("TASK-c", DefaultStopHook())
		d := EvaluateHooks("TASK-c", HookInput{AgentOutput: "done <promise>COMPLETE</promise>"})
		require.NotNil(t, d)
		assert.Equal(t, HookComplete, d.Action)
	})

	t.Run("validation biased holds back", func(t *testing.T) {
		RegisterHook("TASK-d", ValidationBiasedHook())
		d := EvaluateHooks("TASK-d", HookInput{
			AgentOutput: "<promise>COMPLETE</promise>", ValidationPassed: false,
		})
		require.NotNil(t, d)
		assert.Equal(t, HookContinue, d.Action)

		d = EvaluateHooks("TASK-d", HookInput{
			AgentOutput: "<promise>COMPLETE</promise>", ValidationPassed: true,
		})
		assert.Equal(t, HookComplete, d.Action)
	})

	t.Run("clear hooks", func(t *testing.T) {
		RegisterHook("TASK-e", DefaultStopHook())
		ClearHooks("TASK-e")
		assert.Nil(t, EvaluateHooks("TASK-e", HookInput{}))
	})
}
