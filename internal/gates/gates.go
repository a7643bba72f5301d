// Package gates runs the quality gates that guard task completion. Gate
// definitions live in .claude/quality-gates.json; the config is loaded
// lazily, cached process-wide, and invalidated only by an explicit cache
// clear.
package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"loom/internal/logging"
	"loom/internal/proc"
	"loom/internal/types"
)

// ConfigRelPath is where the gate config lives relative to the project root.
const ConfigRelPath = ".claude/quality-gates.json"

// DefaultTimeoutMs bounds a gate that does not declare its own timeout.
const DefaultTimeoutMs = 60_000

// GateSpec defines one named gate command.
type GateSpec struct {
	Command          string            `json:"command"`
	ExpectedExitCode *int              `json:"expectedExitCode,omitempty"`
	TimeoutMs        int64             `json:"timeout,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// Config is the quality-gates.json schema.
type Config struct {
	Version      string              `json:"version"`
	DefaultGates []string            `json:"defaultGates"`
	Gates        map[string]GateSpec `json:"gates"`
}

// GateResult is the outcome of one executed gate.
type GateResult struct {
	GateName string `json:"gateName"`
	Passed   bool   `json:"passed"`
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message"`
}

// RunReport aggregates a gate run for a completing task.
type RunReport struct {
	AllPassed   bool         `json:"allPassed"`
	TotalGates  int          `json:"totalGates"`
	PassedGates int          `json:"passedGates"`
	FailedGates int          `json:"failedGates"`
	Results     []GateResult `json:"results"`
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Config{} // project root -> parsed config
)

// ClearCache drops every cached config. The only invalidation path.
func ClearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[string]*Config{}
}

// LoadConfig returns the gate config for a project root, caching on first
// load. A missing file yields an empty config; a malformed one is a
// ConfigError.
func LoadConfig(projectRoot string) (*Config, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cfg, ok := cache[projectRoot]; ok {
		return cfg, nil
	}

	path := filepath.Join(projectRoot, ConfigRelPath)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := &Config{Gates: map[string]GateSpec{}}
		cache[projectRoot] = cfg
		return cfg, nil
	}
	if err != nil {
		return nil, &types.ConfigError{Path: path, Reason: err.Error()}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &types.ConfigError{Path: path, Reason: "invalid JSON: " + err.Error()}
	}
	if cfg.Gates == nil {
		cfg.Gates = map[string]GateSpec{}
	}
	cache[projectRoot] = &cfg
	logging.Gates("loaded %d gates from %s", len(cfg.Gates), path)
	return &cfg, nil
}

// EffectiveGates resolves which gates apply to a completing task: the task's
// qualityGates metadata override when present (an explicit empty list
// disables gates), else the config defaults.
func EffectiveGates(task *types.Task, cfg *Config) []string {
	if override, present := task.QualityGates(); present {
		return override
	}
	return cfg.DefaultGates
}

var packageManagerPrefixes = []string{"npm ", "npx ", "yarn ", "pnpm "}

// resolveWorkingDir picks the directory a gate runs in. Explicit wins; npm
// family commands walk up from the task's first file looking for a
// package.json; otherwise the first file's directory, then the project root.
func resolveWorkingDir(spec GateSpec, task *types.Task, projectRoot string) string {
	if spec.WorkingDirectory != "" {
		if filepath.IsAbs(spec.WorkingDirectory) {
			return spec.WorkingDirectory
		}
		return filepath.Join(projectRoot, spec.WorkingDirectory)
	}

	files := task.Files()
	if len(files) == 0 {
		return projectRoot
	}

	first := files[0]
	if !filepath.IsAbs(first) {
		first = filepath.Join(projectRoot, first)
	}
	fileDir := filepath.Dir(first)

	isPkgManager := false
	for _, prefix := range packageManagerPrefixes {
		if strings.HasPrefix(spec.Command, prefix) {
			isPkgManager = true
			break
		}
	}
	if !isPkgManager {
		return fileDir
	}

	for dir := fileDir; strings.HasPrefix(dir, projectRoot); dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
			return dir
		}
		if dir == projectRoot {
			break
		}
	}
	return fileDir
}

// Run executes the named gates sequentially in declared order. A referenced
// but undefined gate name is a hard error.
func Run(ctx context.Context, task *types.Task, gateNames []string, projectRoot string) (*RunReport, error) {
	cfg, err := LoadConfig(projectRoot)
	if err != nil {
		return nil, err
	}

	report := &RunReport{AllPassed: true, TotalGates: len(gateNames), Results: []GateResult{}}
	for _, name := range gateNames {
		spec, ok := cfg.Gates[name]
		if !ok {
			return nil, types.NewValidation("qualityGates", "gate %q is not defined in %s", name, ConfigRelPath)
		}

		timer := logging.StartTimer(logging.CategoryGates, "gate "+name)
		result := runGate(ctx, name, spec, task, projectRoot)
		timer.Stop()

		report.Results = append(report.Results, result)
		if result.Passed {
			report.PassedGates++
		} else {
			report.FailedGates++
			report.AllPassed = false
		}
		logging.Gates("gate %s for %s: passed=%v", name, task.ID, result.Passed)
	}
	return report, nil
}

func runGate(ctx context.Context, name string, spec GateSpec, task *types.Task, projectRoot string) GateResult {
	timeout := spec.TimeoutMs
	if timeout <= 0 {
		timeout = DefaultTimeoutMs
	}

	res := proc.Run(ctx, proc.Command{
		Command:          spec.Command,
		WorkingDirectory: resolveWorkingDir(spec, task, projectRoot),
		Env:              spec.Env,
		TimeoutMs:        timeout,
	})

	expected := 0
	if spec.ExpectedExitCode != nil {
		expected = *spec.ExpectedExitCode
	}

	out := GateResult{
		GateName: name,
		Command:  spec.Command,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	switch {
	case res.Err != "":
		out.Error = res.Err
		out.Message = fmt.Sprintf("gate %s could not start: %s", name, res.Err)
	case res.Killed:
		out.Error = res.KillReason
		out.Message = fmt.Sprintf("gate %s killed after timeout", name)
	case res.ExitCode != expected:
		out.Message = fmt.Sprintf("gate %s exited %d, expected %d", name, res.ExitCode, expected)
	default:
		out.Passed = true
		out.Message = fmt.Sprintf("gate %s passed", name)
	}
	return out
}

// BlockedReason renders the blocked-reason string for a failed run.
func (r *RunReport) BlockedReason() string {
	failed := make([]string, 0, r.FailedGates)
	for _, res := range r.Results {
		if !res.Passed {
			failed = append(failed, res.GateName)
		}
	}
	return fmt.Sprintf("Quality gates failed: %s. %d of %d gates failed.",
		strings.Join(failed, ", "), r.FailedGates, r.TotalGates)
}

// FailureNotes renders per-gate failure detail for appending to task notes.
func (r *RunReport) FailureNotes() string {
	var b strings.Builder
	for _, res := range r.Results {
		if res.Passed {
			continue
		}
		fmt.Fprintf(&b, "[gate %s] %s\n", res.GateName, res.Message)
		if res.Stderr != "" {
			fmt.Fprintf(&b, "  stderr: %s\n", types.Truncate(res.Stderr, 500))
		} else if res.Stdout != "" {
			fmt.Fprintf(&b, "  stdout: %s\n", types.Truncate(res.Stdout, 500))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
