// Package preflight probes the environment a coordination session is about
// to run in: store progress, version control state, an optional dev server
// port, and an optional test baseline.
package preflight

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"loom/internal/logging"
	"loom/internal/proc"
)

// Check statuses.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// testProbeTimeout caps the test baseline run.
const testProbeTimeout = 30 * time.Second

// Options selects which probes run and with what inputs.
type Options struct {
	ProjectRoot   string
	Progress      map[string]interface{} // progress_summary payload, supplied by the caller
	DevServerPort int                    // 0 skips the probe
	TestCommand   string                 // "" skips the probe
}

// CheckResult is one probe's outcome.
type CheckResult struct {
	Status string                 `json:"status"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// Report is the full preflight response.
type Report struct {
	Healthy         bool                   `json:"healthy"`
	Timestamp       time.Time              `json:"timestamp"`
	Checks          map[string]CheckResult `json:"checks"`
	Recommendations []string               `json:"recommendations"`
}

// Run executes the configured probes. healthy is false iff any check fails.
func Run(ctx context.Context, opts Options) *Report {
	timer := logging.StartTimer(logging.CategoryPreflight, "preflight")
	defer timer.Stop()

	report := &Report{
		Healthy:         true,
		Timestamp:       time.Now().UTC(),
		Checks:          map[string]CheckResult{},
		Recommendations: []string{},
	}

	report.Checks["progress"] = checkProgress(opts.Progress)
	report.Checks["git"] = checkGit(ctx, opts.ProjectRoot, report)
	if opts.DevServerPort > 0 {
		report.Checks["devServer"] = checkDevServer(opts.DevServerPort, report)
	}
	if opts.TestCommand != "" {
		report.Checks["tests"] = checkTests(ctx, opts.TestCommand, opts.ProjectRoot, report)
	}

	for name, c := range report.Checks {
		if c.Status == StatusFail {
			report.Healthy = false
			logging.Get(logging.CategoryPreflight).Warn("check %s failed", name)
		}
	}
	return report
}

func checkProgress(progress map[string]interface{}) CheckResult {
	if progress == nil {
		return CheckResult{Status: StatusWarn, Detail: map[string]interface{}{
			"message": "no initiative linked yet",
		}}
	}
	return CheckResult{Status: StatusOK, Detail: progress}
}

func checkGit(ctx context.Context, root string, report *Report) CheckResult {
	branch := proc.Run(ctx, proc.Command{
		Command:          "git rev-parse --abbrev-ref HEAD",
		WorkingDirectory: root,
		TimeoutMs:        5000,
	})
	if branch.Err != "" {
		report.Recommendations = append(report.Recommendations, "install git to enable version-control probes")
		return CheckResult{Status: StatusFail, Detail: map[string]interface{}{
			"error": "git not available: " + branch.Err,
		}}
	}
	if branch.ExitCode != 0 {
		return CheckResult{Status: StatusWarn, Detail: map[string]interface{}{
			"message": "not a git repository",
		}}
	}

	status := proc.Run(ctx, proc.Command{
		Command:          "git status --porcelain",
		WorkingDirectory: root,
		TimeoutMs:        5000,
	})
	dirty := strings.TrimSpace(status.Stdout) != ""
	detail := map[string]interface{}{
		"branch": strings.TrimSpace(branch.Stdout),
		"dirty":  dirty,
	}
	if dirty {
		detail["modifiedFiles"] = len(strings.Split(strings.TrimSpace(status.Stdout), "\n"))
		report.Recommendations = append(report.Recommendations, "commit or stash local changes before starting agent work")
	}
	return CheckResult{Status: StatusOK, Detail: detail}
}

func checkDevServer(port int, report *Report) CheckResult {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("dev server on port %d is not responding; start it before UI work", port))
		return CheckResult{Status: StatusFail, Detail: map[string]interface{}{
			"port": port, "reachable": false,
		}}
	}
	conn.Close()
	return CheckResult{Status: StatusOK, Detail: map[string]interface{}{
		"port": port, "reachable": true,
	}}
}

var (
	passedPattern = regexp.MustCompile(`(\d+)\s+pass(?:ed|ing)?`)
	failedPattern = regexp.MustCompile(`(\d+)\s+fail(?:ed|ing)?`)
)

func checkTests(ctx context.Context, command, root string, report *Report) CheckResult {
	res := proc.Run(ctx, proc.Command{
		Command:          command,
		WorkingDirectory: root,
		TimeoutMs:        testProbeTimeout.Milliseconds(),
	})
	if res.Err != "" {
		return CheckResult{Status: StatusFail, Detail: map[string]interface{}{
			"error": res.Err,
		}}
	}

	output := res.Stdout + "\n" + res.Stderr
	detail := map[string]interface{}{
		"command":  command,
		"exitCode": res.ExitCode,
	}
	if m := passedPattern.FindStringSubmatch(output); m != nil {
		detail["passed"], _ = strconv.Atoi(m[1])
	}
	if m := failedPattern.FindStringSubmatch(output); m != nil {
		detail["failed"], _ = strconv.Atoi(m[1])
	}

	switch {
	case res.Killed:
		detail["error"] = "test run exceeded the 30s preflight cap"
		report.Recommendations = append(report.Recommendations, "test baseline is slow; run it manually before starting")
		return CheckResult{Status: StatusWarn, Detail: detail}
	case res.ExitCode != 0:
		report.Recommendations = append(report.Recommendations, "test baseline is failing; fix it before delegating work")
		return CheckResult{Status: StatusFail, Detail: detail}
	default:
		return CheckResult{Status: StatusOK, Detail: detail}
	}
}
