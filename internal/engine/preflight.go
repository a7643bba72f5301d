package engine

import (
	"context"

	"loom/internal/preflight"
)

// PreflightCheck probes the environment: progress summary, git state, and
// optionally a dev server port and a test baseline per configuration.
func (e *Engine) PreflightCheck(ctx context.Context) (*preflight.Report, error) {
	progress, err := e.ProgressSummary(ProgressSummaryRequest{})
	if err != nil {
		return nil, err
	}
	return preflight.Run(ctx, preflight.Options{
		ProjectRoot:   e.projectRoot,
		Progress:      progress,
		DevServerPort: e.cfg.Preflight.DevServerPort,
		TestCommand:   e.cfg.Preflight.TestCommand,
	}), nil
}
