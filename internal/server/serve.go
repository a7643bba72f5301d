package server

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"loom/internal/config"
	"loom/internal/engine"
	"loom/internal/logging"
)

// Serve runs the stdio JSON-RPC surface and, when a port is configured, the
// HTTP mirror, until either exits or the context is cancelled.
func Serve(ctx context.Context, e *engine.Engine, cfg *config.Config, in io.Reader, out io.Writer) error {
	registry := BuildRegistry(e)
	logging.Server("serving %d tools (http port %d)", len(registry.List()), cfg.HTTPPort)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return NewStdio(registry, in, out, cfg.SecurityHooks).Run(ctx)
	})
	if cfg.HTTPPort > 0 {
		g.Go(func() error {
			return NewHTTPMirror(e, cfg.HTTPPort).Run(ctx)
		})
	}
	return g.Wait()
}
