package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/engine"
	"loom/internal/logging"
	"loom/internal/server"
	"loom/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string
	httpPort  int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - workflow coordination engine for long-running agent sessions",
	Long: `loom coordinates agent work across initiatives, PRDs, task streams,
and iteration loops. It persists everything to a per-workspace SQLite store
and serves a JSON-RPC 2.0 tool surface over stdio, with an optional
read-only HTTP mirror for dashboards.

Run "loom serve" to start the server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		// Keep stdout clean for the JSON-RPC stream.
		zapConfig.OutputPaths = []string{"stderr"}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the stdio tool surface (and the HTTP mirror when configured).
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON-RPC tool surface on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("http-port") {
			cfg.HTTPPort = httpPort
		}

		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e := engine.New(s, bus.New(), cfg, workspace)
		logger.Info("serving",
			zap.String("workspace", workspace),
			zap.String("store", cfg.StorePath()),
			zap.Int("httpPort", cfg.HTTPPort))

		if err := server.Serve(ctx, e, cfg, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

// migrateCmd applies pending store migrations and exits.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		logger.Info("store schema up to date", zap.String("store", cfg.StorePath()))
		fmt.Println("store schema up to date")
		return nil
	},
}

// preflightCmd runs the environment health probes and prints the report.
var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Run environment health checks and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		e := engine.New(s, bus.New(), cfg, workspace)
		report, err := e.PreflightCheck(cmd.Context())
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if !report.Healthy {
			os.Exit(2)
		}
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
		workspace = wd
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(cfg.StoreRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (defaults to the current directory)")
	serveCmd.Flags().IntVar(&httpPort, "http-port", 0, "Loopback port for the read-only HTTP mirror (0 disables)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(preflightCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
