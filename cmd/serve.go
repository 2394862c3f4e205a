package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glowus/relay/internal/config"
	"github.com/glowus/relay/internal/logging"
	"github.com/glowus/relay/internal/server"
)

// serveFlags holds the command line values for "relay serve".
// Zero values mean "not given"; the config file and defaults fill them in.
type serveFlags struct {
	Config      string
	Addr        string
	Shell       string
	MaxSessions int
	LogLevel    string
	LogFormat   string
	Verbose     bool
}

func newServeCmd() *cobra.Command {
	f := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, f.Verbose)
		},
	}

	cmd.Flags().StringVar(&f.Config, "config", "", "Path to config file (default: ~/.canvas-relay/config.toml)")
	cmd.Flags().StringVar(&f.Addr, "addr", "", "Listen address (default: "+config.DefaultAddr+")")
	cmd.Flags().StringVar(&f.Shell, "shell", "", "Shell spawned for terminal peers (default: $SHELL)")
	cmd.Flags().IntVar(&f.MaxSessions, "max-sessions", 0, fmt.Sprintf("Maximum concurrent PTY sessions (default: %d)", config.DefaultMaxSessions))
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	cmd.Flags().StringVar(&f.LogFormat, "log-format", "", "Log format: console or json (default: console)")
	cmd.Flags().BoolVarP(&f.Verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

// loadServeConfig loads the config file and merges the flags over it.
// CLI flags take precedence over file values; defaults fill the rest.
func loadServeConfig(f *serveFlags) (*config.Config, error) {
	cfg, err := config.Load(f.Config)
	if err != nil {
		return nil, err
	}

	if f.Addr != "" {
		cfg.Addr = f.Addr
	}
	if f.Shell != "" {
		cfg.Shell = f.Shell
	}
	if f.MaxSessions > 0 {
		cfg.MaxSessions = f.MaxSessions
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		cfg.LogFormat = f.LogFormat
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runServe runs the relay until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, verbose bool) error {
	logger, err := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Verbose: verbose,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting relay",
		zap.String("version", Version),
		zap.String("addr", cfg.Addr),
		zap.Int("max_sessions", cfg.MaxSessions),
		zap.Duration("resolve_timeout", cfg.ResolveTimeout()),
		zap.Duration("pending_timeout", cfg.PendingTimeout()),
	)

	srv := server.NewServer(server.OptionsFromConfig(cfg, logger))
	if err := srv.Run(ctx); err != nil {
		logger.Error("relay stopped with error", zap.Error(err))
		return err
	}
	logger.Info("relay stopped")
	return nil
}
