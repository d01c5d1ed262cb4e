package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

const (
	defaultConfigPath = "avaproxy.yaml"
	shutdownTimeout   = 30 * time.Second

	// The admin listener stops first and must leave the proxy most of
	// the shutdown budget.
	adminShutdownTimeout = 5 * time.Second
)

// options holds the command line flags.
type options struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "avaproxy",
		Short: "avaproxy is a forwarding HTTP proxy with hot-reloaded rewrite rules",
		Long: `avaproxy accepts plain HTTP proxy requests and forwards them either to the
origin the client asked for or, when the request URL starts with a rule's
match prefix, to the rule's target with extra headers applied.

Rules are read from a YAML file that is watched for changes; edits take
effect after a short quiet period without restarting the process.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c",
		getEnvOrDefault("AVAPROXY_CONFIG", defaultConfigPath), "Path to configuration file")
	flags.StringVar(&opts.logLevel, "log-level",
		getEnvOrDefault("AVAPROXY_LOG_LEVEL", ""), "Log level (debug, info, warn, error); overrides the file")
	flags.StringVar(&opts.logFormat, "log-format",
		getEnvOrDefault("AVAPROXY_LOG_FORMAT", ""), "Log format (json, console); overrides the file")

	cmd.AddCommand(newVersionCmd())

	return cmd
}

// run loads the configuration, starts the proxy and blocks until ctx is done.
func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlagOverrides(cfg, opts)

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stdout",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avaproxy",
		observability.String("version", version),
		observability.String("config", opts.configPath),
	)

	app := newApplication(cfg, opts.configPath, logger)
	if err := app.start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.stop(stopCtx)
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.stop(stopCtx)

	logger.Info("avaproxy stopped")
	return nil
}

// applyFlagOverrides lets non-empty flags win over the file.
func applyFlagOverrides(cfg *config.Config, opts *options) {
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
}
