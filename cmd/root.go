// Package cmd defines the CLI commands for the listings-crawler executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/config"
	"github.com/JakeFAU/listings-crawler/internal/logging"
	"github.com/JakeFAU/listings-crawler/internal/server"
)

// runner is the long-running application the serve command drives.
type runner interface {
	Run(ctx context.Context) error
}

// buildApp is the application factory. It is a variable so tests can swap
// in a fake.
var buildApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (runner, error) {
	return server.Build(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "listings-crawler",
		Short: "Fetches listing pages through a rotating identity pool and streams the results.",
		Long: `listings-crawler schedules fetches of configured listing targets, routes each
attempt through a health-tracked pool of proxy identities, retries transient
failures with backoff, dead-letters what cannot be recovered, and broadcasts
completed listings and price changes to websocket subscribers.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the CRAWLER_ prefix")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cmd.AddCommand(newServeCmd(loadConfig))
	cmd.AddCommand(newCheckConfigCmd(loadConfig))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
