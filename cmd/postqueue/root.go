package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/notifyhub/posting-queue/internal/config"
)

// rootOptions is shared by every subcommand; PersistentPreRunE fills cfg
// and logger before any RunE executes.
type rootOptions struct {
	store  string
	debug  bool
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "postqueue",
		Short:         "Centralized posting queue for social channels",
		Long:          `Accepts posts from many producers, deduplicates them, and dispatches them to each channel within its hourly, daily and minimum-gap limits.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init(cmd.Name() == "serve")
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.store, "store", "", "override STORE_DRIVER (postgres, sqlite, memory)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "development logging at debug level")

	cmd.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newProcessCmd(opts),
		newCleanupCmd(opts),
		newHealthCmd(opts),
		newEnqueueCmd(opts),
		newCancelCmd(opts),
		newRequeueCmd(opts),
		newFailCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}

func (o *rootOptions) init(server bool) error {
	// The flag wins over the environment and must be in place before
	// Load validates driver-specific settings.
	if o.store != "" {
		if err := os.Setenv("STORE_DRIVER", o.store); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	o.cfg = cfg

	switch {
	case o.debug:
		o.logger, err = zap.NewDevelopment()
	case server:
		o.logger, err = zap.NewProduction()
	default:
		// One-shot commands print their result to stdout; keep stderr quiet.
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		o.logger, err = zc.Build()
	}
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	return nil
}

// withApp builds the application for a one-shot command and tears it down
// afterwards.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
