// Package cmd defines the CLI commands for the mediaorch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-orchestrator/internal/app"
	"github.com/JakeFAU/media-orchestrator/internal/config"
	"github.com/JakeFAU/media-orchestrator/internal/logging"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// errInterrupted is returned when a run was stopped by a signal.
var errInterrupted = errors.New("run interrupted")

// rootOptions carries state shared by every subcommand.
type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mediaorch",
		Short: "Resumable concurrent batch downloader for social media targets.",
		Long: `mediaorch downloads posts, timelines, stories and reels for a list of
targets using a bounded worker pool. Completed targets are recorded so an
interrupted batch can be resumed, and permanent failures are written to a
failure report in the output directory.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before every subcommand's RunE.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.cfg = cfg
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (yaml, toml or json)")
	cmd.AddCommand(newRunCmd(opts))
	return cmd
}

// buildLogger creates the process logger once configuration is final.
func (o *rootOptions) buildLogger() (*zap.Logger, error) {
	if o.logger != nil {
		return o.logger, nil
	}
	logger, err := logging.New(o.cfg.Logging.Development, o.cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	o.logger = logger
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running
// batch; workers finish their current target and the summary is still
// printed.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errInterrupted):
		fmt.Fprintln(os.Stderr, err)
		return exitInterrupted
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailure
	}
}
