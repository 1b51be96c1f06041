package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-orchestrator/internal/app"
	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/media-orchestrator/internal/report"
	"github.com/JakeFAU/media-orchestrator/internal/targets"
)

const closeTimeout = 10 * time.Second

type runFlags struct {
	file        string
	urls        []string
	workers     int
	noResume    bool
	outputDir   string
	runIdentity string
	stories     bool
	reels       bool
	maxPosts    int
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [target...]",
		Short: "Download a batch of targets",
		Long: `Downloads every target given as an argument, with --url, or listed in the
YAML file passed to --file. A target is a post or reel URL, a profile URL or
@handle, a /stories/<user> URL, or a /<user>/reels URL.`,
		Example: `  mediaorch run --file targets.yaml --workers 4
  mediaorch run @natgeo https://www.instagram.com/p/C0abc123/ --no-resume
  mediaorch run natgeo --stories --reels --max-posts 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, root, flags, args)
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "YAML file with a urls list")
	cmd.Flags().StringArrayVarP(&flags.urls, "url", "u", nil, "target URL or handle (repeatable)")
	cmd.Flags().IntVarP(&flags.workers, "workers", "w", dispatcher.DefaultConcurrency,
		fmt.Sprintf("concurrent workers, 1 to %d", dispatcher.MaxConcurrency))
	cmd.Flags().BoolVar(&flags.noResume, "no-resume", false, "ignore recorded progress and download everything")
	cmd.Flags().StringVarP(&flags.outputDir, "output-dir", "o", "", "output directory (overrides config)")
	cmd.Flags().StringVar(&flags.runIdentity, "run-identity", "", "name used to group progress across runs")
	cmd.Flags().BoolVar(&flags.stories, "stories", false, "also download the stories of every user target")
	cmd.Flags().BoolVar(&flags.reels, "reels", false, "also download the reels of every user target")
	cmd.Flags().IntVar(&flags.maxPosts, "max-posts", 0, "maximum posts per user timeline, 0 for no limit")
	return cmd
}

func runBatch(cmd *cobra.Command, root *rootOptions, flags *runFlags, args []string) error {
	applyRunFlags(cmd, root, flags)
	if err := root.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := root.buildLogger()
	if err != nil {
		return err
	}

	tgts, err := collectTargets(flags, args, logger)
	if err != nil {
		return err
	}
	if len(tgts) == 0 {
		return errors.New("no targets given: pass URLs, --url or --file")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, root.cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			logger.Warn("failed to close application services", zap.Error(cerr))
		}
	}()

	stats, runErr := a.RunBatch(ctx, tgts, root.cfg.Concurrency, root.cfg.Resume)
	if stats.RunID != "" {
		if err := report.Print(cmd.OutOrStdout(), a.LastSummary()); err != nil {
			logger.Warn("failed to print summary", zap.Error(err))
		}
	}
	if runErr != nil {
		return fmt.Errorf("run batch: %w", runErr)
	}
	if stats.Interrupted {
		return fmt.Errorf("%w: %d targets unfinished, run again to resume", errInterrupted, stats.Unfinished)
	}
	return nil
}

// applyRunFlags overlays explicitly set flags onto the loaded config.
func applyRunFlags(cmd *cobra.Command, root *rootOptions, flags *runFlags) {
	if cmd.Flags().Changed("workers") {
		root.cfg.Concurrency = flags.workers
	}
	if flags.noResume {
		root.cfg.Resume = false
	}
	if flags.outputDir != "" {
		root.cfg.OutputDir = flags.outputDir
	}
	if flags.runIdentity != "" {
		root.cfg.RunIdentity = flags.runIdentity
	}
	if cmd.Flags().Changed("max-posts") {
		root.cfg.Fetch.MaxPosts = flags.maxPosts
	}
}

// collectTargets merges positional arguments, --url values and the target
// file. Positional and --url values must all parse; the file skips bad entries.
// With --stories or --reels each user target gains its story and reel sets.
func collectTargets(flags *runFlags, args []string, logger *zap.Logger) ([]batch.Target, error) {
	raws := append(append([]string{}, args...), flags.urls...)
	out, err := targets.ParseAll(raws)
	if err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	if flags.file != "" {
		fromFile, err := targets.LoadFile(flags.file, logger)
		if err != nil {
			return nil, fmt.Errorf("load target file: %w", err)
		}
		out = append(out, fromFile...)
	}
	out, err = targets.Expand(out, targets.Expansion{Stories: flags.stories, Reels: flags.reels})
	if err != nil {
		return nil, fmt.Errorf("expand user targets: %w", err)
	}
	return out, nil
}
