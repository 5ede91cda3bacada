package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/app"
	"github.com/JakeFAU/registry-harvester/internal/config"
	"github.com/JakeFAU/registry-harvester/internal/harvest"
	"github.com/JakeFAU/registry-harvester/internal/logging"
)

type runFlags struct {
	fileNumbers  string
	manifest     string
	resumeLatest bool
	batchNumber  int
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd(cfgFile *string, factory Factory) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one harvesting pass",
		Long: `Resolves the given file numbers, or the remaining items of a resume
manifest, and writes a run report. Exits 0 when the input was drained with
at least one success, 75 when work was handed off to a manifest, and 1
otherwise.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd.Context(), *cfgFile, flags, factory)
		},
	}
	cmd.Flags().StringVar(&flags.fileNumbers, "file-numbers", "", "JSON array or comma-separated file numbers")
	cmd.Flags().StringVar(&flags.manifest, "manifest", "", "resume manifest key or location")
	cmd.Flags().BoolVar(&flags.resumeLatest, "resume-latest", false, "resume the newest manifest recorded in the run index")
	cmd.Flags().IntVar(&flags.batchNumber, "batch-number", 0, "batch number for this run (default from config or manifest)")
	return cmd
}

func runHarvest(ctx context.Context, cfgFile string, flags runFlags, factory Factory) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("load config: %w", err)}
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("logger init failed: %w", err)}
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	runner, err := factory(ctx, cfg, logger)
	if err != nil {
		logger.Error("application init failed", zap.Error(err))
		return &ExitError{Code: ExitFailure}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		runner.Close(closeCtx)
	}()

	report, err := runner.Run(ctx, app.Input{
		FileNumbers:  flags.fileNumbers,
		Manifest:     flags.manifest,
		ResumeLatest: flags.resumeLatest,
		BatchNumber:  flags.batchNumber,
	})
	code := ExitCode(report, err)
	if err != nil {
		logger.Error("run failed", zap.Error(err), zap.Int("exit_code", code))
	} else {
		logger.Info("run command finished",
			zap.String("run_id", report.RunID),
			zap.Int("successful", report.Successful),
			zap.Int("remaining", len(report.Remaining)),
			zap.Bool("handoff", report.Blocked || report.Interrupted),
			zap.Int("exit_code", code),
		)
	}
	if code != ExitOK {
		return &ExitError{Code: code}
	}
	return nil
}

// ExitCode maps a run outcome to the process exit code.
func ExitCode(report harvest.RunReport, err error) int {
	switch {
	case err != nil:
		return ExitFailure
	case report.Blocked || report.Interrupted:
		return ExitHandoff
	case report.Successful == 0:
		return ExitFailure
	default:
		return ExitOK
	}
}
