// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-harvester/internal/app"
	"github.com/JakeFAU/registry-harvester/internal/config"
	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitHandoff (EX_TEMPFAIL) tells the scheduler that a manifest was left
	// for the next run.
	ExitHandoff = 75
)

// Runner is the application surface the commands drive. It lets tests inject
// a fake application.
type Runner interface {
	Run(ctx context.Context, in app.Input) (harvest.RunReport, error)
	Close(ctx context.Context)
}

// Factory builds a Runner from configuration.
type Factory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error)

func defaultFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	a, err := app.Build(ctx, cfg, logger, app.Overrides{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return a, nil
}

// ExitError carries the process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// newRootCmd creates and configures the root command.
func newRootCmd(factory Factory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resolves registry file numbers into business records.",
		Long: `harvester resolves a list of registry file numbers into business
records. It acquires a browser session once, works through the input in
paced batches, and stops at the first sign of blocking. Unfinished work is
written to a resume manifest that the next run picks up.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.AddCommand(newRunCmd(&cfgFile, factory))
	return cmd
}

// Execute is the main entry point. It returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(defaultFactory), os.Args[1:], os.Stderr)
}

func execute(ctx context.Context, cmd *cobra.Command, args []string, stderr io.Writer) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			_, _ = fmt.Fprintln(stderr, exitErr.Err)
		}
		return exitErr.Code
	}
	_, _ = fmt.Fprintln(stderr, err)
	return ExitFailure
}
