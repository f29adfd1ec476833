package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/RunLedger/RunLedger/internal/config"
	"github.com/RunLedger/RunLedger/internal/runtime"
)

var (
	runMaxSteps       int
	runWallTimeSecs   int
	runNonInteractive bool
	runQuiet          bool
	runWorkspace      string
	runModel          string
	runSafetyMode     string
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Execute a task as a logged agent run",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "Override the tool step budget")
	runCmd.Flags().IntVar(&runWallTimeSecs, "max-wall-time", 0, "Override the wall-clock budget in seconds")
	runCmd.Flags().BoolVar(&runNonInteractive, "non-interactive", false, "No terminal prompts; calls needing approval fail the run")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Print only the final result")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "Override the workspace directory")
	runCmd.Flags().StringVar(&runModel, "model", "", "Override the model name")
	runCmd.Flags().StringVar(&runSafetyMode, "safety", "", "Override the default policy mode (ask or deny)")
}

func runRun(cmd *cobra.Command, args []string) error {
	task := args[0]
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if runWorkspace != "" {
		cfg.Paths.Workspace = runWorkspace
	}
	if runModel != "" {
		cfg.Model.Name = runModel
	}
	if runSafetyMode != "" {
		cfg.Safety.Mode = runSafetyMode
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}

	runner, cleanup, err := buildRunner(cmd.Context(), cfg, !runNonInteractive, cmd.OutOrStdout(), os.Stdin)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := cancelOnInterrupt(cmd.Context())
	defer stop()

	events, wait := runner.RunStream(ctx, runtime.RunOptions{
		Task:        task,
		MaxSteps:    runMaxSteps,
		MaxWallTime: time.Duration(runWallTimeSecs) * time.Second,
	})
	for ev := range events {
		if !runQuiet {
			renderLiveEvent(cmd.OutOrStdout(), &ev)
		}
	}

	outcome, err := wait()
	if err != nil {
		return err
	}
	return printOutcome(cmd.OutOrStdout(), outcome)
}

func printOutcome(out io.Writer, o *runtime.Outcome) error {
	fmt.Fprintf(out, "\nrun %s: %s (%d steps, log at %s)\n", o.RunID, o.Status, o.Steps, o.WALLocator)
	switch o.Status {
	case "completed":
		if o.FinalText != "" {
			fmt.Fprintln(out, o.FinalText)
		}
		return nil
	case "cancelled":
		return nil
	default:
		if o.Err != nil {
			return fmt.Errorf("run failed: %s", o.Err.Error())
		}
		return fmt.Errorf("run failed")
	}
}

// cancelOnInterrupt wires Ctrl-C to context cancellation so the loop can
// emit run_cancelled instead of dying mid-append.
func cancelOnInterrupt(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		defer signal.Stop(sig)
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
