package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/RunLedger/RunLedger/internal/config"
	"github.com/RunLedger/RunLedger/internal/runtime"
)

var resumeMode string

var resumeCmd = &cobra.Command{
	Use:   "resume [run_id]",
	Short: "Continue an interrupted run from its event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeMode, "mode", runtime.ResumeReplay,
		"How to rebuild context: replay (full reconstruction) or summary (textual digest)")
	resumeCmd.Flags().BoolVar(&runNonInteractive, "non-interactive", false, "No terminal prompts; calls needing approval fail the run")
	resumeCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Print only the final result")
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	runner, cleanup, err := buildRunner(cmd.Context(), cfg, !runNonInteractive, cmd.OutOrStdout(), os.Stdin)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := cancelOnInterrupt(cmd.Context())
	defer stop()

	events, wait := runner.ResumeStream(ctx, runtime.ResumeOptions{
		RunID: args[0],
		Mode:  resumeMode,
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
