package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/RunLedger/RunLedger/internal/config"
	"github.com/RunLedger/RunLedger/internal/wal"
)

// runLister is implemented by backends that can enumerate their runs.
type runLister interface {
	Runs() ([]string, error)
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs and surface any left interrupted",
	RunE:  runRuns,
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	backend, _, closeBackend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	lister, ok := backend.(runLister)
	if !ok {
		return fmt.Errorf("the %s backend cannot enumerate runs", cfg.Paths.EventBackend)
	}
	ids, err := lister.Runs()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	interrupted := 0
	for _, id := range ids {
		status, task, err := runStatus(backend, id)
		if err != nil {
			return err
		}
		label := status
		switch status {
		case "completed":
			label = color.GreenString(status)
		case "failed":
			label = color.RedString(status)
		case "interrupted":
			label = color.YellowString(status)
			interrupted++
		}
		fmt.Fprintf(out, "%-38s %-12s %s\n", id, label, truncateLine(task, 70))
	}
	if interrupted > 0 {
		fmt.Fprintf(out, "\n%d interrupted run(s); continue with 'runledger resume <run_id>'\n", interrupted)
	}
	return nil
}

// runStatus derives a run's state from its log: the last terminal event
// wins, a log without one means the process died mid-run.
func runStatus(backend wal.Backend, runID string) (status, task string, err error) {
	it, err := backend.Iter(runID)
	if err != nil {
		return "", "", err
	}
	status = "interrupted"
	for ev := it.Next(); ev != nil; ev = it.Next() {
		switch ev.Type {
		case wal.EventRunStarted:
			task, _ = ev.Payload["task"].(string)
		case wal.EventRunCompleted:
			status = "completed"
		case wal.EventRunFailed:
			status = "failed"
		case wal.EventRunCancelled:
			status = "cancelled"
		}
	}
	return status, task, it.Err()
}
