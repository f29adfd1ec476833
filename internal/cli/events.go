package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/RunLedger/RunLedger/internal/config"
	"github.com/RunLedger/RunLedger/internal/wal"
)

var eventsJSON bool

var eventsCmd = &cobra.Command{
	Use:   "events [run_id]",
	Short: "Print a run's event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print raw JSON lines")
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	backend, _, closeBackend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	it, err := backend.Iter(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	n := 0
	for ev := it.Next(); ev != nil; ev = it.Next() {
		n++
		if eventsJSON {
			raw, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(raw))
			continue
		}
		renderEvent(out, ev)
	}
	if err := it.Err(); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no events for run %s", args[0])
	}
	return nil
}

// renderEvent prints one log line per event, colored by lifecycle.
func renderEvent(out io.Writer, ev *wal.Event) {
	ts := ev.Timestamp.Format("15:04:05.000")
	loc := ""
	if ev.TurnID > 0 {
		loc = fmt.Sprintf(" t%d", ev.TurnID)
		if ev.StepID > 0 {
			loc += fmt.Sprintf(".s%d", ev.StepID)
		}
	}
	label := eventLabel(ev.Type)
	detail := eventDetail(ev)
	fmt.Fprintf(out, "%s%s  %s%s\n", ts, loc, label, detail)
}

func eventLabel(typ string) string {
	switch typ {
	case wal.EventRunStarted, wal.EventRunCompleted:
		return color.GreenString(typ)
	case wal.EventRunFailed:
		return color.RedString(typ)
	case wal.EventRunCancelled, wal.EventApprovalRequested, wal.EventApprovalDecided:
		return color.YellowString(typ)
	case wal.EventContextLengthExceeded, wal.EventCompactionStarted,
		wal.EventCompactionFinished, wal.EventContextCompacted:
		return color.MagentaString(typ)
	default:
		return typ
	}
}

func eventDetail(ev *wal.Event) string {
	get := func(key string) string {
		s, _ := ev.Payload[key].(string)
		return s
	}
	switch ev.Type {
	case wal.EventRunStarted:
		return "  " + truncateLine(get("task"), 100)
	case wal.EventRunCompleted:
		return "  " + truncateLine(get("final_text"), 100)
	case wal.EventRunFailed:
		return fmt.Sprintf("  %s: %s", get("error_kind"), truncateLine(get("error"), 100))
	case wal.EventToolCallRequested, wal.EventToolCallFinished:
		detail := "  " + get("tool")
		if kind := get("error_kind"); kind != "" {
			detail += " [" + kind + "]"
		}
		return detail
	case wal.EventApprovalRequested:
		return fmt.Sprintf("  %s risk=%s", get("tool"), get("risk"))
	case wal.EventApprovalDecided:
		return "  " + get("decision")
	case wal.EventSkillInjected:
		return "  " + get("skill")
	default:
		return ""
	}
}

// renderLiveEvent is the streaming view used by run and resume: deltas are
// written as they arrive, everything else gets a log line.
func renderLiveEvent(out io.Writer, ev *wal.Event) {
	switch ev.Type {
	case wal.EventLLMResponseDelta:
		if text, ok := ev.Payload["text"].(string); ok {
			fmt.Fprint(out, text)
		}
	case wal.EventLLMRequestStarted, wal.EventRunStarted:
		// quiet in live view
	default:
		fmt.Fprintln(out)
		renderEvent(out, ev)
	}
}

func truncateLine(s string, max int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
