package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/RunLedger/RunLedger/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"  ____              _              _\n" +
		" |  _ \\ _   _ _ __ | |    ___  __| | __ _  ___ _ __\n" +
		" | |_) | | | | '_ \\| |   / _ \\/ _` |/ _` |/ _ \\ '__|\n" +
		" |  _ <| |_| | | | | |__|  __/ (_| | (_| |  __/ |\n" +
		" |_| \\_\\\\__,_|_| |_|_____\\___|\\__,_|\\__, |\\___|_|\n" +
		"                                    |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "runledger",
	Short: "RunLedger - replayable agent runs",
	Long:  color.CyanString(logo) + "\nAn agent runtime that writes every decision to an append-only run log.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(skillsCmd)
	rootCmd.AddCommand(doctorCmd)
}
