// Package main is the entry point for the runledger CLI.
package main

import (
	"os"

	"github.com/RunLedger/RunLedger/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
