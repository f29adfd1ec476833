package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/RunLedger/RunLedger/internal/config"
)

// DoctorCheck is one diagnostic result.
type DoctorCheck struct {
	Name    string
	Status  string // PASS, WARN, FAIL
	Message string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run config and setup diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		checks := runDoctorChecks()
		failures := 0
		for _, check := range checks {
			if check.Status == "FAIL" {
				failures++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", check.Status, check.Name, check.Message)
		}
		if failures > 0 {
			return fmt.Errorf("doctor found %d failing check(s)", failures)
		}
		return nil
	},
}

func runDoctorChecks() []DoctorCheck {
	var checks []DoctorCheck

	path, err := config.ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			checks = append(checks, DoctorCheck{"config", "PASS", "found at " + path})
		} else {
			checks = append(checks, DoctorCheck{"config", "WARN", "not found at " + path + ", using defaults"})
		}
	} else {
		checks = append(checks, DoctorCheck{"config", "FAIL", err.Error()})
	}

	cfg, err := config.Load()
	if err != nil {
		checks = append(checks, DoctorCheck{"config-validate", "FAIL", err.Error()})
		return checks
	}
	checks = append(checks, DoctorCheck{"config-validate", "PASS", "configuration is valid"})

	if cfg.Providers.OpenAI.APIKey != "" {
		checks = append(checks, DoctorCheck{"api-key", "PASS", "provider API key is set"})
	} else {
		checks = append(checks, DoctorCheck{"api-key", "FAIL",
			"no API key: set providers.openai.apiKey or RUNLEDGER_OPENAI_API_KEY"})
	}

	if err := os.MkdirAll(cfg.Paths.Workspace, 0o755); err != nil {
		checks = append(checks, DoctorCheck{"workspace", "FAIL", err.Error()})
	} else {
		checks = append(checks, DoctorCheck{"workspace", "PASS", cfg.Paths.Workspace})
	}

	backend, _, closeBackend, err := openBackend(cfg)
	if err != nil {
		checks = append(checks, DoctorCheck{"event-backend", "FAIL", err.Error()})
	} else {
		checks = append(checks, DoctorCheck{"event-backend", "PASS",
			fmt.Sprintf("%s (%s)", cfg.Paths.EventBackend, backend.Locator())})
		closeBackend()
	}

	if cfg.Sink.Enabled {
		checks = append(checks, DoctorCheck{"sink", "PASS",
			fmt.Sprintf("kafka mirror to %v topic %s", cfg.Sink.Brokers, cfg.Sink.Topic)})
	}
	if cfg.Skills.Dir != "" {
		if _, err := os.Stat(cfg.Skills.Dir); err != nil {
			checks = append(checks, DoctorCheck{"skills-dir", "WARN", cfg.Skills.Dir + " does not exist"})
		} else {
			checks = append(checks, DoctorCheck{"skills-dir", "PASS", cfg.Skills.Dir})
		}
	}
	return checks
}
