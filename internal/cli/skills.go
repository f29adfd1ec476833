package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RunLedger/RunLedger/internal/config"
	"github.com/RunLedger/RunLedger/internal/skills"
)

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Manage skills available for @mention injection",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List skills from all configured sources",
	RunE:  runSkillsList,
}

var skillsPushCmd = &cobra.Command{
	Use:   "push [name] [file]",
	Short: "Upload a skill body to the postgres source",
	Args:  cobra.ExactArgs(2),
	RunE:  runSkillsPush,
}

var skillsPushDescription string

func init() {
	skillsPushCmd.Flags().StringVar(&skillsPushDescription, "description", "", "One-line skill description")
	skillsCmd.AddCommand(skillsListCmd)
	skillsCmd.AddCommand(skillsPushCmd)
}

func runSkillsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	resolver, cleanup, err := buildResolver(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	if resolver == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No skill sources configured (set skills.dir or skills.postgresDsn).")
		return nil
	}

	metas, err := resolver.All(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(metas) == 0 {
		fmt.Fprintln(out, "No skills found.")
		return nil
	}
	for _, m := range metas {
		line := fmt.Sprintf("@%-20s %-8s %6d bytes", m.Name, m.SourceKind, m.SizeBytes)
		if m.Description != "" {
			line += "  " + m.Description
		}
		if len(m.RequiredEnv) > 0 {
			line += "  (needs " + strings.Join(m.RequiredEnv, ", ") + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runSkillsPush(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Skills.PostgresDSN == "" {
		return fmt.Errorf("skills.postgresDsn is not configured")
	}
	body, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	pg, err := skills.NewPGSource(cmd.Context(), cfg.Skills.PostgresDSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	meta := skills.Meta{Name: args[0], Description: skillsPushDescription}
	if err := pg.Put(cmd.Context(), meta, string(body)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pushed @%s (%d bytes)\n", args[0], len(body))
	return nil
}
