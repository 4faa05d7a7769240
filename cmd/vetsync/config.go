package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clinicavet/vetsync/internal/config"
	"github.com/clinicavet/vetsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and VETSYNC_
environment overrides are applied. Credentials are masked unless
--show-secrets is given. The output can be saved as vetsync.yaml or
vetsync.toml.

Examples:
  vetsync config show
  vetsync config show --format toml > vetsync.toml`,
	Run: func(cmd *cobra.Command, args []string) {
		format := flagString(cmd, "format")
		secrets, _ := cmd.Flags().GetBool("show-secrets")

		cfg := mustLoadConfig()
		if cfg.File != "" {
			fmt.Fprintf(os.Stderr, "%s Loaded from %s\n", ui.RenderMuted("#"), cfg.File)
		} else {
			fmt.Fprintf(os.Stderr, "%s No config file found, showing defaults and environment\n", ui.RenderMuted("#"))
		}

		out := *cfg
		if !secrets {
			out = cfg.Redacted()
		}
		if err := out.Write(os.Stdout, format); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", config.FormatYAML, "Output format: yaml or toml")
	configShowCmd.Flags().Bool("show-secrets", false, "Print credentials unmasked")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
