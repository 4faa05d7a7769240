package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clinicavet/vetsync/internal/loadtest"
	"github.com/clinicavet/vetsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure render coalescing under a burst of concurrent edits",
	Long: `Run a burst of concurrent edits against an in-memory store and report
how many reached the screen, how many were coalesced into a later render and
how long each took to show.

The coalescing windows come from the sync settings, so this is a way to try
a configuration before rolling it out.

Examples:
  vetsync loadtest
  vetsync loadtest --writers 50 --updates 100
  vetsync loadtest --status-every 0 --json`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		config := loadtest.DefaultConfig()
		config.Engine = cfg.Engine(nil)
		config.Records, _ = cmd.Flags().GetInt("records")
		config.Writers, _ = cmd.Flags().GetInt("writers")
		config.UpdatesPerWriter, _ = cmd.Flags().GetInt("updates")
		config.StatusEvery, _ = cmd.Flags().GetInt("status-every")
		config.Pause, _ = cmd.Flags().GetDuration("pause")
		config.Kind = mustKind(flagString(cmd, "kind"))
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if !jsonOutput {
			fmt.Printf("%s Running load test: %d records, %d writers x %d updates\n",
				ui.RenderAccent("🚀"), config.Records, config.Writers, config.UpdatesPerWriter)
		}
		result, err := loadtest.Run(ctx, config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			result.Latency.Durations = nil
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(result)
			return
		}
		fmt.Println()
		result.Print(os.Stdout)
		if result.Unrendered > 0 {
			fmt.Printf("\n%s %d record(s) never showed their last edit\n", ui.RenderFail("✗"), result.Unrendered)
			os.Exit(1)
		}
		fmt.Printf("\n%s Every edit reached the screen\n", ui.RenderPass("✓"))
	},
}

func init() {
	def := loadtest.DefaultConfig()
	loadtestCmd.Flags().Int("records", def.Records, "Records seeded before the burst")
	loadtestCmd.Flags().Int("writers", def.Writers, "Concurrent simulated clients")
	loadtestCmd.Flags().Int("updates", def.UpdatesPerWriter, "Edits per client")
	loadtestCmd.Flags().Int("status-every", def.StatusEvery, "Every n-th edit also changes the status (0 = never)")
	loadtestCmd.Flags().Duration("pause", def.Pause, "Pause between a client's edits")
	loadtestCmd.Flags().StringP("kind", "k", "consulta", "Collection: consulta, laboratorio or quirofano")
	loadtestCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(loadtestCmd)
}
