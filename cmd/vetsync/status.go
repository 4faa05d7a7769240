package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clinicavet/vetsync/internal/schema"
	"github.com/clinicavet/vetsync/internal/stats"
	"github.com/clinicavet/vetsync/internal/ui"
)

type statusReport struct {
	Backend     string         `json:"backend"`
	Connected   bool           `json:"connected"`
	Pending     int            `json:"pending"`
	Unavailable []string       `json:"unavailable,omitempty"`
	Counts      []stats.Counts `json:"counts"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, queued writes and today's counts",
	Long: `Connect to the shared store, load every collection and show:
  - whether the store is reachable
  - how many writes wait in the offline queue
  - today's records per status for each collection`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		a := mustStartApp(ctx, appOptions{})
		defer a.Close()
		e := a.engine

		report := statusReport{Backend: a.cfg.Store.Backend}
		for _, c := range e.Collections() {
			if err := e.WaitForCollection(ctx, c.Kind); err != nil {
				report.Unavailable = append(report.Unavailable, c.Kind.Collection())
			}
		}
		e.Stats().Recompute()
		report.Connected = e.Connected()
		report.Pending = len(e.Queue().Pending())
		report.Counts = e.Stats().Snapshot()

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
			return
		}
		printStatus(report)
	},
}

func printStatus(r statusReport) {
	fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
	fmt.Printf("Backend: %s\n", r.Backend)
	if r.Connected {
		fmt.Printf("Store: %s\n", ui.RenderPass("connected"))
	} else {
		fmt.Printf("Store: %s\n", ui.RenderWarn("disconnected"))
	}
	if r.Pending > 0 {
		fmt.Printf("Queued writes: %s\n", ui.RenderWarn(strconv.Itoa(r.Pending)))
	} else {
		fmt.Printf("Queued writes: 0\n")
	}
	for _, name := range r.Unavailable {
		fmt.Printf("%s %s did not load\n", ui.RenderWarn("⚠"), name)
	}

	for _, c := range r.Counts {
		fmt.Printf("\n%s %s: %d today, %d open, %d total\n",
			ui.RenderBold(c.Kind.String()), c.Day, c.Today, c.Open, c.Total)
		if len(c.ByStatus) == 0 {
			continue
		}
		rows := make([][]string, 0, len(c.ByStatus))
		for _, status := range orderedStatuses(c.Kind, c.ByStatus) {
			rows = append(rows, []string{ui.RenderStatus(c.Kind, status), strconv.Itoa(c.ByStatus[status])})
		}
		fmt.Print(indent(ui.Table([]string{"ESTADO", "N"}, rows), "   "))
	}
	fmt.Println()
}

// orderedStatuses lists the statuses in workflow order, unknown ones last.
func orderedStatuses(kind schema.Kind, counts map[string]int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range schema.Statuses(kind) {
		if counts[s] > 0 {
			out = append(out, s)
			seen[s] = true
		}
	}
	var rest []string
	for s := range counts {
		if !seen[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l != "" {
			b.WriteString(prefix)
			b.WriteString(l)
		}
	}
	return b.String()
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
