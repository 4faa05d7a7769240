package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "maint",
	Short:   "Inspect the offline write queue",
	Long: `Inspect or clear the writes waiting in the offline journal
(offline.journal_path). Stop 'vetsync run' before clearing the queue.`,
}

func openJournal() *offline.SQLiteJournal {
	cfg := mustLoadConfig()
	if cfg.Offline.JournalPath == "" {
		fmt.Printf("\n%s No offline journal configured\n", ui.RenderWarn("⚠"))
		fmt.Printf("   Queued writes only live in memory while 'vetsync run' is running\n\n")
		os.Exit(0)
	}
	if _, err := os.Stat(cfg.Offline.JournalPath); os.IsNotExist(err) {
		fmt.Printf("\n%s Offline journal not created yet\n", ui.RenderPass("✓"))
		fmt.Printf("   Location: %s\n\n", cfg.Offline.JournalPath)
		os.Exit(0)
	}
	j, err := offline.OpenSQLiteJournal(cfg.Offline.JournalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening offline journal: %v\n", err)
		os.Exit(1)
	}
	return j
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes in replay order",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		j := openJournal()
		defer j.Close()

		ops, err := j.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading offline journal: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(ops)
			return
		}
		if len(ops) == 0 {
			fmt.Printf("\n%s No queued writes\n\n", ui.RenderPass("✓"))
			return
		}
		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			lastErr := op.LastError
			if len(lastErr) > 50 {
				lastErr = lastErr[:47] + "..."
			}
			rows = append(rows, []string{
				string(op.Kind),
				op.Path,
				op.EnqueuedAt.Format("2006-01-02 15:04:05"),
				strconv.Itoa(op.Attempts),
				ui.RenderMuted(lastErr),
			})
		}
		fmt.Printf("\n%s %d queued write(s)\n\n", ui.RenderAccent("📤"), len(ops))
		fmt.Print(ui.Table([]string{"OP", "PATH", "QUEUED", "ATTEMPTS", "LAST ERROR"}, rows))
		fmt.Printf("\nOldest: %s ago\n\n", time.Since(ops[0].EnqueuedAt).Round(time.Second))
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued write without sending it",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		j := openJournal()
		defer j.Close()

		ops, err := j.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading offline journal: %v\n", err)
			os.Exit(1)
		}
		if len(ops) == 0 {
			fmt.Printf("%s Nothing to clear\n", ui.RenderPass("✓"))
			return
		}
		if !force {
			fmt.Printf("%s %d queued write(s) will be lost. Continue? [y/N] ", ui.RenderWarn("⚠"), len(ops))
			answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" && a != "s" && a != "si" {
				fmt.Println("Cancelled")
				return
			}
		}
		if err := j.Clear(); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing offline journal: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Dropped %d queued write(s)\n", ui.RenderPass("✓"), len(ops))
	},
}

func init() {
	queueListCmd.Flags().Bool("json", false, "Output as JSON")
	queueClearCmd.Flags().BoolP("force", "f", false, "Do not ask for confirmation")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
