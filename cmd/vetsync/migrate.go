package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clinicavet/vetsync/internal/migrate"
	"github.com/clinicavet/vetsync/internal/schema"
	"github.com/clinicavet/vetsync/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "records",
	Short:   "Import records from a JSONL file",
	Long: `Import records from a JSONL file, one record per line.

Lines carrying a "_key" field are written back under that key, so a file
made by 'vetsync export' restores the collection. Other lines are added as
new records. Malformed records are skipped and listed.

Examples:
  vetsync import tickets.jsonl
  vetsync import lab.jsonl --kind lab --dry-run
  vetsync import quirofano.jsonl --kind quirofano --backup`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind := mustKind(flagString(cmd, "kind"))
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		opts := migrate.ImportOptions{Path: args[0], Kind: kind, DryRun: dryRun, Backup: backup}

		if dryRun {
			result, err := migrate.Import(context.Background(), nil, opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printImportResult(kind, result, true)
			return
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		a := mustStartApp(ctx, appOptions{Kinds: []schema.Kind{kind}})
		defer a.Close()

		fmt.Printf("%s Importing %s into %s...\n", ui.RenderAccent("🔄"), args[0], kind.Collection())
		result, err := migrate.Import(ctx, a.engine.Store(), opts)
		if err != nil {
			a.fail("Error during import: %v", err)
		}
		a.settle(ctx, settleTimeout)
		printImportResult(kind, result, false)
	},
}

func printImportResult(kind schema.Kind, r *migrate.ImportResult, dryRun bool) {
	verb := "Imported"
	if dryRun {
		verb = "Would import"
	}
	fmt.Printf("%s %s %d of %d record(s) into %s\n", ui.RenderPass("✓"), verb, r.Imported, r.Read, kind.Collection())
	if r.Queued > 0 {
		fmt.Printf("   Queued until reconnect: %d\n", r.Queued)
	}
	if r.Skipped > 0 {
		fmt.Printf("   %s Skipped: %d\n", ui.RenderWarn("⚠"), r.Skipped)
	}
	if r.BackupCreated != "" {
		fmt.Printf("   Backup: %s\n", r.BackupCreated)
	}
	for _, e := range r.Errors {
		fmt.Printf("   %s\n", ui.RenderMuted(e))
	}
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "records",
	Short:   "Export a collection to JSONL",
	Long: `Write every record of a collection as JSONL, one record per line with
its key in "_key". Without --out the lines go to stdout.

Examples:
  vetsync export > tickets.jsonl
  vetsync export --kind lab --out backups/lab.jsonl`,
	Run: func(cmd *cobra.Command, args []string) {
		kind := mustKind(flagString(cmd, "kind"))
		out := flagString(cmd, "out")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		a := mustStartApp(ctx, appOptions{Kinds: []schema.Kind{kind}})
		defer a.Close()

		a.collection(ctx, kind)
		snapshot, err := a.engine.Snapshot(kind)
		if err != nil {
			a.fail("Error: %v", err)
		}
		records := migrate.RecordsFromSnapshot(kind, snapshot)

		if out == "" {
			if err := migrate.Encode(os.Stdout, records); err != nil {
				a.fail("Error: %v", err)
			}
			return
		}
		if err := migrate.Export(records, out); err != nil {
			a.fail("Error during export: %v", err)
		}
		fmt.Printf("%s Exported %d record(s) from %s to %s\n", ui.RenderPass("✓"), len(records), kind.Collection(), out)
	},
}

func init() {
	importCmd.Flags().StringP("kind", "k", "consulta", "Collection: consulta, laboratorio or quirofano")
	importCmd.Flags().Bool("dry-run", false, "Validate without writing")
	importCmd.Flags().Bool("backup", false, "Copy the input file aside before importing")

	exportCmd.Flags().StringP("kind", "k", "consulta", "Collection: consulta, laboratorio or quirofano")
	exportCmd.Flags().StringP("out", "o", "", "Output file (default stdout)")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
}
