package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/clinicavet/vetsync/internal/mutator"
	"github.com/clinicavet/vetsync/internal/reconcile"
	"github.com/clinicavet/vetsync/internal/schema"
	"github.com/clinicavet/vetsync/internal/ui"
)

// settleTimeout bounds how long one-shot commands wait for their writes.
const settleTimeout = 10 * time.Second

var ticketCmd = &cobra.Command{
	Use:     "ticket",
	GroupID: "records",
	Short:   "Create, list and edit consultation tickets, lab orders and surgery bookings",
	Long: `Work with the records of one collection.

Use --kind to pick the collection: consulta (tickets, the default),
laboratorio (laboTickets) or quirofano (quirofanoTickets).`,
}

var ticketNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a record",
	Long: `Create a record. The display number is assigned from today's records.

Without --pet and --owner on a terminal, an interactive form is shown.

Examples:
  vetsync ticket new --pet Firulais --owner "Ana Pérez" --reason vacuna
  vetsync ticket new --kind lab --pet Mia --exams hemograma,perfil
  vetsync ticket new --kind quirofano --pet Rocky --procedure castración --at "tomorrow 9am"`,
	Run: func(cmd *cobra.Command, args []string) {
		kind := mustKind(flagString(cmd, "kind"))
		rec := &schema.Record{
			Kind:      kind,
			OwnerName: flagString(cmd, "owner"),
			PetName:   flagString(cmd, "pet"),
			Reason:    flagString(cmd, "reason"),
			Urgency:   flagString(cmd, "urgency"),
			Doctor:    flagString(cmd, "doctor"),
			Lab:       flagString(cmd, "lab"),
			Procedure: flagString(cmd, "procedure"),
		}
		if exams := flagString(cmd, "exams"); exams != "" {
			for _, e := range strings.Split(exams, ",") {
				if e = strings.TrimSpace(e); e != "" {
					rec.Exams = append(rec.Exams, e)
				}
			}
		}

		interactive, _ := cmd.Flags().GetBool("interactive")
		if interactive || (rec.PetName == "" && rec.OwnerName == "" && ui.IsTerminal()) {
			if err := ticketForm(rec).Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Cancelled")
					return
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		a := mustStartApp(ctx, appOptions{Kinds: []schema.Kind{kind}})
		defer a.Close()

		loc, _ := a.cfg.Location()
		now := time.Now().In(loc)
		if day := flagString(cmd, "day"); day != "" {
			d, err := parseDay(day, now)
			if err != nil {
				a.fail("Error: %v", err)
			}
			rec.Day = d
		}
		if at := flagString(cmd, "at"); at != "" {
			t, err := parseTime(at, now)
			if err != nil {
				a.fail("Error: %v", err)
			}
			rec.ScheduledAt = t.UnixMilli()
			if rec.Day == "" {
				rec.Day = schema.DayOf(t)
			}
		}

		c := a.collection(ctx, kind)
		created, err := c.Mutator.Create(ctx, rec)
		if err != nil {
			a.fail("Error creating record: %v", err)
		}
		a.settle(ctx, settleTimeout)

		key := created.RemoteKey
		if key == "" {
			key = ui.RenderMuted("(pending)")
		}
		fmt.Printf("%s Created #%d %s in %s\n", ui.RenderPass("✓"), created.DisplayID, created.Name(), kind)
		fmt.Printf("   Key: %s\n", key)
		fmt.Printf("   Day: %s\n", created.Day)
		fmt.Printf("   Status: %s\n", ui.RenderStatus(kind, created.Status))
	},
}

func ticketForm(rec *schema.Record) *huh.Form {
	urgencies := huh.NewOptions(schema.UrgencyNormal, schema.UrgencyUrgent, schema.UrgencyEmergency)
	if rec.Urgency == "" {
		rec.Urgency = schema.UrgencyNormal
	}
	fields := []huh.Field{
		huh.NewInput().Title("Mascota").Value(&rec.PetName),
		huh.NewInput().Title("Propietario").Value(&rec.OwnerName).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" && strings.TrimSpace(rec.PetName) == "" {
					return fmt.Errorf("se necesita el nombre de la mascota o del propietario")
				}
				return nil
			}),
		huh.NewSelect[string]().Title("Urgencia").Options(urgencies...).Value(&rec.Urgency),
	}
	switch rec.Kind {
	case schema.KindSurgery:
		fields = append(fields, huh.NewInput().Title("Procedimiento").Value(&rec.Procedure))
	case schema.KindLab:
		fields = append(fields, huh.NewInput().Title("Laboratorio").Value(&rec.Lab))
	default:
		fields = append(fields,
			huh.NewInput().Title("Motivo").Value(&rec.Reason),
			huh.NewInput().Title("Doctor").Value(&rec.Doctor),
		)
	}
	return huh.NewForm(huh.NewGroup(fields...))
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	Long: `List the records of one collection, by default today's.

Examples:
  vetsync ticket list
  vetsync ticket list --status espera,consultorio1
  vetsync ticket list --kind lab --day ayer
  vetsync ticket list --day all --json`,
	Run: func(cmd *cobra.Command, args []string) {
		kind := mustKind(flagString(cmd, "kind"))
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		a := mustStartApp(ctx, appOptions{Kinds: []schema.Kind{kind}})
		defer a.Close()

		filter := reconcile.Filter{Urgency: flagString(cmd, "urgency")}
		if s := flagString(cmd, "status"); s != "" {
			filter.Statuses = strings.Split(s, ",")
		}
		if day := flagString(cmd, "day"); day != "all" {
			loc, _ := a.cfg.Location()
			d, err := parseDay(day, time.Now().In(loc))
			if err != nil {
				a.fail("Error: %v", err)
			}
			filter.Day = d
		}

		c := a.collection(ctx, kind)
		records := c.Mirror.CurrentView(filter.Matches)
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].Day != records[j].Day {
				return records[i].Day < records[j].Day
			}
			return records[i].DisplayID < records[j].DisplayID
		})

		if jsonOutput {
			out := make([]map[string]any, 0, len(records))
			for _, rec := range records {
				fields := rec.Fields()
				fields["_key"] = rec.RemoteKey
				out = append(out, fields)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(out)
			return
		}

		if len(records) == 0 {
			fmt.Printf("\n%s No records match %s\n\n", ui.RenderWarn("⚠"), filter)
			return
		}
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, []string{
				"#" + strconv.Itoa(rec.DisplayID),
				rec.Name(),
				rec.OwnerName,
				ui.RenderStatus(kind, rec.Status),
				ui.RenderUrgency(rec.Urgency),
				rec.Day,
				ui.RenderMuted(rec.RemoteKey),
			})
		}
		fmt.Printf("\n%s %s (%d)\n\n", ui.RenderAccent("📋"), kind.Collection(), len(records))
		fmt.Print(ui.Table([]string{"ID", "MASCOTA", "PROPIETARIO", "ESTADO", "URGENCIA", "FECHA", "KEY"}, rows))
		fmt.Println()
	},
}

var ticketStatusCmd = &cobra.Command{
	Use:   "status <key> <status>",
	Short: "Move a record to another status",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		kind := mustKind(flagString(cmd, "kind"))
		key, status := args[0], args[1]
		if !schema.IsKnownStatus(kind, status) {
			fmt.Fprintf(os.Stderr, "Error: unknown status %q for %s (want one of %s)\n",
				status, kind, strings.Join(schema.Statuses(kind), ", "))
			os.Exit(1)
		}
		editRecord(kind, key, func(ctx context.Context, m *mutator.Mutator) error {
			res, err := m.SetStatus(ctx, key, status)
			if err != nil {
				return err
			}
			fmt.Printf("%s #%d %s → %s (%s)\n", ui.RenderPass("✓"), res.Record.DisplayID, res.Record.Name(),
				ui.RenderStatus(kind, status), res.Strategy)
			return nil
		})
	},
}

var ticketNoteCmd = &cobra.Command{
	Use:   "note <key> <text>",
	Short: "Append an entry to a record's billing note",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		kind := mustKind(flagString(cmd, "kind"))
		key, text := args[0], strings.Join(args[1:], " ")
		editRecord(kind, key, func(ctx context.Context, m *mutator.Mutator) error {
			res, err := m.AppendNote(ctx, key, text)
			if err != nil {
				return err
			}
			fmt.Printf("%s Note added to #%d %s (%s)\n", ui.RenderPass("✓"), res.Record.DisplayID, res.Record.Name(), res.Strategy)
			return nil
		})
	},
}

var ticketRmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind := mustKind(flagString(cmd, "kind"))
		key := args[0]
		editRecord(kind, key, func(ctx context.Context, m *mutator.Mutator) error {
			if err := m.Delete(ctx, key); err != nil {
				return err
			}
			fmt.Printf("%s Deleted %s/%s\n", ui.RenderPass("✓"), kind.Collection(), key)
			return nil
		})
	},
}

// editRecord runs fn against the mutator of kind once key is known to exist.
func editRecord(kind schema.Kind, key string, fn func(ctx context.Context, m *mutator.Mutator) error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	a := mustStartApp(ctx, appOptions{Kinds: []schema.Kind{kind}})
	defer a.Close()

	c := a.collection(ctx, kind)
	if _, ok := c.Mirror.Get(key); !ok {
		a.fail("Error: no record %s in %s", key, kind.Collection())
	}
	if err := fn(ctx, c.Mutator); err != nil {
		a.fail("Error: %v", err)
	}
	a.settle(ctx, settleTimeout)
}

func init() {
	ticketCmd.PersistentFlags().StringP("kind", "k", "consulta", "Collection: consulta, laboratorio or quirofano")

	ticketNewCmd.Flags().String("pet", "", "Pet name")
	ticketNewCmd.Flags().String("owner", "", "Owner name")
	ticketNewCmd.Flags().String("reason", "", "Reason for the visit")
	ticketNewCmd.Flags().String("urgency", "", "normal, urgente or emergencia")
	ticketNewCmd.Flags().String("doctor", "", "Attending doctor")
	ticketNewCmd.Flags().String("day", "", "Day the record belongs to (default today)")
	ticketNewCmd.Flags().String("exams", "", "Comma-separated exams (lab orders)")
	ticketNewCmd.Flags().String("lab", "", "External laboratory (lab orders)")
	ticketNewCmd.Flags().String("procedure", "", "Procedure (surgery bookings)")
	ticketNewCmd.Flags().String("at", "", "Scheduled time, e.g. \"2026-10-19 09:00\" or \"tomorrow 9am\" (surgery bookings)")
	ticketNewCmd.Flags().BoolP("interactive", "i", false, "Fill in the record with a form")

	ticketListCmd.Flags().String("status", "", "Comma-separated statuses to show")
	ticketListCmd.Flags().String("day", "hoy", "Day to show, or \"all\"")
	ticketListCmd.Flags().String("urgency", "", "Only show this urgency")
	ticketListCmd.Flags().Bool("json", false, "Output as JSON")

	ticketCmd.AddCommand(ticketNewCmd)
	ticketCmd.AddCommand(ticketListCmd)
	ticketCmd.AddCommand(ticketStatusCmd)
	ticketCmd.AddCommand(ticketNoteCmd)
	ticketCmd.AddCommand(ticketRmCmd)
	rootCmd.AddCommand(ticketCmd)
}
