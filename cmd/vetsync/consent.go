package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicavet/vetsync/internal/consent"
	"github.com/clinicavet/vetsync/internal/schema"
	"github.com/clinicavet/vetsync/internal/ui"
)

var consentCmd = &cobra.Command{
	Use:     "consent",
	GroupID: "records",
	Short:   "Find surgery bookings and record sent consent forms",
	Long: `Find surgery bookings by pet name, owner name or number, and record
that a consent form was sent for one.

Forms: ` + strings.Join(consent.Forms, ", "),
}

// startConsent loads the surgery collection and returns a dispatcher over it.
func startConsent(ctx context.Context) (*app, *consent.Dispatcher) {
	notifier := newTerminalNotifier(os.Stderr)
	a := mustStartApp(ctx, appOptions{Kinds: []schema.Kind{schema.KindSurgery}, Notifier: notifier})
	c, _ := a.engine.Collection(schema.KindSurgery)
	loc, _ := a.cfg.Location()
	d := consent.New(a.engine, c.Mirror, a.engine.Store(), consent.Config{
		User:     a.cfg.Clinic.User,
		Notifier: notifier,
		Logger:   a.log,
		Now:      func() time.Time { return time.Now().In(loc) },
	})
	return a, d
}

var consentSearchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Search surgery bookings",
	Long: `Search surgery bookings. Every word must appear in the pet name, owner
name or number; case and accents are ignored, so "perez" finds "Pérez".`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		a, d := startConsent(ctx)
		defer a.Close()

		records, err := d.Search(ctx, strings.Join(args, " "))
		if err != nil {
			// The dispatcher already told the user.
			a.Close()
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Printf("\n%s No surgery bookings match\n\n", ui.RenderWarn("⚠"))
			return
		}
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			scheduled := ""
			if rec.ScheduledAt > 0 {
				scheduled = time.UnixMilli(rec.ScheduledAt).Format("2006-01-02 15:04")
			}
			rows = append(rows, []string{
				"#" + strconv.Itoa(rec.DisplayID),
				rec.PetName,
				rec.OwnerName,
				rec.Procedure,
				scheduled,
				ui.RenderStatus(schema.KindSurgery, rec.Status),
				ui.RenderMuted(rec.RemoteKey),
			})
		}
		fmt.Println()
		fmt.Print(ui.Table([]string{"ID", "MASCOTA", "PROPIETARIO", "PROCEDIMIENTO", "HORA", "ESTADO", "KEY"}, rows))
		fmt.Println()
	},
}

var consentSendCmd = &cobra.Command{
	Use:   "send <surgery-key> <form>",
	Short: "Record that a consent form was sent",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		a, d := startConsent(ctx)
		defer a.Close()

		a.collection(ctx, schema.KindSurgery)
		key, err := d.Send(ctx, args[0], args[1])
		if err != nil {
			a.fail("Error: %v", err)
		}
		a.settle(ctx, settleTimeout)
		if key == "" {
			key = ui.RenderMuted("(pending)")
		}
		fmt.Printf("%s Consent %s recorded for %s\n", ui.RenderPass("✓"), args[1], args[0])
		fmt.Printf("   Key: %s\n", key)
	},
}

func init() {
	consentCmd.AddCommand(consentSearchCmd)
	consentCmd.AddCommand(consentSendCmd)
	rootCmd.AddCommand(consentCmd)
}
