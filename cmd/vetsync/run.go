package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/config"
	"github.com/clinicavet/vetsync/internal/dashboard"
	"github.com/clinicavet/vetsync/internal/engine"
	"github.com/clinicavet/vetsync/internal/inbox"
	"github.com/clinicavet/vetsync/internal/logging"
	"github.com/clinicavet/vetsync/internal/migrate"
	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The engine will:
  1. Load the consultation, lab and surgery collections into local mirrors
  2. Push render instructions, notifications and counts to dashboard clients
  3. Queue edits made while offline and replay them on reconnect
  4. Import *.jsonl files dropped into the clinic inbox folder, if configured

Examples:
  vetsync run
  vetsync run --port 9000
  vetsync run --no-dashboard --inbox ./entrada`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}
		if noDash, _ := cmd.Flags().GetBool("no-dashboard"); noDash {
			cfg.Dashboard.Enabled = false
		}
		if dir := flagString(cmd, "inbox"); dir != "" {
			cfg.Clinic.InboxDir = dir
		}
		serve(cfg, cfg.Dashboard.Enabled, cfg.Clinic.InboxDir)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Start the real-time WebSocket dashboard",
	Long: `Run the sync engine with the WebSocket dashboard and no import inbox.

The dashboard pushes to connected clients:
- render_full: the whole filtered list of a collection
- render_patch: one record changed in place
- notification / dismiss: user-visible messages and their removal
- stats: per-status counts for each collection
- connectivity: whether the shared store is reachable

New clients first receive the current lists, counts and connectivity.

Example usage:
  vetsync dashboard                   # Start on the configured port (8080)
  vetsync dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}
		serve(cfg, true, "")
	},
}

// serve runs the engine, plus the dashboard and inbox when asked, until
// SIGINT or SIGTERM.
func serve(cfg *config.Config, withDashboard bool, inboxDir string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var (
		e       *engine.Engine
		server  *dashboard.Server
		handler *dashboard.Handler
		opts    = appOptions{Registerer: reg, Logger: logger, Notifier: newTerminalNotifier(os.Stderr)}
	)
	if withDashboard {
		server = dashboard.NewServer(dashboard.Config{
			Port:     cfg.Dashboard.Port,
			Gatherer: reg,
			Logger:   logger,
			Health: func() map[string]any {
				return map[string]any{
					"connected": e.Connected(),
					"pending":   len(e.Queue().Pending()),
				}
			},
		})
		handler = dashboard.NewHandler(server, logger)
		opts.Notifier = notify.Multi{opts.Notifier, handler}
	}

	a, err := startApp(ctx, cfg, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting sync: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	e = a.engine

	if withDashboard {
		for _, c := range e.Collections() {
			unregister := c.Reconciler.Register(handler)
			defer unregister()
		}
		e.Stats().OnUpdate(handler.OnStats)
		e.OnConnectivity(handler.OnConnectivity)
		handler.OnConnectivity(e.Connected())

		if err := server.Start(); err != nil {
			a.fail("Error: failed to start dashboard: %v", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
			}
		}()
	}

	if inboxDir != "" {
		in, err := inbox.New(inboxDir, e.Store(), inbox.Config{
			Notifier: opts.Notifier,
			Logger:   a.log,
			OnImport: func(path string, res *migrate.ImportResult, err error) {
				if err != nil {
					return
				}
				a.log.Info("inbox file imported", zap.String("path", path),
					zap.Int("imported", res.Imported), zap.Int("queued", res.Queued), zap.Int("skipped", res.Skipped))
			},
		})
		if err != nil {
			a.fail("Error: failed to open inbox: %v", err)
		}
		if err := in.Start(ctx); err != nil {
			a.fail("Error: failed to start inbox: %v", err)
		}
		defer func() { _ = in.Stop() }()
	}

	fmt.Printf("%s Sync running (%s backend)\n", ui.RenderAccent("🚀"), cfg.Store.Backend)
	if cfg.File != "" {
		fmt.Printf("   Config: %s\n", cfg.File)
	}
	if withDashboard {
		fmt.Printf("   Dashboard: http://localhost:%d\n", cfg.Dashboard.Port)
		fmt.Printf("   WebSocket endpoint: ws://localhost:%d/ws\n", cfg.Dashboard.Port)
		fmt.Printf("   Health check: http://localhost:%d/health\n", cfg.Dashboard.Port)
	}
	if inboxDir != "" {
		fmt.Printf("   Inbox: %s\n", inboxDir)
	}
	if cfg.Offline.JournalPath != "" {
		fmt.Printf("   Offline journal: %s\n", cfg.Offline.JournalPath)
	}
	fmt.Println("\nPress Ctrl+C to stop...")

	<-ctx.Done()
	fmt.Println("\nShutting down...")
}

func init() {
	runCmd.Flags().IntP("port", "p", 8080, "Dashboard port (overrides dashboard.port)")
	runCmd.Flags().Bool("no-dashboard", false, "Do not start the dashboard")
	runCmd.Flags().String("inbox", "", "Import folder (overrides clinic.inbox_dir)")
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dashboardCmd)
}
