package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/config"
	"github.com/clinicavet/vetsync/internal/engine"
	"github.com/clinicavet/vetsync/internal/logging"
	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/remote/redisstore"
	"github.com/clinicavet/vetsync/internal/remote/rtdb"
	"github.com/clinicavet/vetsync/internal/schema"
	"github.com/clinicavet/vetsync/internal/ui"
)

func loadConfig() (*config.Config, error) {
	return config.Load(config.New(configFile))
}

func mustLoadConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore connects the configured backend. The returned func releases it.
func openStore(cfg *config.Config, logger *zap.Logger) (remote.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendFirebase:
		client, err := rtdb.New(cfg.Firebase(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firebase client: %w", err)
		}
		return client, client.Close, nil
	case config.BackendRedis:
		store := redisstore.New(cfg.Redis(logger))
		return store, func() { _ = store.Close() }, nil
	default:
		return remote.NewMemoryStore(), func() {}, nil
	}
}

type appOptions struct {
	// Kinds limits the synced collections; empty means all.
	Kinds      []schema.Kind
	Notifier   notify.Notifier
	Registerer prometheus.Registerer
	// Logger, if set, is used instead of one built from the log settings.
	Logger *zap.Logger
}

// app is a running engine with everything it was built from.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	engine *engine.Engine

	closers []func()
}

func startApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Log); err != nil {
			return nil, err
		}
	}
	a := &app{cfg: cfg, log: logger}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	ec := cfg.Engine(logger)
	if len(opts.Kinds) > 0 {
		ec.Kinds = opts.Kinds
	}
	notifiers := notify.Multi{notify.NewLog(logger)}
	if opts.Notifier != nil {
		notifiers = append(notifiers, opts.Notifier)
	}
	ec.Notifier = notifiers
	ec.Registerer = opts.Registerer

	if cfg.Offline.JournalPath != "" {
		journal, err := offline.OpenSQLiteJournal(cfg.Offline.JournalPath)
		if err != nil {
			a.close()
			return nil, err
		}
		ec.Offline.Journal = journal
		a.closers = append(a.closers, func() {
			if err := journal.Close(); err != nil {
				logger.Warn("failed to close offline journal", zap.Error(err))
			}
		})
	}

	e, err := engine.New(store, ec)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	a.engine = e
	return a, nil
}

func mustStartApp(ctx context.Context, opts appOptions) *app {
	if opts.Notifier == nil {
		opts.Notifier = newTerminalNotifier(os.Stderr)
	}
	a, err := startApp(ctx, mustLoadConfig(), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting sync: %v\n", err)
		os.Exit(1)
	}
	return a
}

// Close stops the engine, then releases the journal and the store.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.log.Sync()
}

// fail prints the error, shuts the app down and exits.
func (a *app) fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	a.Close()
	os.Exit(1)
}

// collection waits for kind to load and returns it, exiting on failure.
func (a *app) collection(ctx context.Context, kind schema.Kind) *engine.Collection {
	if err := a.engine.WaitForCollection(ctx, kind); err != nil {
		a.fail("Error: %s could not be loaded: %v", kind.Collection(), err)
	}
	c, _ := a.engine.Collection(kind)
	return c
}

func flagString(cmd *cobra.Command, name string) string {
	s, _ := cmd.Flags().GetString(name)
	return s
}

// settle waits for queued writes to reach the store before a one-shot
// command exits, and reports what is still waiting.
func (a *app) settle(ctx context.Context, timeout time.Duration) {
	q := a.engine.Queue()
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for len(q.Pending()) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			n := len(q.Pending())
			if a.cfg.Offline.JournalPath != "" {
				fmt.Printf("%s %d change(s) queued; they will be sent on the next run\n", ui.RenderWarn("⚠"), n)
			} else {
				fmt.Printf("%s %d change(s) could not be sent and there is no offline journal\n", ui.RenderFail("✗"), n)
			}
			return
		case <-ticker.C:
		}
	}
}

// terminalNotifier prints notifications for one-shot commands.
type terminalNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func newTerminalNotifier(w io.Writer) *terminalNotifier {
	return &terminalNotifier{w: w}
}

func (t *terminalNotifier) Notify(n notify.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch n.Level {
	case notify.LevelError:
		fmt.Fprintf(t.w, "%s %s\n", ui.RenderFail("✗"), n.Message)
	case notify.LevelWarning:
		fmt.Fprintf(t.w, "%s %s\n", ui.RenderWarn("⚠"), n.Message)
	case notify.LevelTransient:
		fmt.Fprintf(t.w, "%s %s\n", ui.RenderMuted("…"), n.Message)
	default:
		fmt.Fprintf(t.w, "%s %s\n", ui.RenderAccent("ℹ"), n.Message)
	}
}

func (t *terminalNotifier) Dismiss(string) {}

func mustKind(s string) schema.Kind {
	kind, err := schema.ParseKind(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return kind
}

var dayParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDay turns "2026-10-18", "hoy", "ayer", "yesterday" or
// "next friday" into a logical day relative to now.
func parseDay(text string, now time.Time) (string, error) {
	text = strings.TrimSpace(strings.ToLower(text))
	switch text {
	case "", "hoy", "today":
		return schema.DayOf(now), nil
	case "ayer":
		return schema.DayOf(now.AddDate(0, 0, -1)), nil
	case "mañana", "manana":
		return schema.DayOf(now.AddDate(0, 0, 1)), nil
	}
	if t, err := time.ParseInLocation(schema.DayLayout, text, now.Location()); err == nil {
		return schema.DayOf(t), nil
	}
	r, err := dayParser.Parse(text, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse day %q: %w", text, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognized day %q", text)
	}
	return schema.DayOf(r.Time), nil
}

// parseTime is parseDay keeping the time of day, for surgery schedules.
func parseTime(text string, now time.Time) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(text), now.Location()); err == nil {
		return t, nil
	}
	r, err := dayParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", text)
	}
	return r.Time, nil
}
