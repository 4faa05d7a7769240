// Package inbox imports JSONL files dropped into a folder.
//
// The inbox:
// 1. Imports every *.jsonl file already present when it starts
// 2. Watches the folder for new or rewritten files
// 3. Waits until a file has been quiet for the debounce interval
// 4. Imports it into the collection named by its file name prefix
// 5. Moves it to done/ or failed/
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/migrate"
	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
)

// Subdirectories that receive handled files.
const (
	DoneDir   = "done"
	FailedDir = "failed"
)

// Config holds configuration for the inbox.
type Config struct {
	// DebounceInterval is how long a file must stay unchanged before it is
	// imported. Editors and copies write in several steps.
	DebounceInterval time.Duration

	// DefaultKind is used when the file name does not name a collection.
	DefaultKind schema.Kind

	// OnImport is called after each file is handled.
	OnImport func(path string, result *migrate.ImportResult, err error)

	Notifier notify.Notifier
	Logger   *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 250 * time.Millisecond,
		DefaultKind:      schema.KindConsultation,
		Notifier:         notify.Discard{},
		Logger:           zap.NewNop(),
	}
}

// Inbox watches one folder.
type Inbox struct {
	dir    string
	store  remote.Store
	config Config
	log    *zap.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an inbox over dir writing to store. Use Start to begin.
func New(dir string, store remote.Store, config Config) (*Inbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox dir cannot be empty")
	}
	def := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.DefaultKind == "" {
		config.DefaultKind = def.DefaultKind
	}
	if config.Notifier == nil {
		config.Notifier = def.Notifier
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	for _, sub := range []string{"", DoneDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Inbox{
		dir:         dir,
		store:       store,
		config:      config,
		log:         config.Logger.Named("inbox").With(zap.String("dir", dir)),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start queues the files already present and begins watching.
func (in *Inbox) Start(ctx context.Context) error {
	in.ctx, in.cancel = context.WithCancel(ctx)

	if err := in.watcher.Add(in.dir); err != nil {
		in.cancel()
		return fmt.Errorf("failed to watch inbox directory: %w", err)
	}

	existing, err := filepath.Glob(filepath.Join(in.dir, "*.jsonl"))
	if err != nil {
		in.cancel()
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	for _, path := range existing {
		in.queueChange(path)
	}

	in.log.Info("watching inbox", zap.Int("pending", len(existing)))
	in.wg.Add(2)
	go in.watchFileEvents()
	go in.processChangeQueue()
	return nil
}

// Stop ends watching and waits for an import in progress.
func (in *Inbox) Stop() error {
	if in.cancel != nil {
		in.cancel()
	}
	err := in.watcher.Close()
	in.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (in *Inbox) watchFileEvents() {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}
			in.log.Debug("file event", zap.String("op", event.Op.String()), zap.String("path", event.Name))
			in.queueChange(event.Name)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (in *Inbox) queueChange(path string) {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()
	in.changeQueue[path] = time.Now()
}

func (in *Inbox) processChangeQueue() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			for _, path := range in.ready() {
				in.importFile(path)
			}
		}
	}
}

// ready removes and returns the queued paths that have been quiet long
// enough, oldest name first.
func (in *Inbox) ready() []string {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()

	now := time.Now()
	var out []string
	for path, queuedAt := range in.changeQueue {
		if now.Sub(queuedAt) < in.config.DebounceInterval {
			continue
		}
		out = append(out, path)
		delete(in.changeQueue, path)
	}
	sort.Strings(out)
	return out
}

func (in *Inbox) importFile(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	kind := KindOf(path, in.config.DefaultKind)
	log := in.log.With(zap.String("file", filepath.Base(path)), zap.String("collection", kind.Collection()))

	result, err := migrate.Import(in.ctx, in.store, migrate.ImportOptions{Path: path, Kind: kind})
	dest := DoneDir
	switch {
	case err != nil:
		dest = FailedDir
		log.Error("import failed", zap.Error(err))
		notify.Error(in.config.Notifier, fmt.Sprintf("No se pudo importar %s", filepath.Base(path)))
	case len(result.Errors) > 0:
		log.Warn("import finished with errors",
			zap.Int("imported", result.Imported),
			zap.Int("queued", result.Queued),
			zap.Strings("errors", result.Errors))
		notify.Warn(in.config.Notifier, fmt.Sprintf("%s: %d registros omitidos", filepath.Base(path), len(result.Errors)))
	default:
		log.Info("imported", zap.Int("imported", result.Imported), zap.Int("queued", result.Queued))
		notify.Info(in.config.Notifier, fmt.Sprintf("%s importado (%d registros)", filepath.Base(path), result.Imported+result.Queued))
	}

	target := filepath.Join(in.dir, dest, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		log.Error("failed to move handled file", zap.String("target", target), zap.Error(err))
	}

	if in.config.OnImport != nil {
		in.config.OnImport(path, result, err)
	}
}

// KindOf picks the collection from the file name prefix before the first
// '-', '_' or '.', e.g. "laboTickets-2026-10-18.jsonl". Unknown prefixes
// fall back to def.
func KindOf(path string, def schema.Kind) schema.Kind {
	name := filepath.Base(path)
	if i := strings.IndexAny(name, "-_."); i >= 0 {
		name = name[:i]
	}
	kind, err := schema.ParseKind(name)
	if err != nil {
		return def
	}
	return kind
}
