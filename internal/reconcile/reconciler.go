package reconcile

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/mirror"
	"github.com/clinicavet/vetsync/internal/schema"
)

// View is a consumer of rendered records, typically one open screen.
type View interface {
	// FullRender replaces the whole list with records.
	FullRender(kind schema.Kind, records []*schema.Record)
	// PatchNode updates the node of one record in place.
	PatchNode(kind schema.Kind, rec *schema.Record)
}

// ViewFuncs adapts plain functions to View. Nil functions are skipped.
type ViewFuncs struct {
	Full  func(kind schema.Kind, records []*schema.Record)
	Patch func(kind schema.Kind, rec *schema.Record)
}

func (v ViewFuncs) FullRender(kind schema.Kind, records []*schema.Record) {
	if v.Full != nil {
		v.Full(kind, records)
	}
}

func (v ViewFuncs) PatchNode(kind schema.Kind, rec *schema.Record) {
	if v.Patch != nil {
		v.Patch(kind, rec)
	}
}

// Config holds Reconciler settings.
type Config struct {
	// AddedWindow coalesces refreshes caused by additions and snapshots.
	AddedWindow time.Duration
	// ChangedWindow coalesces refreshes caused by changes and removals.
	ChangedWindow time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the default coalescing windows.
func DefaultConfig() Config {
	return Config{
		AddedWindow:   50 * time.Millisecond,
		ChangedWindow: 250 * time.Millisecond,
		Logger:        zap.NewNop(),
	}
}

// RenderStats counts refreshes delivered to views.
type RenderStats struct {
	FullRenders int64
	Patches     int64
}

// Reconciler keeps the registered views of one mirror up to date.
type Reconciler struct {
	mirror    *mirror.Mirror
	coalescer *Coalescer
	config    Config
	log       *zap.Logger

	mu     sync.RWMutex
	filter Filter
	views  map[int]View
	nextID int

	// renderMu is held from reading the mirror until every view has the
	// result, so the last render out always carries the latest state.
	renderMu sync.Mutex

	fullRenders atomic.Int64
	patches     atomic.Int64
}

// New creates a Reconciler and subscribes it to m.
func New(m *mirror.Mirror, c *Coalescer, config Config) *Reconciler {
	def := DefaultConfig()
	if config.AddedWindow <= 0 {
		config.AddedWindow = def.AddedWindow
	}
	if config.ChangedWindow <= 0 {
		config.ChangedWindow = def.ChangedWindow
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	r := &Reconciler{
		mirror:    m,
		coalescer: c,
		config:    config,
		log:       config.Logger.Named("reconcile").With(zap.String("collection", m.Kind().Collection())),
		views:     make(map[int]View),
	}
	m.Observe(r.onChange)
	return r
}

// Register adds a view and renders the current state into it. The returned
// function unregisters it.
func (r *Reconciler) Register(v View) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.views[id] = v
	filter := r.filter
	r.mu.Unlock()

	if r.mirror.Loaded() {
		r.renderMu.Lock()
		v.FullRender(r.mirror.Kind(), r.mirror.CurrentView(filter.Matches))
		r.renderMu.Unlock()
	}
	return func() {
		r.mu.Lock()
		delete(r.views, id)
		r.mu.Unlock()
	}
}

// Filter returns the active filter.
func (r *Reconciler) Filter() Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter
}

// SetFilter changes the active filter and re-renders.
func (r *Reconciler) SetFilter(f Filter) {
	r.mu.Lock()
	r.filter = f
	r.mu.Unlock()
	r.Refresh()
}

// View returns the records the active filter currently selects.
func (r *Reconciler) View() []*schema.Record {
	return r.mirror.CurrentView(r.Filter().Matches)
}

// Refresh re-derives the filtered view from the mirror and renders it now,
// dropping any pending full render.
func (r *Reconciler) Refresh() {
	r.coalescer.Cancel(r.fullTarget())
	r.renderFull()
}

// PatchNow patches the record into every view immediately, using the
// mirror's value when it has one.
func (r *Reconciler) PatchNow(rec *schema.Record) {
	r.renderPatch(rec.RemoteKey, rec)
}

// Stats returns render counters.
func (r *Reconciler) Stats() RenderStats {
	return RenderStats{FullRenders: r.fullRenders.Load(), Patches: r.patches.Load()}
}

func (r *Reconciler) fullTarget() string {
	return r.mirror.Kind().Collection() + ":full"
}

func (r *Reconciler) nodeTarget(key string) string {
	return r.mirror.Kind().Collection() + ":node:" + key
}

func (r *Reconciler) onChange(c mirror.Change) {
	filter := r.Filter()

	switch c.Kind {
	case mirror.ChangeSnapshot:
		r.scheduleFull(r.config.AddedWindow)

	case mirror.ChangeAdded:
		if filter.Matches(c.New) {
			r.scheduleFull(r.config.AddedWindow)
		}

	case mirror.ChangeChanged:
		switch Decide(c.Old, c.New, filter) {
		case DecisionFull:
			r.scheduleFull(r.config.ChangedWindow)
		case DecisionPatch:
			key := c.Key
			r.coalescer.Schedule(r.nodeTarget(key), r.config.ChangedWindow, func() {
				r.renderPatch(key, nil)
			})
		}

	case mirror.ChangeRemoved:
		r.coalescer.Cancel(r.nodeTarget(c.Key))
		if filter.Matches(c.Old) {
			r.scheduleFull(r.config.ChangedWindow)
		}

	case mirror.ChangePatched:
		// Optimistic edits are rendered synchronously by their author.
	}
}

func (r *Reconciler) scheduleFull(window time.Duration) {
	r.coalescer.Schedule(r.fullTarget(), window, r.renderFull)
}

func (r *Reconciler) snapshotViews() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]View, 0, len(r.views))
	for i := 1; i <= r.nextID; i++ {
		if v, ok := r.views[i]; ok {
			views = append(views, v)
		}
	}
	return views
}

func (r *Reconciler) renderFull() {
	r.renderMu.Lock()
	defer r.renderMu.Unlock()
	r.sendFull()
}

// sendFull reads the view and renders it. Caller holds renderMu.
func (r *Reconciler) sendFull() {
	records := r.View()
	r.fullRenders.Add(1)
	r.log.Debug("full render", zap.Int("records", len(records)))
	for _, v := range r.snapshotViews() {
		v.FullRender(r.mirror.Kind(), records)
	}
}

// renderPatch patches the mirror's current value of key. fallback is used
// when the mirror does not hold key; with no fallback the whole view is
// rendered instead.
func (r *Reconciler) renderPatch(key string, fallback *schema.Record) {
	r.renderMu.Lock()
	defer r.renderMu.Unlock()

	rec, ok := r.mirror.Get(key)
	if !ok {
		if fallback == nil {
			r.sendFull()
			return
		}
		rec = fallback
	}
	r.patches.Add(1)
	for _, v := range r.snapshotViews() {
		v.PatchNode(r.mirror.Kind(), rec.Clone())
	}
}
