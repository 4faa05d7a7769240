// Package engine wires the store, the offline queue and one Collection per
// record kind together.
//
// The engine:
// 1. Subscribes to every collection and feeds the events into its mirror
// 2. Applies all mirror updates on a single event loop, in delivery order
// 3. Removes malformed records from the store as they are found
// 4. Follows connectivity, queueing writes while offline
// 5. Resets the display numbers and recounts at midnight
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/mirror"
	"github.com/clinicavet/vetsync/internal/mutator"
	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/reconcile"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
	"github.com/clinicavet/vetsync/internal/stats"
)

// ErrCollectionUnavailable means a collection did not load within the wait
// window.
var ErrCollectionUnavailable = errors.New("collection unavailable")

// Config holds configuration for the engine.
type Config struct {
	// Kinds are the collections to sync. Empty means all of them.
	Kinds []schema.Kind

	// User is recorded on every edit made through the engine.
	User string

	// Location is the clinic's time zone; it decides when a day ends.
	Location *time.Location

	// WaitTimeout bounds WaitForCollection.
	WaitTimeout time.Duration

	// PollInterval is how often WaitForCollection checks.
	PollInterval time.Duration

	Reconcile reconcile.Config
	Coalescer reconcile.CoalescerConfig
	Offline   offline.Config

	Notifier   notify.Notifier
	Registerer prometheus.Registerer
	Logger     *zap.Logger
	Now        func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Kinds:        schema.Kinds(),
		Location:     time.Local,
		WaitTimeout:  12 * time.Second,
		PollInterval: 500 * time.Millisecond,
		Reconcile:    reconcile.DefaultConfig(),
		Coalescer:    reconcile.DefaultCoalescerConfig(),
		Offline:      offline.DefaultConfig(),
	}
}

// Collection is everything the engine keeps for one record kind.
type Collection struct {
	Kind       schema.Kind
	Mirror     *mirror.Mirror
	Reconciler *reconcile.Reconciler
	Mutator    *mutator.Mutator

	// needSnapshot is set until the next value event is applied as a full
	// snapshot. Only touched on the event loop.
	needSnapshot bool
}

// Engine runs the sync for all configured collections.
type Engine struct {
	store     remote.Store
	queue     *offline.Queue
	monitor   *offline.Monitor
	coalescer *reconcile.Coalescer
	stats     *stats.Collector
	cron      *cron.Cron
	config    Config
	log       *zap.Logger

	collections map[schema.Kind]*Collection
	kinds       []schema.Kind

	tasksMu sync.Mutex
	tasks   []func()
	wake    chan struct{}

	stops []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine over store. Writes go through an offline queue
// wrapping store.
func New(store remote.Store, config Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	def := DefaultConfig()
	if len(config.Kinds) == 0 {
		config.Kinds = def.Kinds
	}
	if config.Location == nil {
		config.Location = def.Location
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = def.WaitTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Coalescer.Tick <= 0 {
		config.Coalescer = def.Coalescer
	}
	if config.Notifier == nil {
		config.Notifier = notify.Discard{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	now := func() time.Time { return config.Now().In(config.Location) }
	log := config.Logger.Named("engine")

	oc := config.Offline
	oc.Notifier = config.Notifier
	oc.Logger = config.Logger
	if oc.Metrics == nil {
		oc.Metrics = offline.NewMetrics(config.Registerer)
	}
	queue, err := offline.New(store, oc)
	if err != nil {
		return nil, err
	}

	rc := config.Reconcile
	rc.Logger = config.Logger

	e := &Engine{
		store:       store,
		queue:       queue,
		monitor:     offline.NewMonitor(store, queue, config.Notifier, config.Logger),
		stats:       stats.New(config.Registerer, config.Logger, now),
		cron:        cron.New(cron.WithLocation(config.Location)),
		config:      config,
		log:         log,
		collections: make(map[schema.Kind]*Collection),
		wake:        make(chan struct{}, 1),
	}

	// Renders run on the event loop like everything else touching views.
	cc := config.Coalescer
	cc.Logger = config.Logger
	if cc.Dispatch == nil {
		cc.Dispatch = e.post
	}
	coalescer := reconcile.NewCoalescer(cc)
	e.coalescer = coalescer

	for _, kind := range config.Kinds {
		if _, dup := e.collections[kind]; dup {
			continue
		}
		m := mirror.New(kind, mirror.Config{Logger: config.Logger})
		r := reconcile.New(m, coalescer, rc)
		mut := mutator.New(queue, m, r, mutator.NewCounter(m), mutator.Config{
			User:     config.User,
			Notifier: config.Notifier,
			Logger:   config.Logger,
			Now:      now,
		})
		e.stats.Watch(m)
		e.collections[kind] = &Collection{Kind: kind, Mirror: m, Reconciler: r, Mutator: mut, needSnapshot: true}
		e.kinds = append(e.kinds, kind)
	}

	if _, err := e.cron.AddFunc("0 0 * * *", e.Rollover); err != nil {
		return nil, fmt.Errorf("failed to schedule rollover: %w", err)
	}
	return e, nil
}

// Start subscribes to the store and starts the background workers.
func (e *Engine) Start(ctx context.Context) error {
	e.log.Info("starting engine", zap.Int("collections", len(e.kinds)))
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.loop()
	e.coalescer.Start(e.ctx)
	e.queue.Start(e.ctx)
	e.stats.Start(e.ctx)

	e.monitor.OnChange(func(connected bool) {
		if connected {
			return
		}
		e.post(func() {
			for _, c := range e.collections {
				c.needSnapshot = true
			}
		})
	})
	if err := e.monitor.Start(e.ctx); err != nil {
		e.Stop()
		return err
	}

	for _, kind := range e.kinds {
		if err := e.subscribe(e.collections[kind]); err != nil {
			e.Stop()
			return err
		}
	}
	e.cron.Start()
	return nil
}

// Stop unsubscribes, flushes pending renders and waits for the workers.
// Queued writes stay in the offline journal.
func (e *Engine) Stop() {
	e.log.Info("stopping engine")
	for _, stop := range e.stops {
		stop()
	}
	e.stops = nil
	<-e.cron.Stop().Done()
	e.monitor.Stop()
	e.coalescer.Stop()
	if e.cancel != nil {
		// Let the loop run the renders the coalescer just flushed.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = e.Sync(ctx)
		cancel()
		e.cancel()
	}
	e.queue.Stop()
	for _, c := range e.collections {
		c.Mutator.Close()
	}
	e.wg.Wait()
	e.stats.Wait()
}

// Collection returns the collection of kind.
func (e *Engine) Collection(kind schema.Kind) (*Collection, bool) {
	c, ok := e.collections[kind]
	return c, ok
}

// Collections returns all collections in configuration order.
func (e *Engine) Collections() []*Collection {
	out := make([]*Collection, 0, len(e.kinds))
	for _, k := range e.kinds {
		out = append(out, e.collections[k])
	}
	return out
}

// Store returns the queued store writes should go through.
func (e *Engine) Store() remote.Store {
	return e.queue
}

// Queue returns the offline queue.
func (e *Engine) Queue() *offline.Queue {
	return e.queue
}

// Connected reports the store's connectivity.
func (e *Engine) Connected() bool {
	return e.monitor.Connected()
}

// OnConnectivity registers fn for connectivity changes.
func (e *Engine) OnConnectivity(fn func(connected bool)) {
	e.monitor.OnChange(fn)
}

// Stats returns the status counter collector.
func (e *Engine) Stats() *stats.Collector {
	return e.stats
}

// WaitForCollection polls until kind's mirror has loaded, for at most
// WaitTimeout. On timeout the condition is logged and
// ErrCollectionUnavailable returned; it does not keep waiting.
func (e *Engine) WaitForCollection(ctx context.Context, kind schema.Kind) error {
	c, ok := e.collections[kind]
	if !ok {
		return fmt.Errorf("%s: %w", kind.Collection(), ErrCollectionUnavailable)
	}
	if c.Mirror.Loaded() {
		return nil
	}

	deadline := time.NewTimer(e.config.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			e.log.Warn("collection did not load in time",
				zap.String("collection", kind.Collection()),
				zap.Duration("waited", e.config.WaitTimeout))
			return fmt.Errorf("%s after %s: %w", kind.Collection(), e.config.WaitTimeout, ErrCollectionUnavailable)
		case <-ticker.C:
			if c.Mirror.Loaded() {
				return nil
			}
		}
	}
}

// Rollover starts a new day: display numbers restart, day-filtered views
// move to the new day and counts are recomputed.
func (e *Engine) Rollover() {
	today := schema.DayOf(e.config.Now().In(e.config.Location))
	e.log.Info("day rollover", zap.String("day", today))
	e.post(func() {
		for _, kind := range e.kinds {
			c := e.collections[kind]
			c.Mutator.Counter().Reset()
			f := c.Reconciler.Filter()
			if f.Day != "" && f.Day != today {
				f.Day = today
				c.Reconciler.SetFilter(f)
			}
		}
	})
	e.stats.Rollover()
}

// Sync waits until every event posted so far has been applied.
func (e *Engine) Sync(ctx context.Context) error {
	done := make(chan struct{})
	e.post(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
