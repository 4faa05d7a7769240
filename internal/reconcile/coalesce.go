package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CoalescerConfig holds Coalescer settings.
type CoalescerConfig struct {
	// Tick is how often pending work is checked.
	Tick time.Duration
	// MaxDelayFactor bounds how long a target that keeps being rescheduled
	// can wait, as a multiple of its window.
	MaxDelayFactor int
	// Dispatch runs fired work. Defaults to calling it directly on the
	// coalescer goroutine.
	Dispatch func(func())

	Logger *zap.Logger
}

// DefaultCoalescerConfig returns sensible defaults.
func DefaultCoalescerConfig() CoalescerConfig {
	return CoalescerConfig{
		Tick:           10 * time.Millisecond,
		MaxDelayFactor: 4,
		Logger:         zap.NewNop(),
	}
}

type pendingWork struct {
	firstQueued time.Time
	lastQueued  time.Time
	window      time.Duration
	fn          func()
}

// Coalescer delays work per target and runs only the latest work once the
// target has been quiet for its window.
type Coalescer struct {
	config CoalescerConfig
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingWork

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoalescer creates a stopped Coalescer.
func NewCoalescer(config CoalescerConfig) *Coalescer {
	def := DefaultCoalescerConfig()
	if config.Tick <= 0 {
		config.Tick = def.Tick
	}
	if config.MaxDelayFactor <= 0 {
		config.MaxDelayFactor = def.MaxDelayFactor
	}
	if config.Dispatch == nil {
		config.Dispatch = func(fn func()) { fn() }
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Coalescer{
		config:  config,
		log:     config.Logger.Named("coalesce"),
		now:     time.Now,
		pending: make(map[string]*pendingWork),
	}
}

// Start launches the background loop.
func (c *Coalescer) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop()
}

// Stop ends the loop and runs whatever is still pending.
func (c *Coalescer) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
	c.Flush()
}

// Schedule queues fn for target, replacing any earlier work for it. The
// quiet period restarts. If the target is already pending with a shorter
// window, the shorter window is kept.
func (c *Coalescer) Schedule(target string, window time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if p, ok := c.pending[target]; ok {
		p.lastQueued = now
		p.fn = fn
		if window < p.window {
			p.window = window
		}
		return
	}
	c.pending[target] = &pendingWork{firstQueued: now, lastQueued: now, window: window, fn: fn}
}

// Cancel drops pending work for target.
func (c *Coalescer) Cancel(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, target)
}

// Pending returns the number of queued targets.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush runs all pending work now.
func (c *Coalescer) Flush() {
	c.fire(c.take(true))
}

func (c *Coalescer) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.processPending()
		}
	}
}

// processPending runs work whose target has been quiet long enough, or that
// has waited its maximum delay.
func (c *Coalescer) processPending() {
	fns := c.take(false)
	if len(fns) > 0 {
		c.log.Debug("firing coalesced work", zap.Int("targets", len(fns)))
	}
	c.fire(fns)
}

func (c *Coalescer) take(all bool) []func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var targets []string
	for target, p := range c.pending {
		quiet := now.Sub(p.lastQueued) >= p.window
		overdue := now.Sub(p.firstQueued) >= p.window*time.Duration(c.config.MaxDelayFactor)
		if all || quiet || overdue {
			targets = append(targets, target)
		}
	}
	sort.Strings(targets)

	fns := make([]func(), 0, len(targets))
	for _, target := range targets {
		fns = append(fns, c.pending[target].fn)
		delete(c.pending, target)
	}
	return fns
}

func (c *Coalescer) fire(fns []func()) {
	for _, fn := range fns {
		c.config.Dispatch(fn)
	}
}
