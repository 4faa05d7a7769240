// Package stats keeps per-status record counts for each collection. Counts
// are recomputed in the background after mirror changes; the mirror never
// waits for them.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/mirror"
	"github.com/clinicavet/vetsync/internal/schema"
)

// Counts summarizes one collection.
type Counts struct {
	Kind  schema.Kind `json:"kind"`
	Day   string      `json:"day"`
	Total int         `json:"total"`
	// Today counts the records of Day.
	Today int `json:"today"`
	// ByStatus counts today's records per status.
	ByStatus map[string]int `json:"byStatus"`
	// Open counts today's records not in a closed status.
	Open int `json:"open"`
}

// Collector recomputes Counts for the mirrors it watches.
type Collector struct {
	log     *zap.Logger
	now     func() time.Time
	records *prometheus.GaugeVec
	open    *prometheus.GaugeVec

	mu        sync.Mutex
	mirrors   map[schema.Kind]*mirror.Mirror
	dirty     map[schema.Kind]bool
	counts    map[schema.Kind]Counts
	listeners []func([]Counts)

	wake chan struct{}
	wg   sync.WaitGroup
}

// New returns a Collector registering its gauges with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer, logger *zap.Logger, now func() time.Time) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	factory := promauto.With(reg)
	return &Collector{
		log: logger.Named("stats"),
		now: now,
		records: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vetsync",
			Name:      "records_today",
			Help:      "Records of the current day by collection and status.",
		}, []string{"collection", "status"}),
		open: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vetsync",
			Name:      "records_open",
			Help:      "Records of the current day still being attended.",
		}, []string{"collection"}),
		mirrors: make(map[schema.Kind]*mirror.Mirror),
		dirty:   make(map[schema.Kind]bool),
		counts:  make(map[schema.Kind]Counts),
		wake:    make(chan struct{}, 1),
	}
}

// Watch recomputes m's counts after each of its changes.
func (c *Collector) Watch(m *mirror.Mirror) {
	kind := m.Kind()
	c.mu.Lock()
	c.mirrors[kind] = m
	c.dirty[kind] = true
	c.mu.Unlock()

	m.Observe(func(mirror.Change) {
		c.mu.Lock()
		c.dirty[kind] = true
		c.mu.Unlock()
		select {
		case c.wake <- struct{}{}:
		default:
		}
	})
}

// OnUpdate registers fn to receive every recomputed set of counts.
func (c *Collector) OnUpdate(fn func([]Counts)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start recomputes in the background until ctx ends.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				c.Recompute()
			}
		}
	}()
}

// Wait blocks until the background goroutine exits.
func (c *Collector) Wait() {
	c.wg.Wait()
}

// Recompute refreshes the counts of every changed mirror now.
func (c *Collector) Recompute() {
	c.mu.Lock()
	var todo []*mirror.Mirror
	for kind, dirty := range c.dirty {
		if dirty {
			todo = append(todo, c.mirrors[kind])
			c.dirty[kind] = false
		}
	}
	c.mu.Unlock()
	if len(todo) == 0 {
		return
	}

	day := schema.DayOf(c.now())
	for _, m := range todo {
		counts := count(m, day)
		c.publish(counts)
		c.mu.Lock()
		c.counts[m.Kind()] = counts
		c.mu.Unlock()
	}

	all := c.Snapshot()
	c.mu.Lock()
	listeners := append(([]func([]Counts))(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(all)
	}
}

// Rollover marks every collection for recount, used when the day changes.
func (c *Collector) Rollover() {
	c.mu.Lock()
	for kind := range c.mirrors {
		c.dirty[kind] = true
	}
	c.mu.Unlock()
	c.records.Reset()
	c.Recompute()
}

// Snapshot returns the latest counts ordered by collection.
func (c *Collector) Snapshot() []Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Counts, 0, len(c.counts))
	for _, v := range c.counts {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Get returns the latest counts of kind.
func (c *Collector) Get(kind schema.Kind) (Counts, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.counts[kind]
	return v, ok
}

func count(m *mirror.Mirror, day string) Counts {
	counts := Counts{Kind: m.Kind(), Day: day, ByStatus: make(map[string]int)}
	for _, rec := range m.CurrentView(nil) {
		counts.Total++
		if rec.Day != day {
			continue
		}
		counts.Today++
		counts.ByStatus[rec.Status]++
		if !schema.IsClosedStatus(m.Kind(), rec.Status) {
			counts.Open++
		}
	}
	return counts
}

func (c *Collector) publish(counts Counts) {
	collection := counts.Kind.Collection()
	for _, status := range schema.Statuses(counts.Kind) {
		c.records.WithLabelValues(collection, status).Set(float64(counts.ByStatus[status]))
	}
	c.open.WithLabelValues(collection).Set(float64(counts.Open))
	c.log.Debug("counts updated", zap.String("collection", collection), zap.Int("today", counts.Today), zap.Int("open", counts.Open))
}
