// Package loadtest measures how the engine keeps up with bursts of remote
// changes.
//
// A run seeds an in-memory store with a day's worth of records, starts an
// engine over it and lets several simulated front-desk clients write
// changes concurrently. Every write carries a unique marker in its reason
// field; the run watches the rendered views for those markers and reports
// the write-to-screen latency, how many writes were coalesced into a later
// render and how many renders the engine needed.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/clinicavet/vetsync/internal/engine"
	"github.com/clinicavet/vetsync/internal/reconcile"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
)

// Config describes one run.
type Config struct {
	// Records seeded before the engine starts.
	Records int
	// Writers is the number of concurrent simulated clients.
	Writers int
	// UpdatesPerWriter is how many changes each client makes.
	UpdatesPerWriter int
	// StatusEvery makes every n-th update also move the record to another
	// status, forcing a full render. Zero never does.
	StatusEvery int
	// Pause between a client's writes.
	Pause time.Duration
	// Settle bounds the wait for the last writes to reach the screen.
	Settle time.Duration

	Kind   schema.Kind
	Engine engine.Config
	Seed   int64
}

// DefaultConfig returns a small burst against the consultation queue.
func DefaultConfig() Config {
	return Config{
		Records:          200,
		Writers:          10,
		UpdatesPerWriter: 50,
		StatusEvery:      10,
		Settle:           5 * time.Second,
		Kind:             schema.KindConsultation,
		Engine:           engine.DefaultConfig(),
		Seed:             42,
	}
}

// LatencyStats captures write-to-render latency.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Count     int
	Durations []time.Duration
}

// Result summarizes a run.
type Result struct {
	Updates     int
	Errors      int
	Rendered    int
	Coalesced   int
	Unrendered  int
	FullRenders int64
	Patches     int64
	Elapsed     time.Duration
	Latency     *LatencyStats
}

// tracker matches rendered records against sent markers.
type tracker struct {
	mu      sync.Mutex
	sent    map[string]time.Time // marker -> write time
	last    map[string]string    // key -> latest marker
	latency []time.Duration
	seen    int
}

func newTracker() *tracker {
	return &tracker{
		sent: make(map[string]time.Time),
		last: make(map[string]string),
	}
}

func (t *tracker) wrote(key, marker string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[marker] = at
	t.last[key] = marker
}

func (t *tracker) observe(rec *schema.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.sent[rec.Reason]
	if !ok {
		return
	}
	delete(t.sent, rec.Reason)
	t.latency = append(t.latency, time.Since(at))
	t.seen++
	if t.last[rec.RemoteKey] == rec.Reason {
		delete(t.last, rec.RemoteKey)
	}
}

// settled reports whether every record's latest write has been rendered.
func (t *tracker) settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last) == 0
}

func (t *tracker) View() reconcile.View {
	return reconcile.ViewFuncs{
		Full: func(_ schema.Kind, records []*schema.Record) {
			for _, rec := range records {
				t.observe(rec)
			}
		},
		Patch: func(_ schema.Kind, rec *schema.Record) {
			t.observe(rec)
		},
	}
}

// Run executes one load test.
func Run(ctx context.Context, config Config) (*Result, error) {
	if config.Writers <= 0 || config.UpdatesPerWriter <= 0 || config.Records <= 0 {
		return nil, fmt.Errorf("records, writers and updates must be positive")
	}
	if config.Kind == "" {
		config.Kind = schema.KindConsultation
	}
	if config.Settle <= 0 {
		config.Settle = 5 * time.Second
	}

	store := remote.NewMemoryStore()
	keys, err := seed(ctx, store, config)
	if err != nil {
		return nil, err
	}

	ec := config.Engine
	ec.Kinds = []schema.Kind{config.Kind}
	e, err := engine.New(store, ec)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	defer e.Stop()

	if err := e.WaitForCollection(ctx, config.Kind); err != nil {
		return nil, err
	}
	c, _ := e.Collection(config.Kind)

	tr := newTracker()
	unregister := c.Reconciler.Register(tr.View())
	defer unregister()
	before := c.Reconciler.Stats()

	start := time.Now()
	result := &Result{}
	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
		errors  int
	)
	for w := 0; w < config.Writers; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(config.Seed + int64(writer)))
			for i := 0; i < config.UpdatesPerWriter; i++ {
				if ctx.Err() != nil {
					return
				}
				key := keys[rng.Intn(len(keys))]
				marker := fmt.Sprintf("w%d-%d", writer, i)
				fields := map[string]any{"motivo": marker}
				if config.StatusEvery > 0 && i%config.StatusEvery == config.StatusEvery-1 {
					fields[schema.FieldStatus] = schema.StatusRoom(1 + rng.Intn(schema.Rooms))
				}

				// Marker and write are paired under one lock so the latest
				// marker per key is also the store's final value.
				writeMu.Lock()
				tr.wrote(key, marker, time.Now())
				if err := store.Update(ctx, remote.JoinPath(config.Kind.Collection(), key), fields); err != nil {
					errors++
				}
				writeMu.Unlock()
				if config.Pause > 0 {
					time.Sleep(config.Pause)
				}
			}
		}(w)
	}
	wg.Wait()

	deadline := time.NewTimer(config.Settle)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
wait:
	for !tr.settled() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			break wait
		case <-ticker.C:
		}
	}

	after := c.Reconciler.Stats()
	tr.mu.Lock()
	defer tr.mu.Unlock()

	result.Updates = config.Writers * config.UpdatesPerWriter
	result.Errors = errors
	result.Rendered = tr.seen
	result.Unrendered = len(tr.last)
	result.Coalesced = result.Updates - result.Errors - result.Rendered - result.Unrendered
	result.FullRenders = after.FullRenders - before.FullRenders
	result.Patches = after.Patches - before.Patches
	result.Elapsed = time.Since(start)
	result.Latency = computeLatencyStats(tr.latency)
	return result, nil
}

func seed(ctx context.Context, store remote.Store, config Config) ([]string, error) {
	now := time.Now()
	pets := []string{"Luna", "Max", "Coco", "Toby", "Kira", "Rocky", "Nala", "Simba"}
	keys := make([]string, 0, config.Records)
	for i := 1; i <= config.Records; i++ {
		rec := &schema.Record{
			Kind:      config.Kind,
			DisplayID: i,
			PetName:   pets[i%len(pets)],
			OwnerName: fmt.Sprintf("Cliente %d", i),
		}
		rec.SetDefaults(now)
		key := fmt.Sprintf("r%05d", i)
		if err := store.Set(ctx, remote.JoinPath(config.Kind.Collection(), key), rec.Fields()); err != nil {
			return nil, fmt.Errorf("failed to seed record %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Count:     len(durations),
		Durations: sorted,
	}
}

// Print formats the result.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Updates:       %d (%d errors)\n", r.Updates, r.Errors)
	fmt.Fprintf(w, "Rendered:      %d\n", r.Rendered)
	fmt.Fprintf(w, "Coalesced:     %d\n", r.Coalesced)
	fmt.Fprintf(w, "Unrendered:    %d\n", r.Unrendered)
	fmt.Fprintf(w, "Full renders:  %d\n", r.FullRenders)
	fmt.Fprintf(w, "Node patches:  %d\n", r.Patches)
	fmt.Fprintf(w, "Elapsed:       %v\n", r.Elapsed)
	fmt.Fprintf(w, "Latency:\n")
	fmt.Fprintf(w, "  Min:          %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:          %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:          %v\n", r.Latency.Max)
}
