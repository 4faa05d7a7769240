// Package offline keeps writes that could not reach the remote store and
// replays them once the connection is back.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/remote"
)

// ErrQueued means the write was accepted while offline and will be
// replayed later. It is not a failure.
var ErrQueued = errors.New("write queued until the connection is back")

// State is the connection state the queue is in.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// LostChangesMessage is shown when queued writes are abandoned.
const LostChangesMessage = "Algunos cambios no se pudieron guardar y podrían haberse perdido. Revise los tickets afectados."

// Config holds queue settings.
type Config struct {
	// MaxAttempts is the replay attempt ceiling per op.
	MaxAttempts int
	// BaseDelay is multiplied by 2^attempt between replay attempts.
	BaseDelay time.Duration
	// MaxStallDelay caps the wait between tries while the store cannot be
	// reached although the connection signal is up.
	MaxStallDelay time.Duration
	// DrainRate limits replayed writes per second. Zero means unlimited.
	DrainRate rate.Limit
	DrainBurst int

	Journal  Journal
	Notifier notify.Notifier
	Metrics  *Metrics
	Logger   *zap.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns default queue settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     500 * time.Millisecond,
		MaxStallDelay: 30 * time.Second,
		DrainRate:     20,
		DrainBurst:    20,
	}
}

// Queue is a remote.Store that queues writes while the connection is down.
// Reads and subscriptions go straight to the wrapped store.
type Queue struct {
	store   remote.Store
	cfg     Config
	log     *zap.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	ops       []Op
	state     State
	lastStamp time.Time

	// drainMu serializes replay so ops leave in enqueue order.
	drainMu sync.Mutex
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ remote.Store = (*Queue)(nil)

// New wraps store and loads any ops left in the journal. The queue starts
// Disconnected until SetConnected(true).
func New(store remote.Store, cfg Config) (*Queue, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxStallDelay <= 0 {
		cfg.MaxStallDelay = def.MaxStallDelay
	}
	if cfg.Journal == nil {
		cfg.Journal = NewMemoryJournal()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	q := &Queue{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.Named("offline"),
		wake:  make(chan struct{}, 1),
	}
	if cfg.DrainRate > 0 {
		burst := cfg.DrainBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(cfg.DrainRate, burst)
	}

	ops, err := cfg.Journal.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load offline journal: %w", err)
	}
	q.ops = ops
	if n := len(ops); n > 0 {
		q.lastStamp = ops[n-1].EnqueuedAt
		q.log.Info("restored queued writes", zap.Int("count", n))
	}
	cfg.Metrics.Pending.Set(float64(len(ops)))
	return q, nil
}

// Start runs the background drainer until ctx is cancelled or Stop.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.loop()
}

// Stop halts the drainer and waits for an in-flight replay to finish.
// Ops still queued remain in the journal.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			q.Drain(q.ctx)
		}
	}
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// SetConnected moves the queue between states. Reconnecting starts a drain.
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	prev := q.state
	if connected {
		q.state = Connected
	} else {
		q.state = Disconnected
	}
	next := q.state
	pending := len(q.ops)
	q.mu.Unlock()

	if prev == next {
		return
	}
	if connected {
		q.cfg.Metrics.Online.Set(1)
	} else {
		q.cfg.Metrics.Online.Set(0)
	}
	q.log.Info("connection state changed", zap.Stringer("state", next), zap.Int("pending", pending))
	if connected && pending > 0 {
		q.kick()
	}
}

// State returns the current connection state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Pending returns a copy of the queued ops in replay order.
func (q *Queue) Pending() []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Op(nil), q.ops...)
}

// Clear drops every queued op without replaying it.
func (q *Queue) Clear() error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	q.mu.Lock()
	q.ops = nil
	q.mu.Unlock()
	q.cfg.Metrics.Pending.Set(0)
	if err := q.cfg.Journal.Clear(); err != nil {
		return fmt.Errorf("failed to clear offline journal: %w", err)
	}
	return nil
}

// Subscribe implements remote.Store.
func (q *Queue) Subscribe(ctx context.Context, path string, kind remote.EventKind, h remote.Handler) (func(), error) {
	return q.store.Subscribe(ctx, path, kind, h)
}

// Get implements remote.Store.
func (q *Queue) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return q.store.Get(ctx, path)
}

// Push implements remote.Store. A queued push returns an empty key and
// ErrQueued; the record shows up through the subscription once replayed.
func (q *Queue) Push(ctx context.Context, path string, value any) (string, error) {
	var key string
	err := q.write(OpPush, path, value, func() error {
		var err error
		key, err = q.store.Push(ctx, path, value)
		return err
	})
	return key, err
}

// Update implements remote.Store.
func (q *Queue) Update(ctx context.Context, path string, fields map[string]any) error {
	return q.write(OpUpdate, path, fields, func() error {
		return q.store.Update(ctx, path, fields)
	})
}

// Append writes fields like Update, but if the write has to be queued its
// billing note is merged into the stored note when replayed, so entries
// other clients appended meanwhile are kept.
func (q *Queue) Append(ctx context.Context, path string, fields map[string]any) error {
	return q.write(OpAppend, path, fields, func() error {
		return q.store.Update(ctx, path, fields)
	})
}

// Set implements remote.Store.
func (q *Queue) Set(ctx context.Context, path string, value any) error {
	return q.write(OpSet, path, value, func() error {
		return q.store.Set(ctx, path, value)
	})
}

// Remove implements remote.Store.
func (q *Queue) Remove(ctx context.Context, path string) error {
	return q.write(OpRemove, path, nil, func() error {
		return q.store.Remove(ctx, path)
	})
}

// Transaction implements remote.Store. Transactions cannot be replayed, so
// while offline or behind a backlog they fail with remote.ErrDisconnected
// and the caller falls back to a plain write.
func (q *Queue) Transaction(ctx context.Context, path string, fn remote.TransactionFunc) (bool, error) {
	q.mu.Lock()
	blocked := q.state == Disconnected || len(q.ops) > 0
	q.mu.Unlock()
	if blocked {
		return false, remote.ErrDisconnected
	}
	return q.store.Transaction(ctx, path, fn)
}

// write sends a write directly when connected with an empty backlog, and
// queues it otherwise. A direct write that fails for lack of connection is
// queued as well.
func (q *Queue) write(kind OpKind, path string, value any, direct func() error) error {
	q.mu.Lock()
	ok := q.state == Connected && len(q.ops) == 0
	q.mu.Unlock()

	if ok {
		err := direct()
		if err == nil || !errors.Is(err, remote.ErrDisconnected) {
			return err
		}
		q.log.Debug("direct write failed, queueing", zap.String("path", path), zap.Error(err))
	}

	if err := q.enqueue(kind, path, value); err != nil {
		return err
	}
	if q.State() == Connected {
		q.kick()
	}
	return ErrQueued
}

func (q *Queue) enqueue(kind OpKind, path string, value any) error {
	q.mu.Lock()
	at := q.cfg.Now()
	if !at.After(q.lastStamp) {
		at = q.lastStamp.Add(time.Nanosecond)
	}
	q.lastStamp = at
	op, err := newOp(kind, path, value, at)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.ops = append(q.ops, op)
	n := len(q.ops)
	q.mu.Unlock()

	if err := q.cfg.Journal.Append(op); err != nil {
		q.log.Error("failed to journal queued write", zap.String("id", op.ID), zap.Error(err))
	}
	q.cfg.Metrics.Enqueued.Inc()
	q.cfg.Metrics.Pending.Set(float64(n))
	q.log.Info("write queued", zap.String("op", string(kind)), zap.String("path", path), zap.Int("pending", n))
	return nil
}

// Drain replays queued ops in enqueue order until the queue is empty, the
// connection drops or ctx ends. Each op is retried with exponential backoff
// and dropped after MaxAttempts; dropped ops produce a single warning per
// drain. A replay that fails with remote.ErrDisconnected is not an attempt:
// the op is held and tried again until the store answers or the
// connection signal drops.
func (q *Queue) Drain(ctx context.Context) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var dropped []Op
	defer func() {
		if len(dropped) > 0 {
			notify.Warn(q.cfg.Notifier, LostChangesMessage)
		}
	}()

	stalls := 0
	for {
		op, ok := q.head()
		if !ok {
			return
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}

		err := op.apply(ctx, q.store)
		if err == nil {
			stalls = 0
			q.remove(op.ID)
			q.cfg.Metrics.Replayed.Inc()
			q.log.Debug("replayed queued write", zap.String("id", op.ID))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, remote.ErrDisconnected) {
			stalls++
			delay := q.stallDelay(stalls)
			q.log.Info("store unreachable, holding queued writes",
				zap.String("path", op.Path),
				zap.Int("pending", len(q.Pending())),
				zap.Duration("delay", delay),
				zap.Error(err))
			if err := q.cfg.Sleep(ctx, delay); err != nil {
				return
			}
			continue
		}

		op.Attempts++
		op.LastError = err.Error()
		q.cfg.Metrics.Retried.Inc()
		if op.Attempts >= q.cfg.MaxAttempts {
			q.remove(op.ID)
			dropped = append(dropped, op)
			q.cfg.Metrics.Dropped.Inc()
			q.log.Warn("dropping queued write",
				zap.String("op", string(op.Kind)),
				zap.String("path", op.Path),
				zap.Int("attempts", op.Attempts),
				zap.Error(err))
			continue
		}
		q.save(op)

		delay := q.cfg.BaseDelay << (op.Attempts - 1)
		q.log.Info("replay failed, retrying",
			zap.String("path", op.Path),
			zap.Int("attempt", op.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := q.cfg.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// stallDelay is BaseDelay doubled per consecutive stall, up to
// MaxStallDelay.
func (q *Queue) stallDelay(stalls int) time.Duration {
	delay := q.cfg.BaseDelay
	for i := 1; i < stalls && delay < q.cfg.MaxStallDelay; i++ {
		delay *= 2
	}
	return min(delay, q.cfg.MaxStallDelay)
}

// head returns the oldest op if the queue is connected and not empty.
func (q *Queue) head() (Op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != Connected || len(q.ops) == 0 {
		return Op{}, false
	}
	return q.ops[0], true
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	n := len(q.ops)
	q.mu.Unlock()

	q.cfg.Metrics.Pending.Set(float64(n))
	if err := q.cfg.Journal.Delete(id); err != nil {
		q.log.Error("failed to delete journaled write", zap.String("id", id), zap.Error(err))
	}
}

func (q *Queue) save(op Op) {
	q.mu.Lock()
	for i := range q.ops {
		if q.ops[i].ID == op.ID {
			q.ops[i] = op
			break
		}
	}
	q.mu.Unlock()

	if err := q.cfg.Journal.Save(op); err != nil {
		q.log.Error("failed to update journaled write", zap.String("id", op.ID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
