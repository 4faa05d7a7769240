// Package mutator applies the user's own edits: locally first, then to the
// store, ending either in success or in a visible error.
package mutator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/mirror"
	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/reconcile"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
)

var (
	// ErrUnknownRecord means the edited record is not in the mirror.
	ErrUnknownRecord = errors.New("unknown record")
	// ErrRecordGone means the record was deleted from the store while the
	// edit was in flight.
	ErrRecordGone = errors.New("record no longer exists")
	// ErrProtectedField means Edit.Fields named a field that only changes
	// through Edit.Status or Edit.AppendNote.
	ErrProtectedField = errors.New("field must be changed through its own edit")
)

// protectedFields are set by status transitions and note appends only.
var protectedFields = []string{schema.FieldStatus, schema.FieldBillingNote}

// User-facing messages.
const (
	SaveFailedMessage   = "No se pudo guardar el cambio. Intente de nuevo."
	RecordGoneMessage   = "El ticket fue eliminado por otro usuario."
	CreateFailedMessage = "No se pudo crear el ticket. Intente de nuevo."
	DeleteFailedMessage = "No se pudo eliminar el ticket. Intente de nuevo."
	NoteRepairMessage   = "Una nota de cobro no se pudo sincronizar. Revise el campo Por cobrar."
)

// Strategy is how an edit was written.
type Strategy int

const (
	// StrategyNone: nothing changed, nothing written.
	StrategyNone Strategy = iota
	// StrategyNarrow: partial update of the billing note only.
	StrategyNarrow
	// StrategyTransaction: conditional read-modify-write.
	StrategyTransaction
	// StrategyFallback: unconditional partial update after the
	// transaction was rejected or failed.
	StrategyFallback
)

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyNarrow:
		return "narrow"
	case StrategyTransaction:
		return "transaction"
	case StrategyFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Edit is one user submission against an existing record.
type Edit struct {
	Key string
	// Fields overlays stored fields by JSON name; nil removes a field. The
	// status and the billing note are not accepted here.
	Fields map[string]any
	// Status, if set, moves the record through schema.Transition.
	Status string
	// AppendNote, if set, is appended to the billing note as a new entry.
	AppendNote string
}

// Result describes what Submit did.
type Result struct {
	// Record is the locally applied value.
	Record   *schema.Record
	Changed  []string
	Strategy Strategy
	// Queued is true when the write waits in the offline queue.
	Queued bool
}

// Config holds Mutator settings.
type Config struct {
	// User is recorded in edit history and billing headers.
	User string
	// RepairAttempts bounds how often a missing billing entry is re-sent.
	RepairAttempts int
	// SettleWindow is how long an entry stays watched after the store
	// first showed it, so a stale overwrite landing later is repaired too.
	SettleWindow time.Duration

	Notifier notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

// Mutator writes the local user's edits to one collection.
type Mutator struct {
	kind    schema.Kind
	store   remote.Store
	mirror  *mirror.Mirror
	recon   *reconcile.Reconciler
	counter *Counter
	cfg     Config
	log     *zap.Logger

	mu      sync.Mutex
	pending map[string][]*pendingAppend

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingAppend struct {
	entry   schema.BillingEntry
	repairs int
	// seenAt is when the store last showed the entry; zero if never.
	seenAt time.Time
}

// New returns a Mutator writing through store. store is usually the offline
// queue wrapping the real store.
func New(store remote.Store, m *mirror.Mirror, r *reconcile.Reconciler, counter *Counter, cfg Config) *Mutator {
	if cfg.RepairAttempts <= 0 {
		cfg.RepairAttempts = 3
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = 30 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if counter == nil {
		counter = NewCounter(m)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mutator{
		kind:    m.Kind(),
		store:   store,
		mirror:  m,
		recon:   r,
		counter: counter,
		cfg:     cfg,
		log:     cfg.Logger.Named("mutator").With(zap.String("collection", m.Kind().Collection())),
		pending: make(map[string][]*pendingAppend),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Counter returns the display number counter.
func (m *Mutator) Counter() *Counter {
	return m.counter
}

// Close cancels in-flight repairs and waits for them.
func (m *Mutator) Close() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until background repairs finish.
func (m *Mutator) Wait() {
	m.wg.Wait()
}

// Submit applies e to the latest known value of the record, shows the
// result immediately and writes it to the store.
//
// A change to the billing note alone is sent as a narrow partial update.
// Anything else goes through a transaction that re-applies the edit to the
// store's current value; if the transaction is rejected or fails, the
// changed fields are written unconditionally. Only when that fallback also
// fails is an error returned and shown to the user.
func (m *Mutator) Submit(ctx context.Context, e Edit) (Result, error) {
	// Whatever happens, re-derive the view from the mirror.
	defer m.recon.Refresh()

	current, ok := m.mirror.Get(e.Key)
	if !ok {
		return Result{}, fmt.Errorf("edit %s/%s: %w", m.kind.Collection(), e.Key, ErrUnknownRecord)
	}

	current.Kind, current.RemoteKey = m.kind, e.Key
	now := m.cfg.Now()
	next := current.Clone()
	entry, err := m.apply(next, e, now)
	if err != nil {
		return Result{}, err
	}

	changed := schema.WithoutBookkeeping(schema.Diff(current, next))
	if len(changed) == 0 {
		return Result{Record: current, Strategy: StrategyNone}, nil
	}
	narrow := len(changed) == 1 && changed[0] == schema.FieldBillingNote
	if narrow {
		next.LastEditedAt = now.UnixMilli()
	} else {
		next.Touch(m.cfg.User, now, changed)
	}

	m.mirror.PatchLocal(next)
	m.recon.PatchNow(next)
	if entry != nil {
		m.remember(e.Key, *entry)
	}

	res := Result{Record: next, Changed: changed}
	log := m.log.With(zap.String("key", e.Key), zap.Strings("fields", changed))

	if narrow {
		res.Strategy = StrategyNarrow
		err := m.update(ctx, next.Path(), next.Pick(schema.FieldBillingNote, schema.FieldLastEdited))
		return m.finish(res, current, next, err, log)
	}

	var gone bool
	committed, err := m.store.Transaction(ctx, next.Path(), func(cur json.RawMessage) (json.RawMessage, error) {
		if remote.IsNull(cur) {
			gone = true
			return nil, remote.ErrTransactionAborted
		}
		gone = false
		return m.reapply(cur, e, next, changed, now)
	})
	if committed && err == nil {
		res.Strategy = StrategyTransaction
		log.Debug("edit committed")
		return res, nil
	}
	if gone {
		log.Warn("record deleted during edit")
		m.forget(e.Key)
		notify.Error(m.cfg.Notifier, RecordGoneMessage)
		return res, fmt.Errorf("edit %s: %w", next.Path(), ErrRecordGone)
	}

	// The fallback does not re-check staleness: a concurrent change to the
	// same fields is overwritten.
	log.Info("transaction not committed, falling back to update", zap.Bool("committed", committed), zap.Error(err))
	res.Strategy = StrategyFallback
	fields := next.Pick(append(append([]string(nil), changed...), schema.BookkeepingFields...)...)
	err = m.update(ctx, next.Path(), fields)
	return m.finish(res, current, next, err, log)
}

// noteAppender is a store that can write a billing note so that a delayed
// replay merges it into the stored note. The offline queue is one.
type noteAppender interface {
	Append(ctx context.Context, path string, fields map[string]any) error
}

// update writes fields to path. A write carrying the billing note goes
// through the store's Append when it has one.
func (m *Mutator) update(ctx context.Context, path string, fields map[string]any) error {
	if _, ok := fields[schema.FieldBillingNote]; ok {
		if a, ok := m.store.(noteAppender); ok {
			return a.Append(ctx, path, fields)
		}
	}
	return m.store.Update(ctx, path, fields)
}

// SetStatus moves a record to status.
func (m *Mutator) SetStatus(ctx context.Context, key, status string) (Result, error) {
	return m.Submit(ctx, Edit{Key: key, Status: status})
}

// AppendNote appends text to a record's billing note.
func (m *Mutator) AppendNote(ctx context.Context, key, text string) (Result, error) {
	return m.Submit(ctx, Edit{Key: key, AppendNote: text})
}

// apply computes the edit on rec and returns the appended billing entry.
func (m *Mutator) apply(rec *schema.Record, e Edit, now time.Time) (*schema.BillingEntry, error) {
	for _, name := range protectedFields {
		if _, ok := e.Fields[name]; ok {
			return nil, fmt.Errorf("edit %s: %q: %w", e.Key, name, ErrProtectedField)
		}
	}
	if len(e.Fields) > 0 {
		if err := rec.ApplyFields(e.Fields); err != nil {
			return nil, fmt.Errorf("failed to apply edit to %s: %w", e.Key, err)
		}
	}
	if e.Status != "" {
		schema.Transition(rec, e.Status, now)
	}
	text := strings.TrimSpace(e.AppendNote)
	if text == "" {
		return nil, nil
	}
	entry := schema.NewBillingEntry(rec, m.cfg.User, text, now)
	rec.BillingNote = schema.AppendBillingNote(rec.BillingNote, entry)
	return &entry, nil
}

// reapply re-runs the edit against the store's current value cur. Fields
// the record type does not know are left as they are.
func (m *Mutator) reapply(cur json.RawMessage, e Edit, local *schema.Record, changed []string, now time.Time) (json.RawMessage, error) {
	server, err := schema.Decode(m.kind, e.Key, cur)
	if err != nil {
		return nil, err
	}
	if len(e.Fields) > 0 {
		if err := server.ApplyFields(e.Fields); err != nil {
			return nil, err
		}
	}
	if e.Status != "" {
		schema.Transition(server, e.Status, now)
	}
	server.BillingNote = schema.MergeBillingNotes(server.BillingNote, local.BillingNote)
	server.Touch(m.cfg.User, now, changed)

	names := append(append([]string(nil), changed...), schema.FieldServiceAt, schema.FieldBillingNote)
	names = append(names, schema.BookkeepingFields...)
	return remote.MergeFields(cur, server.Pick(names...))
}

func (m *Mutator) finish(res Result, before, after *schema.Record, err error, log *zap.Logger) (Result, error) {
	switch {
	case err == nil:
		log.Debug("edit written", zap.Stringer("strategy", res.Strategy))
		return res, nil
	case errors.Is(err, offline.ErrQueued):
		log.Info("edit queued until reconnect", zap.Stringer("strategy", res.Strategy))
		res.Queued = true
		return res, nil
	}

	log.Error("edit failed", zap.Stringer("strategy", res.Strategy), zap.Error(err))
	// Undo the optimistic patch unless a newer value has arrived since.
	if cur, ok := m.mirror.Get(after.RemoteKey); ok && len(schema.Diff(cur, after)) == 0 {
		m.mirror.PatchLocal(before)
	}
	m.forget(after.RemoteKey)
	notify.Error(m.cfg.Notifier, SaveFailedMessage)
	return res, fmt.Errorf("failed to save %s: %w", after.Path(), err)
}
