// Package mirror keeps the in-memory copy of one record collection.
//
// A Mirror is the single owner of its records. Everything that changes it
// goes through the Apply methods (remote events) or PatchLocal (the user's
// own optimistic edits); readers get copies through Get and CurrentView.
// After every change the registered observers are called with what changed,
// once the mirror itself is already consistent.
package mirror

import (
	"sync"

	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/schema"
)

// ChangeKind says which operation produced a Change.
type ChangeKind int

const (
	ChangeSnapshot ChangeKind = iota
	ChangeAdded
	ChangeChanged
	ChangeRemoved
	ChangePatched
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSnapshot:
		return "snapshot"
	case ChangeAdded:
		return "added"
	case ChangeChanged:
		return "changed"
	case ChangeRemoved:
		return "removed"
	case ChangePatched:
		return "patched"
	default:
		return "unknown"
	}
}

// Change describes one mirror mutation. Old and New are copies; Old is nil
// for additions and snapshots, New is nil for removals and snapshots.
type Change struct {
	Kind ChangeKind
	Key  string
	Old  *schema.Record
	New  *schema.Record
}

// Observer is called after each mutation. Observers must return quickly;
// anything slow belongs on another goroutine.
type Observer func(Change)

// Config holds Mirror settings.
type Config struct {
	// Preservation decides which fields survive a remote update that omits
	// them. Defaults to schema.PreservationFor(kind).
	Preservation schema.PreservationTable
	Logger       *zap.Logger
}

// Mirror is the ordered, keyed local copy of one collection.
type Mirror struct {
	kind  schema.Kind
	table schema.PreservationTable
	log   *zap.Logger

	mu        sync.RWMutex
	order     []string
	records   map[string]*schema.Record
	loaded    bool
	observers []Observer
}

// New creates an empty mirror for kind.
func New(kind schema.Kind, cfg Config) *Mirror {
	if cfg.Preservation == nil {
		cfg.Preservation = schema.PreservationFor(kind)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Mirror{
		kind:    kind,
		table:   cfg.Preservation,
		log:     cfg.Logger.Named("mirror").With(zap.String("collection", kind.Collection())),
		records: make(map[string]*schema.Record),
	}
}

// Kind returns the collection kind.
func (m *Mirror) Kind() schema.Kind {
	return m.kind
}

// Observe registers o for every later change.
func (m *Mirror) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Mirror) notify(changes ...Change) {
	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()
	for _, c := range changes {
		for _, o := range observers {
			o(c)
		}
	}
}

// ApplySnapshot replaces the whole collection. Records that fail identity
// validation are left out and returned so the caller can remove them from
// the store.
func (m *Mirror) ApplySnapshot(records []*schema.Record) (rejected []*schema.Record) {
	order := make([]string, 0, len(records))
	byKey := make(map[string]*schema.Record, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			m.log.Warn("rejecting malformed record", zap.String("key", rec.RemoteKey), zap.Error(err))
			rejected = append(rejected, rec)
			continue
		}
		if _, dup := byKey[rec.RemoteKey]; dup {
			continue
		}
		c := rec.Clone()
		c.Kind = m.kind
		order = append(order, c.RemoteKey)
		byKey[c.RemoteKey] = c
	}

	m.mu.Lock()
	m.order = order
	m.records = byKey
	m.loaded = true
	m.mu.Unlock()

	m.log.Debug("snapshot applied", zap.Int("records", len(order)), zap.Int("rejected", len(rejected)))
	m.notify(Change{Kind: ChangeSnapshot})
	return rejected
}

// ApplyAdded inserts rec unless a record with the same key exists; a
// duplicate delivery is a no-op. A malformed rec is not inserted and its
// validation error is returned.
func (m *Mirror) ApplyAdded(rec *schema.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	c := rec.Clone()
	c.Kind = m.kind

	m.mu.Lock()
	if _, exists := m.records[c.RemoteKey]; exists {
		m.mu.Unlock()
		return false, nil
	}
	m.order = append(m.order, c.RemoteKey)
	m.records[c.RemoteKey] = c
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeAdded, Key: c.RemoteKey, New: c.Clone()})
	return true, nil
}

// ApplyChanged merges an incoming version of a known record using the
// preservation table and returns the previous and merged values. Unknown
// keys are ignored (ok is false). A malformed incoming record removes the
// local copy and returns its validation error.
func (m *Mirror) ApplyChanged(rec *schema.Record) (old, merged *schema.Record, ok bool, err error) {
	if err := rec.Validate(); err != nil {
		if removed := m.ApplyRemoved(rec.RemoteKey); removed != nil {
			return removed, nil, true, err
		}
		return nil, nil, false, err
	}

	m.mu.Lock()
	current, exists := m.records[rec.RemoteKey]
	if !exists {
		m.mu.Unlock()
		m.log.Debug("change for unknown record ignored", zap.String("key", rec.RemoteKey))
		return nil, nil, false, nil
	}
	next := schema.Merge(current, rec, m.table)
	next.Kind = m.kind
	m.records[rec.RemoteKey] = next
	m.mu.Unlock()

	old, merged = current.Clone(), next.Clone()
	m.notify(Change{Kind: ChangeChanged, Key: rec.RemoteKey, Old: old, New: merged.Clone()})
	return old, merged, true, nil
}

// ApplyRemoved deletes key and returns the removed record, or nil if it
// was not present.
func (m *Mirror) ApplyRemoved(key string) *schema.Record {
	m.mu.Lock()
	current, exists := m.records[key]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	delete(m.records, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeRemoved, Key: key, Old: current.Clone()})
	return current.Clone()
}

// PatchLocal replaces a known record with the user's locally computed value
// ahead of the store's confirmation. No merge is applied. Returns false if
// the key is unknown.
func (m *Mirror) PatchLocal(rec *schema.Record) bool {
	c := rec.Clone()
	c.Kind = m.kind

	m.mu.Lock()
	current, exists := m.records[c.RemoteKey]
	if !exists {
		m.mu.Unlock()
		return false
	}
	m.records[c.RemoteKey] = c
	m.mu.Unlock()

	m.notify(Change{Kind: ChangePatched, Key: c.RemoteKey, Old: current.Clone(), New: c.Clone()})
	return true
}
