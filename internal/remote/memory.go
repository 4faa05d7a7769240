package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Op names a store operation, used for fault injection and the call log.
type Op string

const (
	OpGet         Op = "get"
	OpPush        Op = "push"
	OpUpdate      Op = "update"
	OpSet         Op = "set"
	OpRemove      Op = "remove"
	OpTransaction Op = "transaction"
)

// Call records one write accepted or rejected by a MemoryStore.
type Call struct {
	Op    Op
	Path  string
	Value json.RawMessage
	Err   error
}

type subscription struct {
	id      int
	path    string
	kind    EventKind
	handler Handler
}

// MemoryStore is an in-process Store. Events are delivered synchronously on
// the writing goroutine after the store lock is released, so a handler may
// write back into the store.
//
// MemoryStore starts connected. While disconnected every write fails with
// ErrDisconnected and subscriptions receive no events.
type MemoryStore struct {
	mu        sync.Mutex
	data      map[string]map[string]json.RawMessage
	subs      map[int]*subscription
	nextSub   int
	connected bool
	faults    map[Op]error
	calls     []Call

	// BeforeCommit, if set, runs inside Transaction after fn computed the
	// new value and before it is stored. Returning true makes the attempt
	// fail as if another writer had changed the value.
	BeforeCommit func(path string) (conflict bool)
	// MaxTransactionRetries bounds the conflict retries of Transaction.
	MaxTransactionRetries int
}

// NewMemoryStore returns an empty, connected store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:                  make(map[string]map[string]json.RawMessage),
		subs:                  make(map[int]*subscription),
		connected:             true,
		faults:                make(map[Op]error),
		MaxTransactionRetries: 25,
	}
}

// pending is a batch of events to deliver once the lock is released.
type pending []func()

func (p pending) fire() {
	for _, f := range p {
		f()
	}
}

// SetConnected changes the connection state and notifies ConnectedPath
// subscribers. Going back online first delivers a fresh value event to every
// collection subscriber, then the connectivity change.
func (s *MemoryStore) SetConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	var values, flips pending
	for _, sub := range s.sortedSubs() {
		switch {
		case sub.path == ConnectedPath:
			flips = append(flips, s.deliver(sub, Event{Kind: EventValue, Path: ConnectedPath, Value: boolValue(connected)}))
		case connected && sub.kind == EventValue:
			values = append(values, s.deliver(sub, Event{Kind: EventValue, Path: sub.path, Value: s.collectionValue(sub.path)}))
		}
	}
	s.mu.Unlock()
	values.fire()
	flips.fire()
}

// Connected reports the connection state.
func (s *MemoryStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetFault makes every subsequent op fail with err. A nil err clears it.
func (s *MemoryStore) SetFault(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Calls returns the writes seen so far.
func (s *MemoryStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsOf returns the writes of one op.
func (s *MemoryStore) CallsOf(op Op) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (s *MemoryStore) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(ctx context.Context, path string, kind EventKind, h Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("nil handler")
	}
	if _, key := SplitPath(path); key != "" && path != ConnectedPath {
		return nil, fmt.Errorf("subscribe %s: only collection paths are supported", path)
	}

	s.mu.Lock()
	s.nextSub++
	sub := &subscription{id: s.nextSub, path: path, kind: kind, handler: h}
	s.subs[sub.id] = sub

	var out pending
	switch {
	case path == ConnectedPath:
		out = append(out, s.deliver(sub, Event{Kind: EventValue, Path: path, Value: boolValue(s.connected)}))
	case !s.connected:
	case kind == EventValue:
		out = append(out, s.deliver(sub, Event{Kind: EventValue, Path: path, Value: s.collectionValue(path)}))
	case kind == EventChildAdded:
		for _, c := range SortedChildren(s.data[path]) {
			out = append(out, s.deliver(sub, Event{Kind: EventChildAdded, Path: path, Key: c.Key, Value: c.Value}))
		}
	}
	s.mu.Unlock()
	out.fire()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub.id)
			s.mu.Unlock()
		})
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return cancel, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, path string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpGet); err != nil {
		return nil, err
	}
	collection, key := SplitPath(path)
	if key == "" {
		if len(s.data[collection]) == 0 {
			return nil, ErrNotFound
		}
		return s.collectionValue(collection), nil
	}
	v, ok := s.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Push implements Store.
func (s *MemoryStore) Push(_ context.Context, path string, value any) (string, error) {
	raw, err := Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode push to %s: %w", path, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	key := id.String()

	s.mu.Lock()
	if err := s.record(OpPush, path, raw); err != nil {
		s.mu.Unlock()
		return "", err
	}
	out := s.put(path, key, raw)
	s.mu.Unlock()
	out.fire()
	return key, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	collection, key := SplitPath(path)
	if key == "" {
		return fmt.Errorf("update %s: record path required", path)
	}
	logged, _ := json.Marshal(fields)

	s.mu.Lock()
	if err := s.record(OpUpdate, path, logged); err != nil {
		s.mu.Unlock()
		return err
	}
	merged, err := MergeFields(s.data[collection][key], fields)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to merge update into %s: %w", path, err)
	}
	out := s.put(collection, key, merged)
	s.mu.Unlock()
	out.fire()
	return nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, path string, value any) error {
	collection, key := SplitPath(path)
	if key == "" {
		return fmt.Errorf("set %s: record path required", path)
	}
	raw, err := Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode set of %s: %w", path, err)
	}

	s.mu.Lock()
	if err := s.record(OpSet, path, raw); err != nil {
		s.mu.Unlock()
		return err
	}
	out := s.put(collection, key, raw)
	s.mu.Unlock()
	out.fire()
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, path string) error {
	collection, key := SplitPath(path)

	s.mu.Lock()
	if err := s.record(OpRemove, path, nil); err != nil {
		s.mu.Unlock()
		return err
	}
	var out pending
	if key == "" {
		for _, c := range SortedChildren(s.data[collection]) {
			out = append(out, s.put(collection, c.Key, Null)...)
		}
	} else {
		out = s.put(collection, key, Null)
	}
	s.mu.Unlock()
	out.fire()
	return nil
}

// Transaction implements Store.
func (s *MemoryStore) Transaction(_ context.Context, path string, fn TransactionFunc) (bool, error) {
	collection, key := SplitPath(path)
	if key == "" {
		return false, fmt.Errorf("transaction %s: record path required", path)
	}

	for attempt := 0; attempt <= s.MaxTransactionRetries; attempt++ {
		s.mu.Lock()
		if err := s.record(OpTransaction, path, nil); err != nil {
			s.mu.Unlock()
			return false, err
		}
		current, ok := s.data[collection][key]
		if !ok {
			current = Null
		}
		hook := s.BeforeCommit
		s.mu.Unlock()

		next, err := fn(current)
		if errors.Is(err, ErrTransactionAborted) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if hook != nil && hook(path) {
			continue
		}

		s.mu.Lock()
		now, ok := s.data[collection][key]
		if !ok {
			now = Null
		}
		if string(now) != string(current) {
			s.mu.Unlock()
			continue
		}
		out := s.put(collection, key, next)
		s.mu.Unlock()
		out.fire()
		return true, nil
	}
	return false, ErrTransactionConflict
}

// record logs a write and checks connectivity and faults. Caller holds mu.
func (s *MemoryStore) record(op Op, path string, value json.RawMessage) error {
	err := s.check(op)
	s.calls = append(s.calls, Call{Op: op, Path: path, Value: value, Err: err})
	return err
}

func (s *MemoryStore) check(op Op) error {
	if err := s.faults[op]; err != nil {
		return err
	}
	if !s.connected {
		return ErrDisconnected
	}
	return nil
}

// put stores value (null deletes) and returns the events to deliver.
// Caller holds mu.
func (s *MemoryStore) put(collection, key string, value json.RawMessage) pending {
	children := s.data[collection]
	old, existed := children[key]

	var kind EventKind
	switch {
	case IsNull(value) && !existed:
		return nil
	case IsNull(value):
		delete(children, key)
		kind = EventChildRemoved
	case existed && string(old) == string(value):
		return nil
	case existed:
		children[key] = value
		kind = EventChildChanged
	default:
		if children == nil {
			children = make(map[string]json.RawMessage)
			s.data[collection] = children
		}
		children[key] = value
		kind = EventChildAdded
	}

	ev := Event{Kind: kind, Path: collection, Key: key, Value: value}
	if kind == EventChildRemoved {
		ev.Value = old
	}

	var out pending
	for _, sub := range s.sortedSubs() {
		if sub.path != collection {
			continue
		}
		switch sub.kind {
		case kind:
			out = append(out, s.deliver(sub, ev))
		case EventValue:
			out = append(out, s.deliver(sub, Event{Kind: EventValue, Path: collection, Value: s.collectionValue(collection)}))
		}
	}
	return out
}

func (s *MemoryStore) deliver(sub *subscription, ev Event) func() {
	return func() {
		s.mu.Lock()
		_, live := s.subs[sub.id]
		s.mu.Unlock()
		if live {
			sub.handler(ev)
		}
	}
}

func (s *MemoryStore) collectionValue(collection string) json.RawMessage {
	children := s.data[collection]
	if len(children) == 0 {
		return Null
	}
	raw, _ := json.Marshal(children)
	return raw
}

func (s *MemoryStore) sortedSubs() []*subscription {
	out := make([]*subscription, 0, len(s.subs))
	for i := 1; i <= s.nextSub; i++ {
		if sub, ok := s.subs[i]; ok {
			out = append(out, sub)
		}
	}
	return out
}

func boolValue(b bool) json.RawMessage {
	if b {
		return json.RawMessage("true")
	}
	return json.RawMessage("false")
}

var _ Store = (*MemoryStore)(nil)
