// Package remote defines the realtime document store the clinic records
// live in, and an in-memory implementation of it.
//
// Paths have at most two segments: a collection ("tickets") or a record
// inside it ("tickets/-Nabc"). The special path ConnectedPath reports the
// connection state as a boolean value.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// ConnectedPath is the pseudo path whose value is true while the store
// connection is up.
const ConnectedPath = ".info/connected"

// Errors returned by Store implementations.
var (
	// ErrDisconnected means the write could not reach the store.
	ErrDisconnected = errors.New("remote store disconnected")
	// ErrPermissionDenied means the store rejected the caller.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransactionAborted is returned by a TransactionFunc to abort
	// without error.
	ErrTransactionAborted = errors.New("transaction aborted")
	// ErrTransactionConflict means the value kept changing underneath a
	// transaction until it gave up.
	ErrTransactionConflict = errors.New("transaction conflict")
	// ErrNotFound means there is no value at the path.
	ErrNotFound = errors.New("not found")
)

// EventKind selects which changes a subscription receives.
type EventKind int

const (
	// EventValue delivers the full value at the path, once on subscribe
	// and again after every change.
	EventValue EventKind = iota
	// EventChildAdded fires once per existing child on subscribe and then
	// for every new child.
	EventChildAdded
	// EventChildChanged fires when an existing child's value changes.
	EventChildChanged
	// EventChildRemoved fires when a child is deleted.
	EventChildRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventValue:
		return "value"
	case EventChildAdded:
		return "child_added"
	case EventChildChanged:
		return "child_changed"
	case EventChildRemoved:
		return "child_removed"
	default:
		return "unknown"
	}
}

// Event is one notification from a subscription.
type Event struct {
	Kind EventKind
	// Path is the subscribed path.
	Path string
	// Key is the child key for child events; empty for value events.
	Key string
	// Value is the JSON value: the child for child events (its last value
	// for removals), the whole path for value events. JSON null when empty.
	Value json.RawMessage
}

// Child is one keyed entry of a collection value.
type Child struct {
	Key   string
	Value json.RawMessage
}

// Children decodes a value event on a collection into its children ordered
// by key. A null value yields no children.
func (e Event) Children() ([]Child, error) {
	if IsNull(e.Value) {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Value, &m); err != nil {
		return nil, err
	}
	return SortedChildren(m), nil
}

// Bool decodes a boolean value event such as ConnectedPath.
func (e Event) Bool() bool {
	var b bool
	_ = json.Unmarshal(e.Value, &b)
	return b
}

// SortedChildren orders a collection map by key.
func SortedChildren(m map[string]json.RawMessage) []Child {
	out := make([]Child, 0, len(m))
	for k, v := range m {
		out = append(out, Child{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// IsNull reports whether raw is empty or JSON null.
func IsNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// Null is the JSON null value.
var Null = json.RawMessage("null")

// Handler receives subscription events. Handlers must not block.
type Handler func(Event)

// TransactionFunc computes the new value of a path from its current value.
// current is JSON null if the path is empty. Returning a null value deletes
// the path; returning ErrTransactionAborted leaves it untouched.
type TransactionFunc func(current json.RawMessage) (json.RawMessage, error)

// Store is a realtime document store with subscriptions and writes.
//
// All writes are fire-and-forget from the caller's point of view: success
// means the store accepted the write; the resulting change is delivered to
// every subscriber, including the writer's own subscriptions.
type Store interface {
	// Subscribe registers h for events of kind at path. The returned
	// function cancels the subscription. Subscriptions end when ctx is
	// cancelled.
	//
	// Example:
	//   stop, err := store.Subscribe(ctx, "tickets", remote.EventChildAdded, onAdded)
	//   defer stop()
	Subscribe(ctx context.Context, path string, kind EventKind, h Handler) (func(), error)

	// Get returns the current value at path, or ErrNotFound.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Push creates a new child under path with a store-generated,
	// time-ordered key and returns the key.
	//
	// Example:
	//   key, err := store.Push(ctx, "tickets", rec)
	Push(ctx context.Context, path string, value any) (string, error)

	// Update merges fields into the object at path. A nil field value
	// deletes that field.
	//
	// Example:
	//   err := store.Update(ctx, "tickets/-Nabc", map[string]any{"estado": "consultorio1"})
	Update(ctx context.Context, path string, fields map[string]any) error

	// Set replaces the value at path.
	Set(ctx context.Context, path string, value any) error

	// Remove deletes the value at path. Removing a missing path is not an
	// error.
	Remove(ctx context.Context, path string) error

	// Transaction atomically replaces the value at path with fn(current).
	// fn may run several times if the value changes concurrently.
	// committed is false if fn aborted or the store gave up.
	//
	// Example:
	//   ok, err := store.Transaction(ctx, path, func(cur json.RawMessage) (json.RawMessage, error) {
	//       return reapply(cur)
	//   })
	Transaction(ctx context.Context, path string, fn TransactionFunc) (committed bool, err error)
}

// SplitPath splits a store path into collection and key. key is empty for
// a collection path.
func SplitPath(path string) (collection, key string) {
	path = strings.Trim(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

// JoinPath builds a record path.
func JoinPath(collection, key string) string {
	return collection + "/" + key
}

// MergeFields applies a partial update to a JSON object. A nil field value
// deletes the field. A null or empty base is treated as an empty object.
func MergeFields(base json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if !IsNull(base) {
		if err := json.Unmarshal(base, &obj); err != nil {
			return nil, err
		}
	}
	for name, value := range fields {
		if value == nil {
			delete(obj, name)
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if IsNull(raw) {
			delete(obj, name)
			continue
		}
		obj[name] = raw
	}
	if len(obj) == 0 {
		return Null, nil
	}
	return json.Marshal(obj)
}

// Marshal encodes a write value, passing json.RawMessage through.
func Marshal(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
