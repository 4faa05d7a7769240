package rtdb

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clinicavet/vetsync/internal/remote"
)

// streamPayload is the data of a put or patch server-sent event.
type streamPayload struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// collectionCache holds the last known children of one streamed collection.
type collectionCache struct {
	children map[string]json.RawMessage
	// loaded is set after the first full put.
	loaded bool
}

func newCollectionCache() *collectionCache {
	return &collectionCache{children: make(map[string]json.RawMessage)}
}

// apply folds one put or patch event into the cache and returns the child
// events it implies, followed by a value event if anything changed. The
// first put at the root always yields a value event, even when empty.
func (c *collectionCache) apply(collection, eventType string, data []byte) ([]remote.Event, error) {
	var p streamPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}
	segments := splitStreamPath(p.Path)

	var events []remote.Event
	initial := false

	switch eventType {
	case "put":
		switch len(segments) {
		case 0:
			next := make(map[string]json.RawMessage)
			if !remote.IsNull(p.Data) {
				if err := json.Unmarshal(p.Data, &next); err != nil {
					return nil, fmt.Errorf("failed to decode %s snapshot: %w", collection, err)
				}
			}
			initial = !c.loaded
			c.loaded = true
			for _, child := range remote.SortedChildren(c.children) {
				if _, ok := next[child.Key]; !ok {
					events = append(events, c.set(collection, child.Key, remote.Null)...)
				}
			}
			for _, child := range remote.SortedChildren(next) {
				events = append(events, c.set(collection, child.Key, child.Value)...)
			}
		case 1:
			events = c.set(collection, segments[0], p.Data)
		default:
			value, err := setNested(c.children[segments[0]], segments[1:], p.Data)
			if err != nil {
				return nil, err
			}
			events = c.set(collection, segments[0], value)
		}

	case "patch":
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(p.Data, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode %s patch: %w", collection, err)
		}
		if len(segments) == 0 {
			for _, child := range remote.SortedChildren(fields) {
				events = append(events, c.set(collection, child.Key, child.Value)...)
			}
			break
		}
		value := c.children[segments[0]]
		for _, f := range remote.SortedChildren(fields) {
			path := append(append([]string(nil), segments[1:]...), splitStreamPath(f.Key)...)
			var err error
			if value, err = setNested(value, path, f.Value); err != nil {
				return nil, err
			}
		}
		events = c.set(collection, segments[0], value)

	default:
		return nil, nil
	}

	if len(events) > 0 || initial {
		events = append(events, remote.Event{Kind: remote.EventValue, Path: collection, Value: c.value()})
	}
	return events, nil
}

// set stores a child value (null removes it) and returns the resulting
// child event, if any.
func (c *collectionCache) set(collection, key string, value json.RawMessage) []remote.Event {
	old, existed := c.children[key]
	switch {
	case remote.IsNull(value) && !existed:
		return nil
	case remote.IsNull(value):
		delete(c.children, key)
		return []remote.Event{{Kind: remote.EventChildRemoved, Path: collection, Key: key, Value: old}}
	case existed && jsonEqual(old, value):
		return nil
	case existed:
		c.children[key] = value
		return []remote.Event{{Kind: remote.EventChildChanged, Path: collection, Key: key, Value: value}}
	default:
		c.children[key] = value
		return []remote.Event{{Kind: remote.EventChildAdded, Path: collection, Key: key, Value: value}}
	}
}

func (c *collectionCache) value() json.RawMessage {
	if len(c.children) == 0 {
		return remote.Null
	}
	raw, _ := json.Marshal(c.children)
	return raw
}

// setNested writes value at path inside the JSON object base. A null value
// deletes the leaf; empty objects collapse to null.
func setNested(base json.RawMessage, path []string, value json.RawMessage) (json.RawMessage, error) {
	if len(path) == 0 {
		return value, nil
	}
	obj := make(map[string]json.RawMessage)
	if !remote.IsNull(base) {
		if err := json.Unmarshal(base, &obj); err != nil {
			// A scalar is being replaced by an object.
			obj = make(map[string]json.RawMessage)
		}
	}
	child, err := setNested(obj[path[0]], path[1:], value)
	if err != nil {
		return nil, err
	}
	if remote.IsNull(child) {
		delete(obj, path[0])
	} else {
		obj[path[0]] = child
	}
	if len(obj) == 0 {
		return remote.Null, nil
	}
	return json.Marshal(obj)
}

func splitStreamPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func jsonEqual(a, b json.RawMessage) bool {
	if string(a) == string(b) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ac, _ := json.Marshal(av)
	bc, _ := json.Marshal(bv)
	return string(ac) == string(bc)
}
