package engine

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
)

// post schedules fn on the event loop. It never blocks, so store handlers
// may call it from any goroutine, including the loop itself.
func (e *Engine) post(fn func()) {
	e.tasksMu.Lock()
	e.tasks = append(e.tasks, fn)
	e.tasksMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// loop runs posted tasks one at a time in posting order.
func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		}
		for {
			e.tasksMu.Lock()
			batch := e.tasks
			e.tasks = nil
			e.tasksMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

func (e *Engine) subscribe(c *Collection) error {
	path := c.Kind.Collection()
	subs := []struct {
		kind    remote.EventKind
		handler func(*Collection, remote.Event)
	}{
		{remote.EventValue, e.onValue},
		{remote.EventChildAdded, e.onAdded},
		{remote.EventChildChanged, e.onChanged},
		{remote.EventChildRemoved, e.onRemoved},
	}
	for _, s := range subs {
		handler := s.handler
		stop, err := e.store.Subscribe(e.ctx, path, s.kind, func(ev remote.Event) {
			e.post(func() { handler(c, ev) })
		})
		if err != nil {
			return err
		}
		e.stops = append(e.stops, stop)
	}
	return nil
}

// onValue applies the first value event, and the first after each
// reconnect, as a full snapshot. Other value events repeat what the child
// events already delivered.
func (e *Engine) onValue(c *Collection, ev remote.Event) {
	if !c.needSnapshot {
		return
	}
	children, err := ev.Children()
	if err != nil {
		e.log.Error("failed to decode collection snapshot", zap.String("collection", ev.Path), zap.Error(err))
		return
	}
	records := make([]*schema.Record, 0, len(children))
	for _, child := range children {
		rec, err := schema.Decode(c.Kind, child.Key, child.Value)
		if err != nil {
			e.log.Warn("skipping undecodable record", zap.String("key", child.Key), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	c.needSnapshot = false
	for _, rec := range c.Mirror.ApplySnapshot(records) {
		e.removeMalformed(c, rec.RemoteKey)
	}
}

func (e *Engine) onAdded(c *Collection, ev remote.Event) {
	rec, err := schema.Decode(c.Kind, ev.Key, ev.Value)
	if err != nil {
		e.log.Warn("skipping undecodable record", zap.String("key", ev.Key), zap.Error(err))
		return
	}
	if _, err := c.Mirror.ApplyAdded(rec); schema.IsMalformed(err) {
		e.removeMalformed(c, ev.Key)
	}
}

func (e *Engine) onChanged(c *Collection, ev remote.Event) {
	rec, err := schema.Decode(c.Kind, ev.Key, ev.Value)
	if err != nil {
		e.log.Warn("skipping undecodable record", zap.String("key", ev.Key), zap.Error(err))
		return
	}
	if _, _, _, err := c.Mirror.ApplyChanged(rec); schema.IsMalformed(err) {
		c.Mutator.Forget(ev.Key)
		e.removeMalformed(c, ev.Key)
		return
	}
	c.Mutator.ConfirmIncoming(rec)
}

func (e *Engine) onRemoved(c *Collection, ev remote.Event) {
	c.Mirror.ApplyRemoved(ev.Key)
	c.Mutator.Forget(ev.Key)
}

// removeMalformed deletes a corrupt record from the store. The user is not
// told; the record simply never shows.
func (e *Engine) removeMalformed(c *Collection, key string) {
	path := remote.JoinPath(c.Kind.Collection(), key)
	e.log.Warn("removing malformed record from store", zap.String("path", path))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.queue.Remove(context.WithoutCancel(e.ctx), path)
		if err != nil && !errors.Is(err, offline.ErrQueued) {
			e.log.Error("failed to remove malformed record", zap.String("path", path), zap.Error(err))
		}
	}()
}

// Snapshot returns the mirror content of kind as stored JSON, keyed by
// remote key.
func (e *Engine) Snapshot(kind schema.Kind) (map[string]json.RawMessage, error) {
	c, ok := e.collections[kind]
	if !ok {
		return nil, ErrCollectionUnavailable
	}
	out := make(map[string]json.RawMessage)
	for _, rec := range c.Mirror.CurrentView(nil) {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		out[rec.RemoteKey] = raw
	}
	return out, nil
}
