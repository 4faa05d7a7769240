package rtdb

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/clinicavet/vetsync/internal/remote"
)

// stream is one server-sent event connection for a collection, shared by
// every subscription on that collection.
type stream struct {
	collection string
	cancel     context.CancelFunc
	done       chan struct{}

	mu      sync.Mutex
	cache   *collectionCache
	subs    map[int]streamSub
	nextSub int
}

type streamSub struct {
	kind    remote.EventKind
	handler remote.Handler
}

// Subscribe implements remote.Store. Subscriptions to the same collection
// share one stream; the stream closes when its last subscription ends.
func (c *Client) Subscribe(ctx context.Context, path string, kind remote.EventKind, h remote.Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("nil handler")
	}
	if path == remote.ConnectedPath {
		return c.subscribeConnected(ctx, h), nil
	}
	collection, key := remote.SplitPath(path)
	if key != "" {
		return nil, errors.New("subscribe " + path + ": only collection paths are supported")
	}

	c.mu.Lock()
	st, ok := c.streams[collection]
	var streamCtx context.Context
	if !ok {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithCancel(context.Background())
		st = &stream{
			collection: collection,
			cancel:     cancel,
			done:       make(chan struct{}),
			cache:      newCollectionCache(),
			subs:       make(map[int]streamSub),
		}
		c.streams[collection] = st
	}
	id, replay := st.add(kind, h)
	if !ok {
		go c.runStream(streamCtx, st)
	}
	c.mu.Unlock()

	for _, ev := range replay {
		h(ev)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if st.remove(id) {
				c.mu.Lock()
				if c.streams[collection] == st {
					delete(c.streams, collection)
				}
				c.mu.Unlock()
				st.cancel()
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-st.done:
		}
	}()
	return cancel, nil
}

// add registers a subscriber and returns the events that bring it up to
// date with what the stream already knows.
func (st *stream) add(kind remote.EventKind, h remote.Handler) (int, []remote.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextSub++
	st.subs[st.nextSub] = streamSub{kind: kind, handler: h}

	if !st.cache.loaded {
		return st.nextSub, nil
	}
	switch kind {
	case remote.EventValue:
		return st.nextSub, []remote.Event{{Kind: remote.EventValue, Path: st.collection, Value: st.cache.value()}}
	case remote.EventChildAdded:
		var replay []remote.Event
		for _, child := range remote.SortedChildren(st.cache.children) {
			replay = append(replay, remote.Event{Kind: remote.EventChildAdded, Path: st.collection, Key: child.Key, Value: child.Value})
		}
		return st.nextSub, replay
	}
	return st.nextSub, nil
}

// remove unregisters a subscriber and reports whether it was the last.
func (st *stream) remove(id int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.subs, id)
	return len(st.subs) == 0
}

// apply folds a stream event into the cache and returns the resulting
// events together with the subscribers that should see them. Subscribers
// added afterwards get the new state through their replay instead.
func (st *stream) apply(eventType string, data []byte) ([]remote.Event, []streamSub, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	events, err := st.cache.apply(st.collection, eventType, data)
	if err != nil || len(events) == 0 {
		return nil, nil, err
	}
	subs := make([]streamSub, 0, len(st.subs))
	for i := 1; i <= st.nextSub; i++ {
		if s, ok := st.subs[i]; ok {
			subs = append(subs, s)
		}
	}
	return events, subs, nil
}

func dispatch(events []remote.Event, subs []streamSub) {
	for _, ev := range events {
		for _, s := range subs {
			if s.kind == ev.Kind {
				s.handler(ev)
			}
		}
	}
}

// runStream keeps the collection stream open, reconnecting with
// exponential backoff until ctx is cancelled.
func (c *Client) runStream(ctx context.Context, st *stream) {
	defer close(st.done)
	defer c.setUp(st.collection, false)

	log := c.log.With(zap.String("collection", st.collection))
	delay := c.cfg.ReconnectMin

	for {
		started := time.Now()
		err := c.streamOnce(ctx, st)
		c.setUp(st.collection, false)

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, remote.ErrPermissionDenied) {
			log.Error("stream cancelled by server, giving up", zap.Error(err))
			return
		}
		// A connection that stayed up for a while resets the backoff.
		if time.Since(started) > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMin
		}
		log.Warn("stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
}

var errStreamClosed = errors.New("stream closed")

// streamOnce runs a single stream connection until it drops.
func (c *Client) streamOnce(ctx context.Context, st *stream) error {
	u := c.cfg.URL + c.restPath(st.collection)
	if c.cfg.AuthToken != "" {
		u += "?auth=" + url.QueryEscape(c.cfg.AuthToken)
	}

	client := sse.NewClient(u)
	client.Connection = &http.Client{}
	// Reconnects are handled by runStream.
	client.ReconnectStrategy = &backoff.StopBackOff{}
	client.OnConnect(func(*sse.Client) {
		c.setUp(st.collection, true)
	})

	var (
		failMu sync.Mutex
		fail   error
	)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := client.SubscribeRawWithContext(streamCtx, func(msg *sse.Event) {
		evType := string(msg.Event)
		switch evType {
		case "put", "patch":
			events, subs, err := st.apply(evType, msg.Data)
			if err != nil {
				c.log.Warn("dropping malformed stream event", zap.String("collection", st.collection), zap.Error(err))
				return
			}
			dispatch(events, subs)
		case "keep-alive":
		case "cancel", "auth_revoked":
			failMu.Lock()
			if evType == "cancel" {
				fail = remote.ErrPermissionDenied
			} else {
				fail = errors.New("auth revoked")
			}
			failMu.Unlock()
			cancel()
		}
	})

	failMu.Lock()
	defer failMu.Unlock()
	if fail != nil {
		return fail
	}
	if err == nil {
		return errStreamClosed
	}
	return err
}

// setUp records whether a collection stream is connected and notifies
// ConnectedPath subscribers when the overall state changes.
func (c *Client) setUp(collection string, up bool) {
	c.mu.Lock()
	if up {
		c.up[collection] = true
	} else {
		delete(c.up, collection)
	}
	connected := len(c.up) > 0
	if connected == c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	handlers := make([]remote.Handler, 0, len(c.connSubs))
	for _, h := range c.connSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	c.log.Info("connection state changed", zap.Bool("connected", connected))
	ev := remote.Event{Kind: remote.EventValue, Path: remote.ConnectedPath, Value: boolJSON(connected)}
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Client) subscribeConnected(ctx context.Context, h remote.Handler) func() {
	c.mu.Lock()
	c.nextConnSub++
	id := c.nextConnSub
	c.connSubs[id] = h
	connected := c.connected
	c.mu.Unlock()

	h(remote.Event{Kind: remote.EventValue, Path: remote.ConnectedPath, Value: boolJSON(connected)})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.connSubs, id)
			c.mu.Unlock()
		})
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return cancel
}

// Close ends every stream.
func (c *Client) Close() {
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.streams = make(map[string]*stream)
	c.mu.Unlock()

	for _, st := range streams {
		st.cancel()
		<-st.done
	}
}

func boolJSON(b bool) []byte {
	if b {
		return []byte("true")
	}
	return []byte("false")
}
