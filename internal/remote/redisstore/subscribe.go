package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/remote"
)

// Subscribe implements remote.Store. Each subscription holds its own
// pub/sub connection.
func (s *Store) Subscribe(ctx context.Context, path string, kind remote.EventKind, h remote.Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("nil handler")
	}
	if path == remote.ConnectedPath {
		return s.subscribeConnected(ctx, h), nil
	}
	collection, key := remote.SplitPath(path)
	if key != "" {
		return nil, errors.New("subscribe " + path + ": only collection paths are supported")
	}

	subCtx, cancel := context.WithCancel(ctx)
	ps := s.rdb.Subscribe(subCtx, s.channel(collection))
	if _, err := ps.Receive(subCtx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, wrap("subscribe", path, err)
	}

	// Replay after the channel is live so no change falls in between.
	switch kind {
	case remote.EventValue:
		h(remote.Event{Kind: remote.EventValue, Path: collection, Value: s.collectionValue(subCtx, collection)})
	case remote.EventChildAdded:
		all, err := s.rdb.HGetAll(subCtx, s.hashKey(collection)).Result()
		if err != nil {
			cancel()
			_ = ps.Close()
			return nil, wrap("subscribe", path, err)
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h(remote.Event{Kind: remote.EventChildAdded, Path: collection, Key: k, Value: json.RawMessage(all[k])})
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-s.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var c change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					s.log.Warn("dropping malformed change message", zap.String("collection", collection), zap.Error(err))
					continue
				}
				s.deliver(subCtx, collection, kind, c, h)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *Store) deliver(ctx context.Context, collection string, kind remote.EventKind, c change, h remote.Handler) {
	if kind == remote.EventValue {
		h(remote.Event{Kind: remote.EventValue, Path: collection, Value: s.collectionValue(ctx, collection)})
		return
	}
	var evKind remote.EventKind
	switch c.Kind {
	case changeAdded:
		evKind = remote.EventChildAdded
	case changeChanged:
		evKind = remote.EventChildChanged
	case changeRemoved:
		evKind = remote.EventChildRemoved
	default:
		return
	}
	if evKind == kind {
		h(remote.Event{Kind: evKind, Path: collection, Key: c.Key, Value: c.Value})
	}
}

func (s *Store) collectionValue(ctx context.Context, collection string) json.RawMessage {
	v, err := s.Get(ctx, collection)
	if err != nil {
		return remote.Null
	}
	return v
}

func (s *Store) subscribeConnected(ctx context.Context, h remote.Handler) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.connSubs[id] = h
	connected := s.connected
	s.mu.Unlock()

	h(remote.Event{Kind: remote.EventValue, Path: remote.ConnectedPath, Value: boolJSON(connected)})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.connSubs, id)
			s.mu.Unlock()
		})
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
			case <-s.ctx.Done():
			}
			cancel()
		}()
	}
	return cancel
}

func (s *Store) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.probe()
		}
	}
}

// probe pings Redis and notifies ConnectedPath subscribers on change.
func (s *Store) probe() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PingInterval)
	defer cancel()
	up := s.rdb.Ping(ctx).Err() == nil

	s.mu.Lock()
	if s.probed && up == s.connected {
		s.mu.Unlock()
		return
	}
	s.probed = true
	s.connected = up
	handlers := make([]remote.Handler, 0, len(s.connSubs))
	for _, h := range s.connSubs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	s.log.Info("connection state changed", zap.Bool("connected", up))
	ev := remote.Event{Kind: remote.EventValue, Path: remote.ConnectedPath, Value: boolJSON(up)}
	for _, h := range handlers {
		h(ev)
	}
}

func boolJSON(b bool) json.RawMessage {
	if b {
		return json.RawMessage("true")
	}
	return json.RawMessage("false")
}
