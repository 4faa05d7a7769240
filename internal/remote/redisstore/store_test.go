package redisstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicavet/vetsync/internal/remote"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.PingInterval = 20 * time.Millisecond
	s := New(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

type recorder struct {
	mu     sync.Mutex
	events []remote.Event
}

func (r *recorder) handle(ev remote.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) at(i int) remote.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

func TestStore_WritesAndGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	key, err := s.Push(ctx, "tickets", map[string]any{"id": 1, "mascota": "Luna"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("vetsync:tickets"))

	path := remote.JoinPath("tickets", key)
	require.NoError(t, s.Update(ctx, path, map[string]any{"estado": "espera"}))

	v, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"mascota":"Luna","estado":"espera"}`, string(v))

	all, err := s.Get(ctx, "tickets")
	require.NoError(t, err)
	var children map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(all, &children))
	assert.Contains(t, children, key)

	require.NoError(t, s.Remove(ctx, path))
	_, err = s.Get(ctx, path)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestStore_Subscribe(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Set(ctx, "tickets/a", map[string]any{"id": 1}))

	var added, changed, removed recorder
	_, err := s.Subscribe(ctx, "tickets", remote.EventChildAdded, added.handle)
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "tickets", remote.EventChildChanged, changed.handle)
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "tickets", remote.EventChildRemoved, removed.handle)
	require.NoError(t, err)

	// Existing child replayed synchronously
	require.Equal(t, 1, added.len())
	assert.Equal(t, "a", added.at(0).Key)

	require.NoError(t, s.Set(ctx, "tickets/b", map[string]any{"id": 2}))
	require.NoError(t, s.Update(ctx, "tickets/a", map[string]any{"estado": "rayosx"}))
	require.NoError(t, s.Remove(ctx, "tickets/b"))

	require.Eventually(t, func() bool {
		return added.len() == 2 && changed.len() == 1 && removed.len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "b", added.at(1).Key)
	assert.JSONEq(t, `{"id":1,"estado":"rayosx"}`, string(changed.at(0).Value))
	assert.Equal(t, "b", removed.at(0).Key)
}

func TestStore_Transaction(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "tickets/a", map[string]any{"n": 1}))

	ok, err := s.Transaction(ctx, "tickets/a", func(cur json.RawMessage) (json.RawMessage, error) {
		var v map[string]int
		require.NoError(t, json.Unmarshal(cur, &v))
		v["n"] += 10
		return json.Marshal(v)
	})
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := s.Get(ctx, "tickets/a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":11}`, string(v))

	ok, err = s.Transaction(ctx, "tickets/a", func(json.RawMessage) (json.RawMessage, error) {
		return nil, remote.ErrTransactionAborted
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Connectivity(t *testing.T) {
	s, mr := newTestStore(t)

	var conn recorder
	_, err := s.Subscribe(context.Background(), remote.ConnectedPath, remote.EventValue, conn.handle)
	require.NoError(t, err)
	require.Equal(t, 1, conn.len())
	assert.True(t, conn.at(0).Bool())

	mr.SetError("LOADING server is loading")
	require.Eventually(t, func() bool {
		return conn.len() >= 2 && !conn.at(conn.len()-1).Bool()
	}, 2*time.Second, 10*time.Millisecond)

	err = s.Set(context.Background(), "tickets/a", map[string]any{"id": 1})
	assert.ErrorIs(t, err, remote.ErrDisconnected)
}
