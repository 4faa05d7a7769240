package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func TestMemoryStore_ChildEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	existing, err := s.Push(ctx, "tickets", map[string]any{"id": 1, "mascota": "Luna"})
	require.NoError(t, err)

	var added, changed, removed eventLog
	_, err = s.Subscribe(ctx, "tickets", EventChildAdded, added.handle)
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "tickets", EventChildChanged, changed.handle)
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "tickets", EventChildRemoved, removed.handle)
	require.NoError(t, err)

	// Existing children are replayed as added
	require.Len(t, added.events, 1)
	assert.Equal(t, existing, added.events[0].Key)

	key, err := s.Push(ctx, "tickets", map[string]any{"id": 2, "mascota": "Max"})
	require.NoError(t, err)
	assert.Greater(t, key, existing, "push keys must be time-ordered")
	require.Len(t, added.events, 2)

	require.NoError(t, s.Update(ctx, JoinPath("tickets", key), map[string]any{"estado": "espera"}))
	require.Len(t, changed.events, 1)
	assert.JSONEq(t, `{"id":2,"mascota":"Max","estado":"espera"}`, string(changed.last().Value))

	// Identical writes do not produce events
	require.NoError(t, s.Update(ctx, JoinPath("tickets", key), map[string]any{"estado": "espera"}))
	assert.Len(t, changed.events, 1)

	require.NoError(t, s.Remove(ctx, JoinPath("tickets", key)))
	require.Len(t, removed.events, 1)
	assert.Equal(t, key, removed.last().Key)
	assert.Contains(t, string(removed.last().Value), "Max")

	// Removing again is not an error and fires nothing
	require.NoError(t, s.Remove(ctx, JoinPath("tickets", key)))
	assert.Len(t, removed.events, 1)
}

func TestMemoryStore_ValueEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var values eventLog
	stop, err := s.Subscribe(ctx, "laboTickets", EventValue, values.handle)
	require.NoError(t, err)

	require.Len(t, values.events, 1)
	assert.True(t, IsNull(values.events[0].Value))

	_, err = s.Push(ctx, "laboTickets", map[string]any{"id": 1})
	require.NoError(t, err)
	require.Len(t, values.events, 2)
	children, err := values.last().Children()
	require.NoError(t, err)
	assert.Len(t, children, 1)

	stop()
	_, err = s.Push(ctx, "laboTickets", map[string]any{"id": 2})
	require.NoError(t, err)
	assert.Len(t, values.events, 2, "no events after unsubscribe")
}

func TestMemoryStore_UpdateNilDeletesField(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "tickets/a", map[string]any{"id": 1, "motivo": "control"}))
	require.NoError(t, s.Update(ctx, "tickets/a", map[string]any{"motivo": nil}))

	v, err := s.Get(ctx, "tickets/a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(v))

	_, err = s.Get(ctx, "tickets/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Disconnected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var conn eventLog
	_, err := s.Subscribe(ctx, ConnectedPath, EventValue, conn.handle)
	require.NoError(t, err)
	require.Len(t, conn.events, 1)
	assert.True(t, conn.last().Bool())

	s.SetConnected(false)
	assert.False(t, conn.last().Bool())

	_, err = s.Push(ctx, "tickets", map[string]any{"id": 1})
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, s.Update(ctx, "tickets/a", map[string]any{"id": 1}), ErrDisconnected)

	s.SetConnected(true)
	assert.True(t, conn.last().Bool())
	assert.Equal(t, []EventKind{EventValue, EventValue, EventValue}, conn.kinds())
}

func TestMemoryStore_Transaction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "tickets/a", map[string]any{"id": 1, "n": 1}))

	increment := func(cur json.RawMessage) (json.RawMessage, error) {
		var v map[string]int
		if err := json.Unmarshal(cur, &v); err != nil {
			return nil, err
		}
		v["n"]++
		return json.Marshal(v)
	}

	ok, err := s.Transaction(ctx, "tickets/a", increment)
	require.NoError(t, err)
	assert.True(t, ok)
	v, _ := s.Get(ctx, "tickets/a")
	assert.JSONEq(t, `{"id":1,"n":2}`, string(v))

	t.Run("abort", func(t *testing.T) {
		ok, err := s.Transaction(ctx, "tickets/a", func(json.RawMessage) (json.RawMessage, error) {
			return nil, ErrTransactionAborted
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("retries on concurrent change", func(t *testing.T) {
		conflicts := 2
		s.BeforeCommit = func(string) bool {
			if conflicts > 0 {
				conflicts--
				return true
			}
			return false
		}
		defer func() { s.BeforeCommit = nil }()

		ok, err := s.Transaction(ctx, "tickets/a", increment)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Len(t, s.CallsOf(OpTransaction), 1+1+3)
	})

	t.Run("gives up", func(t *testing.T) {
		s.BeforeCommit = func(string) bool { return true }
		s.MaxTransactionRetries = 2
		defer func() { s.BeforeCommit = nil }()

		ok, err := s.Transaction(ctx, "tickets/a", increment)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrTransactionConflict)
	})
}

func TestMemoryStore_Faults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	s.SetFault(OpUpdate, boom)
	assert.ErrorIs(t, s.Update(ctx, "tickets/a", map[string]any{"id": 1}), boom)
	require.NoError(t, s.Set(ctx, "tickets/a", map[string]any{"id": 1}))

	s.SetFault(OpUpdate, nil)
	require.NoError(t, s.Update(ctx, "tickets/a", map[string]any{"id": 2}))

	calls := s.CallsOf(OpUpdate)
	require.Len(t, calls, 2)
	assert.ErrorIs(t, calls[0].Err, boom)
	assert.NoError(t, calls[1].Err)
}

func TestMergeFields(t *testing.T) {
	out, err := MergeFields(Null, map[string]any{"a": 1, "b": nil})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	out, err = MergeFields(json.RawMessage(`{"a":1}`), map[string]any{"a": nil})
	require.NoError(t, err)
	assert.True(t, IsNull(out))
}

func TestSplitPath(t *testing.T) {
	c, k := SplitPath("tickets/-Nabc")
	assert.Equal(t, "tickets", c)
	assert.Equal(t, "-Nabc", k)

	c, k = SplitPath("/tickets/")
	assert.Equal(t, "tickets", c)
	assert.Empty(t, k)
}
