package rtdb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicavet/vetsync/internal/remote"
)

func kindsOf(events []remote.Event) []remote.EventKind {
	out := make([]remote.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestCollectionCache_InitialPut(t *testing.T) {
	c := newCollectionCache()

	events, err := c.apply("tickets", "put", []byte(`{"path":"/","data":{"b":{"id":2},"a":{"id":1}}}`))
	require.NoError(t, err)
	assert.Equal(t, []remote.EventKind{remote.EventChildAdded, remote.EventChildAdded, remote.EventValue}, kindsOf(events))
	assert.Equal(t, "a", events[0].Key, "children are added in key order")

	// An empty initial collection still produces a value event
	empty := newCollectionCache()
	events, err = empty.apply("laboTickets", "put", []byte(`{"path":"/","data":null}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, remote.EventValue, events[0].Kind)
	assert.True(t, remote.IsNull(events[0].Value))
}

func TestCollectionCache_Reconnect(t *testing.T) {
	c := newCollectionCache()
	_, err := c.apply("tickets", "put", []byte(`{"path":"/","data":{"a":{"id":1},"b":{"id":2}}}`))
	require.NoError(t, err)

	// After a reconnect the server resends the full collection; only real
	// differences become child events.
	events, err := c.apply("tickets", "put", []byte(`{"path":"/","data":{"a":{"id":1},"c":{"id":3}}}`))
	require.NoError(t, err)
	assert.Equal(t, []remote.EventKind{remote.EventChildRemoved, remote.EventChildAdded, remote.EventValue}, kindsOf(events))
	assert.Equal(t, "b", events[0].Key)
	assert.JSONEq(t, `{"id":2}`, string(events[0].Value))

	events, err = c.apply("tickets", "put", []byte(`{"path":"/","data":{"a":{"id":1},"c":{"id":3}}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCollectionCache_ChildPuts(t *testing.T) {
	c := newCollectionCache()
	_, err := c.apply("tickets", "put", []byte(`{"path":"/","data":{"a":{"id":1,"estado":"espera"}}}`))
	require.NoError(t, err)

	tests := []struct {
		name  string
		data  string
		kinds []remote.EventKind
		check func(t *testing.T)
	}{
		{
			name:  "new child",
			data:  `{"path":"/b","data":{"id":2}}`,
			kinds: []remote.EventKind{remote.EventChildAdded, remote.EventValue},
		},
		{
			name:  "field put",
			data:  `{"path":"/a/estado","data":"consultorio1"}`,
			kinds: []remote.EventKind{remote.EventChildChanged, remote.EventValue},
			check: func(t *testing.T) {
				assert.JSONEq(t, `{"id":1,"estado":"consultorio1"}`, string(c.children["a"]))
			},
		},
		{
			name:  "field delete",
			data:  `{"path":"/a/estado","data":null}`,
			kinds: []remote.EventKind{remote.EventChildChanged, remote.EventValue},
			check: func(t *testing.T) {
				assert.JSONEq(t, `{"id":1}`, string(c.children["a"]))
			},
		},
		{
			name:  "child delete",
			data:  `{"path":"/b","data":null}`,
			kinds: []remote.EventKind{remote.EventChildRemoved, remote.EventValue},
		},
		{
			name:  "delete of unknown child",
			data:  `{"path":"/zzz","data":null}`,
			kinds: []remote.EventKind{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := c.apply("tickets", "put", []byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.kinds, kindsOf(events))
			if tt.check != nil {
				tt.check(t)
			}
		})
	}
}

func TestCollectionCache_Patch(t *testing.T) {
	c := newCollectionCache()
	_, err := c.apply("tickets", "put", []byte(`{"path":"/","data":{"a":{"id":1,"estado":"espera","motivo":"x"}}}`))
	require.NoError(t, err)

	events, err := c.apply("tickets", "patch", []byte(`{"path":"/a","data":{"estado":"rayosx","motivo":null}}`))
	require.NoError(t, err)
	require.Equal(t, []remote.EventKind{remote.EventChildChanged, remote.EventValue}, kindsOf(events))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(events[0].Value, &rec))
	assert.Equal(t, "rayosx", rec["estado"])
	assert.NotContains(t, rec, "motivo")

	// Root patch addressing several children at once
	events, err = c.apply("tickets", "patch", []byte(`{"path":"/","data":{"a":null,"b":{"id":2}}}`))
	require.NoError(t, err)
	assert.Equal(t, []remote.EventKind{remote.EventChildRemoved, remote.EventChildAdded, remote.EventValue}, kindsOf(events))
}

func TestCollectionCache_BadPayload(t *testing.T) {
	c := newCollectionCache()
	_, err := c.apply("tickets", "put", []byte(`not json`))
	assert.Error(t, err)

	events, err := c.apply("tickets", "keep-alive", []byte(`null`))
	assert.NoError(t, err)
	assert.Empty(t, events)
}
