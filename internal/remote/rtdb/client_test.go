package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicavet/vetsync/internal/remote"
)

// fakeDatabase is a minimal REST endpoint holding a single record.
type fakeDatabase struct {
	mu       sync.Mutex
	value    string
	version  int
	requests []string
	// conflicts is the number of conditional writes to reject.
	conflicts int
	status    int
}

func (f *fakeDatabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := io.ReadAll(r.Body)
	f.requests = append(f.requests, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)

	if f.status != 0 {
		w.WriteHeader(f.status)
		fmt.Fprint(w, `{"error":"Permission denied"}`)
		return
	}

	etag := fmt.Sprintf("etag-%d", f.version)
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("ETag", etag)
		fmt.Fprint(w, f.value)
	case http.MethodPost:
		fmt.Fprint(w, `{"name":"-Nnew"}`)
	case http.MethodPatch:
		f.value = string(body)
		f.version++
		fmt.Fprint(w, string(body))
	case http.MethodPut:
		if m := r.Header.Get("if-match"); m != "" {
			if f.conflicts > 0 {
				f.conflicts--
				f.version++
				w.Header().Set("ETag", fmt.Sprintf("etag-%d", f.version))
				w.WriteHeader(http.StatusPreconditionFailed)
				fmt.Fprint(w, f.value)
				return
			}
			if m != etag {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
		}
		f.value = string(body)
		f.version++
		fmt.Fprint(w, string(body))
	case http.MethodDelete:
		f.value = "null"
		fmt.Fprint(w, "null")
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.AuthToken = "secret"
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClient_Writes(t *testing.T) {
	db := &fakeDatabase{value: `{"id":1}`}
	c := newTestClient(t, db)
	ctx := context.Background()

	key, err := c.Push(ctx, "tickets", map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "-Nnew", key)

	require.NoError(t, c.Update(ctx, "tickets/-Nnew", map[string]any{"estado": "espera"}))
	require.NoError(t, c.Set(ctx, "tickets/-Nnew", map[string]any{"id": 1}))
	require.NoError(t, c.Remove(ctx, "tickets/-Nnew"))

	_, err = c.Get(ctx, "tickets/-Nnew")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	require.Len(t, db.requests, 5)
	assert.Equal(t, "POST /tickets.json?auth=secret", db.requests[0])
	assert.Equal(t, "PATCH /tickets/-Nnew.json?auth=secret", db.requests[1])
}

func TestClient_Transaction(t *testing.T) {
	db := &fakeDatabase{value: `{"n":1}`, conflicts: 2}
	c := newTestClient(t, db)

	attempts := 0
	ok, err := c.Transaction(context.Background(), "tickets/a", func(cur json.RawMessage) (json.RawMessage, error) {
		attempts++
		return json.RawMessage(`{"n":2}`), nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, `{"n":2}`, db.value)
}

func TestClient_TransactionGivesUp(t *testing.T) {
	db := &fakeDatabase{value: `{"n":1}`, conflicts: 100}
	c := newTestClient(t, db)
	c.cfg.MaxTransactionRetries = 2

	ok, err := c.Transaction(context.Background(), "tickets/a", func(cur json.RawMessage) (json.RawMessage, error) {
		return cur, nil
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, remote.ErrTransactionConflict)
}

func TestClient_PermissionDenied(t *testing.T) {
	c := newTestClient(t, &fakeDatabase{status: http.StatusUnauthorized})
	err := c.Update(context.Background(), "tickets/a", map[string]any{"id": 1})
	assert.ErrorIs(t, err, remote.ErrPermissionDenied)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultConfig(url)
	cfg.Timeout = time.Second
	c, err := New(cfg)
	require.NoError(t, err)

	err = c.Set(context.Background(), "tickets/a", map[string]any{"id": 1})
	assert.ErrorIs(t, err, remote.ErrDisconnected)
}

func TestClient_Stream(t *testing.T) {
	var connections atomic.Int32
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "stream only", http.StatusBadRequest)
			return
		}
		connections.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: put\ndata: {\"path\":\"/\",\"data\":{\"a\":{\"id\":1}}}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event: patch\ndata: {\"path\":\"/a\",\"data\":{\"estado\":\"espera\"}}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event: keep-alive\ndata: null\n\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))

	var (
		mu      sync.Mutex
		added   []string
		changed []string
		online  []bool
	)
	_, err := c.Subscribe(context.Background(), remote.ConnectedPath, remote.EventValue, func(ev remote.Event) {
		mu.Lock()
		online = append(online, ev.Bool())
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = c.Subscribe(ctx, "tickets", remote.EventChildChanged, func(ev remote.Event) {
		mu.Lock()
		changed = append(changed, string(ev.Value))
		mu.Unlock()
	})
	require.NoError(t, err)
	// Joins the running stream; children it already knows are replayed.
	_, err = c.Subscribe(ctx, "tickets", remote.EventChildAdded, func(ev remote.Event) {
		mu.Lock()
		added = append(added, ev.Key)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(added) == 1 && len(changed) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a"}, added)
	assert.JSONEq(t, `{"id":1,"estado":"espera"}`, changed[0])
	assert.Equal(t, []bool{false, true}, online)
	mu.Unlock()
	assert.Equal(t, int32(1), connections.Load(), "subscriptions share one stream")
}
