package mutator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicavet/vetsync/internal/mirror"
	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/reconcile"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
)

var testNow = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

const seed = `{"id":1,"mascota":"Luna","nombre":"Pérez","estado":"espera","fecha":"2026-10-18","urgencia":"normal","extra":"x"}`

type client struct {
	mirror *mirror.Mirror
	recon  *reconcile.Reconciler
	mut    *Mutator
	notes  *notify.Recorder
}

// newClient builds one user's mirror, reconciler and mutator over store,
// loaded from events the way the engine feeds them.
func newClient(t *testing.T, events *remote.MemoryStore, writes remote.Store, user string) *client {
	t.Helper()
	ctx := context.Background()

	m := mirror.New(schema.KindConsultation, mirror.Config{})
	r := reconcile.New(m, reconcile.NewCoalescer(reconcile.DefaultCoalescerConfig()), reconcile.DefaultConfig())
	notes := notify.NewRecorder()
	mut := New(writes, m, r, nil, Config{
		User:     user,
		Notifier: notes,
		Now:      func() time.Time { return testNow },
	})
	t.Cleanup(mut.Close)

	raw, err := events.Get(ctx, "tickets")
	require.NoError(t, err)
	var records []*schema.Record
	var all map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &all))
	for _, c := range remote.SortedChildren(all) {
		rec, err := schema.Decode(schema.KindConsultation, c.Key, c.Value)
		require.NoError(t, err)
		records = append(records, rec)
	}
	m.ApplySnapshot(records)

	_, err = events.Subscribe(ctx, "tickets", remote.EventChildChanged, func(ev remote.Event) {
		rec, err := schema.Decode(schema.KindConsultation, ev.Key, ev.Value)
		if err != nil {
			return
		}
		m.ApplyChanged(rec)
		mut.ConfirmIncoming(rec)
	})
	require.NoError(t, err)

	return &client{mirror: m, recon: r, mut: mut, notes: notes}
}

func seededStore(t *testing.T) *remote.MemoryStore {
	t.Helper()
	store := remote.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "tickets/a", json.RawMessage(seed)))
	store.ResetCalls()
	return store
}

func storedRecord(t *testing.T, store remote.Store, key string) map[string]any {
	t.Helper()
	raw, err := store.Get(context.Background(), "tickets/"+key)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSubmit_BillingNoteOnlyIsNarrowUpdate(t *testing.T) {
	store := seededStore(t)
	c := newClient(t, store, store, "ana")

	res, err := c.mut.AppendNote(context.Background(), "a", "needs X-ray")
	require.NoError(t, err)
	assert.Equal(t, StrategyNarrow, res.Strategy)
	assert.Equal(t, []string{schema.FieldBillingNote}, res.Changed)

	assert.Empty(t, store.CallsOf(remote.OpTransaction))
	updates := store.CallsOf(remote.OpUpdate)
	require.Len(t, updates, 1)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(updates[0].Value, &sent))
	assert.Len(t, sent, 2)
	assert.Contains(t, sent, schema.FieldBillingNote)
	assert.Contains(t, sent, schema.FieldLastEdited)

	want := "--- [2026-10-18 10:00] ana | #1 Luna ---\nneeds X-ray\n"
	assert.Equal(t, want, storedRecord(t, store, "a")[schema.FieldBillingNote])
	local, _ := c.mirror.Get("a")
	assert.Equal(t, want, local.BillingNote)
	assert.Zero(t, c.mut.Unconfirmed("a"))
}

func TestSubmit_StatusChangeUsesTransaction(t *testing.T) {
	store := seededStore(t)
	c := newClient(t, store, store, "ana")

	res, err := c.mut.SetStatus(context.Background(), "a", schema.StatusRoom(1))
	require.NoError(t, err)
	assert.Equal(t, StrategyTransaction, res.Strategy)
	assert.Equal(t, []string{schema.FieldStatus, schema.FieldServiceAt}, res.Changed)

	got := storedRecord(t, store, "a")
	assert.Equal(t, "consultorio1", got[schema.FieldStatus])
	assert.EqualValues(t, testNow.UnixMilli(), got[schema.FieldServiceAt])
	assert.Equal(t, "x", got["extra"], "fields unknown to the record type survive")
	history, ok := got[schema.FieldEditHistory].([]any)
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, "ana", history[0].(map[string]any)["usuario"])
	assert.Empty(t, store.CallsOf(remote.OpUpdate))
}

func TestSubmit_RejectedTransactionFallsBackToUpdate(t *testing.T) {
	store := seededStore(t)
	store.MaxTransactionRetries = 2
	store.BeforeCommit = func(string) bool { return true }
	c := newClient(t, store, store, "ana")

	res, err := c.mut.SetStatus(context.Background(), "a", schema.StatusRadiology)
	require.NoError(t, err)
	assert.Equal(t, StrategyFallback, res.Strategy)
	assert.Len(t, store.CallsOf(remote.OpTransaction), 3)

	updates := store.CallsOf(remote.OpUpdate)
	require.Len(t, updates, 1)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(updates[0].Value, &sent))
	assert.Equal(t, "rayosx", sent[schema.FieldStatus])
	assert.Contains(t, sent, schema.FieldEditHistory)
	assert.Equal(t, "rayosx", storedRecord(t, store, "a")[schema.FieldStatus])
	assert.Zero(t, c.notes.Count(notify.LevelError))
}

func TestSubmit_FallbackFailureIsVisible(t *testing.T) {
	store := seededStore(t)
	store.SetFault(remote.OpTransaction, errors.New("boom"))
	store.SetFault(remote.OpUpdate, remote.ErrPermissionDenied)
	c := newClient(t, store, store, "ana")

	_, err := c.mut.SetStatus(context.Background(), "a", schema.StatusRoom(2))
	require.ErrorIs(t, err, remote.ErrPermissionDenied)
	assert.Equal(t, 1, c.notes.Count(notify.LevelError))

	local, _ := c.mirror.Get("a")
	assert.Equal(t, schema.StatusWaiting, local.Status, "optimistic patch is undone")
	assert.Equal(t, "espera", storedRecord(t, store, "a")[schema.FieldStatus])
}

func TestSubmit_RecordDeletedMeanwhile(t *testing.T) {
	store := seededStore(t)
	c := newClient(t, store, store, "ana")
	require.NoError(t, store.Remove(context.Background(), "tickets/a"))

	_, err := c.mut.SetStatus(context.Background(), "a", schema.StatusRoom(1))
	require.ErrorIs(t, err, ErrRecordGone)
	assert.Empty(t, store.CallsOf(remote.OpUpdate), "no fallback write recreates the record")
	assert.Equal(t, 1, c.notes.Count(notify.LevelError))
}

func TestSubmit_NoChange(t *testing.T) {
	store := seededStore(t)
	c := newClient(t, store, store, "ana")

	res, err := c.mut.SetStatus(context.Background(), "a", schema.StatusWaiting)
	require.NoError(t, err)
	assert.Equal(t, StrategyNone, res.Strategy)
	assert.Empty(t, store.Calls())
}

func TestSubmit_UnknownRecord(t *testing.T) {
	store := seededStore(t)
	c := newClient(t, store, store, "ana")

	_, err := c.mut.SetStatus(context.Background(), "zzz", schema.StatusRoom(1))
	assert.ErrorIs(t, err, ErrUnknownRecord)
}

func TestSubmit_OfflineEditIsQueued(t *testing.T) {
	store := seededStore(t)
	q, err := offline.New(store, offline.Config{})
	require.NoError(t, err)
	c := newClient(t, store, q, "ana")

	res, err := c.mut.SetStatus(context.Background(), "a", schema.StatusRoom(3))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, StrategyFallback, res.Strategy)

	local, _ := c.mirror.Get("a")
	assert.Equal(t, "consultorio3", local.Status)
	assert.Len(t, q.Pending(), 1)

	q.SetConnected(true)
	q.Drain(context.Background())
	assert.Equal(t, "consultorio3", storedRecord(t, store, "a")[schema.FieldStatus])
}

func TestSubmit_FieldsAndRefresh(t *testing.T) {
	store := seededStore(t)
	c := newClient(t, store, store, "ana")

	var full int
	c.recon.Register(reconcile.ViewFuncs{Full: func(schema.Kind, []*schema.Record) { full++ }})
	full = 0

	res, err := c.mut.Submit(context.Background(), Edit{
		Key:    "a",
		Fields: map[string]any{"motivo": "vómitos", "doctor": "Dra. Ruiz"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doctor", "motivo"}, res.Changed)
	assert.Equal(t, 1, full, "the view is re-derived after the write")

	got := storedRecord(t, store, "a")
	assert.Equal(t, "vómitos", got["motivo"])
	assert.Equal(t, "Dra. Ruiz", got["doctor"])
}

// gatedStore holds the first Update until released.
type gatedStore struct {
	remote.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Update(ctx context.Context, path string, fields map[string]any) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Store.Update(ctx, path, fields)
}

// Two users append to the same empty note; B's write lands before A's and
// omits A's entry. Both entries end up in the store and in both mirrors.
func TestConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	gate := &gatedStore{Store: store, entered: make(chan struct{}), release: make(chan struct{})}

	a := newClient(t, store, gate, "ana")
	b := newClient(t, store, store, "beto")

	done := make(chan error, 1)
	go func() {
		_, err := a.mut.AppendNote(ctx, "a", "needs X-ray")
		done <- err
	}()
	<-gate.entered

	_, err := b.mut.AppendNote(ctx, "a", "also vaccine")
	require.NoError(t, err)

	close(gate.release)
	require.NoError(t, <-done)

	entryA := "--- [2026-10-18 10:00] ana | #1 Luna ---\nneeds X-ray\n"
	entryB := "--- [2026-10-18 10:00] beto | #1 Luna ---\nalso vaccine\n"
	hasBoth := func(note string) bool {
		entries, _ := schema.ParseBillingEntries(note)
		return len(entries) == 2 &&
			schema.ContainsBillingEntry(note, mustEntry(t, entryA)) &&
			schema.ContainsBillingEntry(note, mustEntry(t, entryB))
	}

	require.Eventually(t, func() bool {
		note, _ := storedRecord(t, store, "a")[schema.FieldBillingNote].(string)
		return hasBoth(note)
	}, 2*time.Second, 10*time.Millisecond)
	a.mut.Wait()
	b.mut.Wait()

	for _, c := range []*client{a, b} {
		local, _ := c.mirror.Get("a")
		assert.True(t, hasBoth(local.BillingNote), local.BillingNote)
	}
}

func mustEntry(t *testing.T, s string) schema.BillingEntry {
	t.Helper()
	entries, _ := schema.ParseBillingEntries(s)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestConfirmIncoming_GivesUpAfterRepairs(t *testing.T) {
	store := seededStore(t)
	c := newClient(t, store, store, "ana")
	// Nothing the client writes ever reaches the store.
	c.mut.store = remote.NewMemoryStore()

	_, err := c.mut.AppendNote(context.Background(), "a", "needs X-ray")
	require.NoError(t, err)

	stale, err := schema.Decode(schema.KindConsultation, "a", json.RawMessage(seed))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		c.mut.ConfirmIncoming(stale)
		c.mut.Wait()
	}
	assert.Equal(t, 1, c.notes.Count(notify.LevelWarning))
	assert.Zero(t, c.mut.Unconfirmed("a"))
}

// Ana appends while offline and hears nothing until she reconnects. Beto
// appends meanwhile and stops watching his entry. Replaying Ana's queued
// append must keep Beto's entry.
func TestOfflineAppendKeepsConcurrentEntryOnReplay(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	q, err := offline.New(store, offline.Config{})
	require.NoError(t, err)

	a := newClient(t, seededStore(t), q, "ana")
	b := newClient(t, store, store, "beto")

	res, err := a.mut.AppendNote(ctx, "a", "needs X-ray")
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.Len(t, q.Pending(), 1)
	assert.Equal(t, offline.OpAppend, q.Pending()[0].Kind)

	_, err = b.mut.AppendNote(ctx, "a", "also vaccine")
	require.NoError(t, err)
	b.mut.Forget("a")

	q.SetConnected(true)
	q.Drain(ctx)
	require.Empty(t, q.Pending())

	entryA := mustEntry(t, "--- [2026-10-18 10:00] ana | #1 Luna ---\nneeds X-ray\n")
	entryB := mustEntry(t, "--- [2026-10-18 10:00] beto | #1 Luna ---\nalso vaccine\n")
	note, _ := storedRecord(t, store, "a")[schema.FieldBillingNote].(string)
	entries, _ := schema.ParseBillingEntries(note)
	assert.Len(t, entries, 2, note)
	assert.True(t, schema.ContainsBillingEntry(note, entryA), note)
	assert.True(t, schema.ContainsBillingEntry(note, entryB), note)

	require.Eventually(t, func() bool {
		local, _ := b.mirror.Get("a")
		return schema.ContainsBillingEntry(local.BillingNote, entryA) &&
			schema.ContainsBillingEntry(local.BillingNote, entryB)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmit_RejectsProtectedFields(t *testing.T) {
	for _, name := range []string{schema.FieldStatus, schema.FieldBillingNote} {
		t.Run(name, func(t *testing.T) {
			store := seededStore(t)
			c := newClient(t, store, store, "ana")

			_, err := c.mut.Submit(context.Background(), Edit{
				Key:    "a",
				Fields: map[string]any{name: "x"},
			})
			require.ErrorIs(t, err, ErrProtectedField)
			assert.Empty(t, store.Calls())

			local, _ := c.mirror.Get("a")
			assert.Equal(t, schema.StatusWaiting, local.Status)
			assert.Empty(t, local.BillingNote)
		})
	}
}
