package reconcile

import (
	"sync"
	"testing"
	"time"

	"github.com/clinicavet/vetsync/internal/mirror"
	"github.com/clinicavet/vetsync/internal/schema"
)

type recordingView struct {
	full    [][]*schema.Record
	patched []*schema.Record
}

func (v *recordingView) FullRender(_ schema.Kind, records []*schema.Record) {
	v.full = append(v.full, records)
}

func (v *recordingView) PatchNode(_ schema.Kind, rec *schema.Record) {
	v.patched = append(v.patched, rec)
}

func setup(t *testing.T) (*mirror.Mirror, *Reconciler, *Coalescer, *recordingView) {
	t.Helper()
	m := mirror.New(schema.KindConsultation, mirror.Config{})
	c := NewCoalescer(DefaultCoalescerConfig())
	r := New(m, c, DefaultConfig())

	a := base()
	b := base()
	b.RemoteKey, b.DisplayID, b.PetName = "b", 2, "Max"
	m.ApplySnapshot([]*schema.Record{a, b})

	r.SetFilter(Filter{Statuses: []string{schema.StatusWaiting}})
	v := &recordingView{}
	r.Register(v)
	c.Flush()
	v.full, v.patched = nil, nil
	return m, r, c, v
}

// A status change that moves a record out of the filtered view triggers a
// full render without that record.
func TestReconciler_StatusChangeRendersFullView(t *testing.T) {
	m, _, c, v := setup(t)

	incoming := base()
	incoming.Status = schema.StatusRoom(1)
	if _, _, ok, err := m.ApplyChanged(incoming); !ok || err != nil {
		t.Fatalf("ApplyChanged() = %v, %v", ok, err)
	}
	c.Flush()

	if len(v.full) != 1 {
		t.Fatalf("full renders = %d, want 1", len(v.full))
	}
	if len(v.patched) != 0 {
		t.Errorf("patches = %d, want 0", len(v.patched))
	}
	for _, rec := range v.full[0] {
		if rec.RemoteKey == "a" {
			t.Error("record a still shown after leaving the filter")
		}
	}
}

// A billing-note-only change patches the node and does not re-render.
func TestReconciler_BillingNoteChangePatchesNode(t *testing.T) {
	m, _, c, v := setup(t)

	incoming := base()
	incoming.BillingNote = "--- [2026-10-18 10:00] ana | #1 Luna ---\nvacuna\n"
	if _, _, ok, err := m.ApplyChanged(incoming); !ok || err != nil {
		t.Fatalf("ApplyChanged() = %v, %v", ok, err)
	}
	c.Flush()

	if len(v.full) != 0 {
		t.Errorf("full renders = %d, want 0", len(v.full))
	}
	if len(v.patched) != 1 || v.patched[0].BillingNote != incoming.BillingNote {
		t.Fatalf("patches = %+v", v.patched)
	}
}

func TestReconciler_CoalescesBurstOfChanges(t *testing.T) {
	m, _, c, v := setup(t)

	for i := 0; i < 10; i++ {
		incoming := base()
		incoming.Reason = time.Duration(i).String()
		m.ApplyChanged(incoming)
	}
	added := base()
	added.RemoteKey, added.DisplayID = "c", 3
	m.ApplyAdded(added)
	m.ApplyAdded(added)

	if c.Pending() != 2 {
		t.Errorf("Pending() = %d, want node patch and one full render", c.Pending())
	}
	c.Flush()
	if len(v.full) != 1 || len(v.patched) != 1 {
		t.Errorf("full=%d patched=%d, want 1 and 1", len(v.full), len(v.patched))
	}
	if got := v.patched[0].Reason; got != time.Duration(9).String() {
		t.Errorf("patched with stale value %q", got)
	}
}

func TestReconciler_RemovalOfHiddenRecordIsIgnored(t *testing.T) {
	m, _, c, v := setup(t)

	finished := base()
	finished.RemoteKey, finished.DisplayID, finished.Status = "z", 9, schema.StatusFinished
	m.ApplyAdded(finished)
	m.ApplyRemoved("z")
	c.Flush()

	if len(v.full) != 0 {
		t.Errorf("full renders = %d for a record outside the filter", len(v.full))
	}

	m.ApplyRemoved("b")
	c.Flush()
	if len(v.full) != 1 || len(v.full[0]) != 1 {
		t.Errorf("after removing b: full renders = %+v", v.full)
	}
}

func TestReconciler_RefreshAndRegister(t *testing.T) {
	_, r, c, v := setup(t)

	r.Refresh()
	if len(v.full) != 1 || len(v.full[0]) != 2 {
		t.Errorf("Refresh() renders = %+v", v.full)
	}

	other := &recordingView{}
	unregister := r.Register(other)
	if len(other.full) != 1 {
		t.Error("Register() did not render the current view")
	}
	unregister()
	r.Refresh()
	if len(other.full) != 1 {
		t.Error("unregistered view still rendered")
	}
	c.Flush()

	if s := r.Stats(); s.FullRenders < 2 {
		t.Errorf("Stats() = %+v", s)
	}
}

// slowView holds its first full render until released and records what
// each render delivered once it completes.
type slowView struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	full [][]*schema.Record
}

func (v *slowView) FullRender(_ schema.Kind, records []*schema.Record) {
	first := false
	v.once.Do(func() { first = true })
	if first {
		close(v.entered)
		<-v.release
	}
	v.mu.Lock()
	v.full = append(v.full, records)
	v.mu.Unlock()
}

func (v *slowView) PatchNode(schema.Kind, *schema.Record) {}

// A render that read the list before a local edit must not land after the
// editor's own render of the edited list.
func TestReconciler_SlowRenderDoesNotOverwriteNewerEdit(t *testing.T) {
	m := mirror.New(schema.KindConsultation, mirror.Config{})
	r := New(m, NewCoalescer(DefaultCoalescerConfig()), DefaultConfig())
	m.ApplySnapshot([]*schema.Record{base()})

	v := &slowView{entered: make(chan struct{}), release: make(chan struct{})}
	registered := make(chan struct{})
	go func() {
		defer close(registered)
		r.Register(v)
	}()
	<-v.entered

	edited := make(chan struct{})
	go func() {
		defer close(edited)
		next := base()
		next.Status = schema.StatusRoom(1)
		m.PatchLocal(next)
		r.PatchNow(next)
		r.Refresh()
	}()

	// Give the edit a chance to overtake the held render.
	time.Sleep(20 * time.Millisecond)
	close(v.release)
	<-registered
	<-edited

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.full) != 2 {
		t.Fatalf("full renders = %d, want 2", len(v.full))
	}
	last := v.full[len(v.full)-1]
	if len(last) != 1 || last[0].Status != schema.StatusRoom(1) {
		t.Errorf("last render shows %+v, want record a in %s", last, schema.StatusRoom(1))
	}
}
