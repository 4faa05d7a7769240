package inbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clinicavet/vetsync/internal/migrate"
	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
)

type imported struct {
	path   string
	result *migrate.ImportResult
	err    error
}

type importLog struct {
	mu   sync.Mutex
	seen []imported
	ch   chan struct{}
}

func newImportLog() *importLog {
	return &importLog{ch: make(chan struct{}, 10)}
}

func (l *importLog) record(path string, result *migrate.ImportResult, err error) {
	l.mu.Lock()
	l.seen = append(l.seen, imported{path, result, err})
	l.mu.Unlock()
	l.ch <- struct{}{}
}

func (l *importLog) wait(t *testing.T) imported {
	t.Helper()
	select {
	case <-l.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for import")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[len(l.seen)-1]
}

func startInbox(t *testing.T, dir string, store remote.Store, rec notify.Notifier) *importLog {
	t.Helper()
	log := newImportLog()
	in, err := New(dir, store, Config{
		DebounceInterval: 20 * time.Millisecond,
		OnImport:         log.record,
		Notifier:         rec,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { in.Stop() })
	return log
}

func TestInbox_ImportsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "laboTickets-hoy.jsonl")
	content := `{"_key":"l1","id":1,"mascota":"Luna","examenes":["hemograma"]}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	store := remote.NewMemoryStore()
	log := startInbox(t, dir, store, notify.Discard{})

	got := log.wait(t)
	if got.err != nil || got.result.Imported != 1 {
		t.Fatalf("import = %+v, %v", got.result, got.err)
	}
	if _, err := store.Get(context.Background(), "laboTickets/l1"); err != nil {
		t.Errorf("record not in the lab collection: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DoneDir, "laboTickets-hoy.jsonl")); err != nil {
		t.Errorf("file not moved to done: %v", err)
	}
}

func TestInbox_ImportsDroppedFile(t *testing.T) {
	dir := t.TempDir()
	store := remote.NewMemoryStore()
	rec := notify.NewRecorder()
	log := startInbox(t, dir, store, rec)

	path := filepath.Join(dir, "ignored.txt")
	if err := os.WriteFile(path, []byte("not an import"), 0600); err != nil {
		t.Fatal(err)
	}
	path = filepath.Join(dir, "pacientes.jsonl")
	content := `{"id":1,"mascota":"Max"}
{"id":0}
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	got := log.wait(t)
	if got.result.Imported != 1 || got.result.Skipped != 1 {
		t.Errorf("result = %+v", got.result)
	}
	if n := len(store.CallsOf(remote.OpPush)); n != 1 {
		t.Errorf("pushes = %d, want 1", n)
	}
	if rec.Count(notify.LevelWarning) != 1 {
		t.Errorf("warnings = %d, want 1", rec.Count(notify.LevelWarning))
	}
	if _, err := os.Stat(filepath.Join(dir, "ignored.txt")); err != nil {
		t.Error("non-JSONL file should be left alone")
	}
}

func TestInbox_InvalidFileMovedToFailed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tickets.jsonl"), []byte("{broken\n"), 0600); err != nil {
		t.Fatal(err)
	}

	log := startInbox(t, dir, remote.NewMemoryStore(), notify.Discard{})

	got := log.wait(t)
	if got.err == nil {
		t.Fatal("Expected import error")
	}
	if _, err := os.Stat(filepath.Join(dir, FailedDir, "tickets.jsonl")); err != nil {
		t.Errorf("file not moved to failed: %v", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		want schema.Kind
	}{
		{"tickets.jsonl", schema.KindConsultation},
		{"laboTickets-2026-10-18.jsonl", schema.KindLab},
		{"quirofano_semana.jsonl", schema.KindSurgery},
		{"/tmp/x/lab.jsonl", schema.KindLab},
		{"export.jsonl", schema.KindSurgery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.name, schema.KindSurgery); got != tt.want {
				t.Errorf("KindOf(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestNew_EmptyDir(t *testing.T) {
	if _, err := New("", remote.NewMemoryStore(), Config{}); err == nil {
		t.Error("Expected error for empty dir")
	}
}
