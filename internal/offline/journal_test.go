package offline

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestJournals(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) Journal
	}{
		{"memory", func(t *testing.T) Journal { return NewMemoryJournal() }},
		{"sqlite", func(t *testing.T) Journal {
			j, err := OpenSQLiteJournal(filepath.Join(t.TempDir(), "nested", "queue.db"))
			if err != nil {
				t.Fatalf("OpenSQLiteJournal: %v", err)
			}
			return j
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := tt.open(t)
			defer j.Close()

			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			late := Op{ID: opID("tickets/b", base.Add(time.Second)), Kind: OpRemove, Path: "tickets/b", EnqueuedAt: base.Add(time.Second)}
			early := Op{ID: opID("tickets/a", base), Kind: OpUpdate, Path: "tickets/a", Value: json.RawMessage(`{"estado":"espera"}`), EnqueuedAt: base}

			if err := j.Append(late); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := j.Append(early); err != nil {
				t.Fatalf("Append: %v", err)
			}

			early.Attempts = 2
			early.LastError = "boom"
			if err := j.Save(early); err != nil {
				t.Fatalf("Save: %v", err)
			}

			ops, err := j.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(ops) != 2 {
				t.Fatalf("Load returned %d ops, want 2", len(ops))
			}
			if ops[0].ID != early.ID || ops[1].ID != late.ID {
				t.Errorf("order = %s, %s", ops[0].ID, ops[1].ID)
			}
			if ops[0].Attempts != 2 || ops[0].LastError != "boom" {
				t.Errorf("saved op = %+v", ops[0])
			}
			if string(ops[0].Value) != `{"estado":"espera"}` {
				t.Errorf("value = %s", ops[0].Value)
			}

			if err := j.Delete(early.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := j.Delete("missing"); err != nil {
				t.Errorf("Delete missing: %v", err)
			}
			ops, _ = j.Load()
			if len(ops) != 1 || ops[0].ID != late.ID {
				t.Errorf("after delete: %+v", ops)
			}

			if err := j.Clear(); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			ops, _ = j.Load()
			if len(ops) != 0 {
				t.Errorf("after clear: %d ops", len(ops))
			}
		})
	}
}

func TestSQLiteJournal_CloseReportsCheckpointFailure(t *testing.T) {
	j, err := OpenSQLiteJournal(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteJournal: %v", err)
	}
	// The connection goes away underneath, so the checkpoint cannot run.
	if err := j.conn.Close(); err != nil {
		t.Fatalf("closing connection: %v", err)
	}

	err = j.Close()
	if err == nil || !strings.Contains(err.Error(), "checkpoint") {
		t.Fatalf("Close() = %v, want checkpoint error", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}
