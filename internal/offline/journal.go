package offline

import (
	"sort"
	"sync"
)

// Journal persists pending ops so a restart can replay them.
type Journal interface {
	// Append stores a new op.
	Append(op Op) error
	// Save updates a stored op (attempt count, last error).
	Save(op Op) error
	// Delete removes an op. Deleting a missing op is not an error.
	Delete(id string) error
	// Load returns every stored op in enqueue order.
	Load() ([]Op, error)
	// Clear removes every op.
	Clear() error
	Close() error
}

// MemoryJournal keeps ops in memory only.
type MemoryJournal struct {
	mu  sync.Mutex
	ops map[string]Op
}

// NewMemoryJournal returns an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{ops: make(map[string]Op)}
}

func (j *MemoryJournal) Append(op Op) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops[op.ID] = op
	return nil
}

func (j *MemoryJournal) Save(op Op) error {
	return j.Append(op)
}

func (j *MemoryJournal) Delete(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.ops, id)
	return nil
}

func (j *MemoryJournal) Load() ([]Op, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Op, 0, len(j.ops))
	for _, op := range j.ops {
		out = append(out, op)
	}
	sortOps(out)
	return out, nil
}

func (j *MemoryJournal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = make(map[string]Op)
	return nil
}

func (j *MemoryJournal) Close() error { return nil }

func sortOps(ops []Op) {
	sort.SliceStable(ops, func(a, b int) bool {
		if ops[a].EnqueuedAt.Equal(ops[b].EnqueuedAt) {
			return ops[a].ID < ops[b].ID
		}
		return ops[a].EnqueuedAt.Before(ops[b].EnqueuedAt)
	})
}
