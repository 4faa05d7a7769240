package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
)

// OpKind is the write an Op replays.
type OpKind string

const (
	OpUpdate OpKind = "update"
	OpSet    OpKind = "set"
	OpPush   OpKind = "push"
	OpRemove OpKind = "remove"
	// OpAppend is an update whose billing note is merged into the stored
	// note on replay instead of replacing it.
	OpAppend OpKind = "append"
)

// Op is one pending write.
type Op struct {
	// ID is the target path and the enqueue time in nanoseconds joined by
	// "|". The same record may be queued several times.
	ID   string `cbor:"1,keyasint" json:"id"`
	Kind OpKind `cbor:"2,keyasint" json:"kind"`
	Path string `cbor:"3,keyasint" json:"path"`
	// Value holds the pushed or set value, or the update's field map.
	Value      json.RawMessage `cbor:"4,keyasint" json:"value,omitempty"`
	EnqueuedAt time.Time       `cbor:"5,keyasint" json:"enqueuedAt"`
	Attempts   int             `cbor:"6,keyasint" json:"attempts"`
	LastError  string          `cbor:"7,keyasint,omitempty" json:"lastError,omitempty"`
}

func opID(path string, at time.Time) string {
	return path + "|" + strconv.FormatInt(at.UnixNano(), 10)
}

func newOp(kind OpKind, path string, value any, at time.Time) (Op, error) {
	op := Op{ID: opID(path, at), Kind: kind, Path: path, EnqueuedAt: at}
	if value != nil {
		raw, err := remote.Marshal(value)
		if err != nil {
			return Op{}, fmt.Errorf("failed to encode %s of %s: %w", kind, path, err)
		}
		op.Value = raw
	}
	return op, nil
}

// apply performs the op against store.
func (op Op) apply(ctx context.Context, store remote.Store) error {
	switch op.Kind {
	case OpUpdate:
		fields, err := op.fields()
		if err != nil {
			return err
		}
		return store.Update(ctx, op.Path, fields)
	case OpAppend:
		fields, err := op.fields()
		if err != nil {
			return err
		}
		return appendNote(ctx, store, op.Path, fields)
	case OpSet:
		return store.Set(ctx, op.Path, op.Value)
	case OpPush:
		_, err := store.Push(ctx, op.Path, op.Value)
		return err
	case OpRemove:
		return store.Remove(ctx, op.Path)
	default:
		return fmt.Errorf("unknown queued op %q", op.Kind)
	}
}

func (op Op) fields() (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(op.Value, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode queued %s of %s: %w", op.Kind, op.Path, err)
	}
	return fields, nil
}

// appendNote writes fields to path in a transaction, with the billing note
// merged into whatever note the store holds by then. A record deleted in
// the meantime stays deleted.
func appendNote(ctx context.Context, store remote.Store, path string, fields map[string]any) error {
	note, _ := fields[schema.FieldBillingNote].(string)
	_, err := store.Transaction(ctx, path, func(cur json.RawMessage) (json.RawMessage, error) {
		if remote.IsNull(cur) {
			return nil, remote.ErrTransactionAborted
		}
		var stored map[string]json.RawMessage
		if err := json.Unmarshal(cur, &stored); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		var storedNote string
		if raw, ok := stored[schema.FieldBillingNote]; ok && !remote.IsNull(raw) {
			if err := json.Unmarshal(raw, &storedNote); err != nil {
				return nil, fmt.Errorf("failed to decode billing note of %s: %w", path, err)
			}
		}
		merged := maps.Clone(fields)
		merged[schema.FieldBillingNote] = schema.MergeBillingNotes(storedNote, note)
		return remote.MergeFields(cur, merged)
	})
	return err
}
