package mutator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/schema"
)

// Create stores a new record. Missing defaults are filled in, and a display
// number and client token are assigned. The returned record has an empty
// RemoteKey when the push was queued offline; it shows up through the
// subscription once replayed.
func (m *Mutator) Create(ctx context.Context, rec *schema.Record) (*schema.Record, error) {
	now := m.cfg.Now()
	rec = rec.Clone()
	rec.Kind = m.kind
	rec.RemoteKey = ""
	if rec.ClientID == "" {
		rec.ClientID = uuid.NewString()
	}
	if rec.CreatedBy == "" {
		rec.CreatedBy = m.cfg.User
	}
	rec.SetDefaults(now)
	if rec.DisplayID == 0 {
		rec.DisplayID = m.counter.Next(rec.Day)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	log := m.log.With(zap.String("randomId", rec.ClientID), zap.Int("id", rec.DisplayID))
	key, err := m.store.Push(ctx, m.kind.Collection(), rec)
	switch {
	case err == nil:
		rec.RemoteKey = key
		log.Info("record created", zap.String("key", key))
		return rec, nil
	case errors.Is(err, offline.ErrQueued):
		log.Info("record creation queued until reconnect")
		return rec, nil
	default:
		log.Error("failed to create record", zap.Error(err))
		notify.Error(m.cfg.Notifier, CreateFailedMessage)
		return nil, fmt.Errorf("failed to create %s record: %w", m.kind, err)
	}
}

// Delete removes a record from the store. The mirror follows when the
// removal event arrives.
func (m *Mutator) Delete(ctx context.Context, key string) error {
	path := m.kind.Collection() + "/" + key
	err := m.store.Remove(ctx, path)
	switch {
	case err == nil, errors.Is(err, offline.ErrQueued):
		m.forget(key)
		m.log.Info("record deleted", zap.String("key", key), zap.Bool("queued", err != nil))
		return nil
	default:
		m.log.Error("failed to delete record", zap.String("key", key), zap.Error(err))
		notify.Error(m.cfg.Notifier, DeleteFailedMessage)
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
}
