package mutator

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/schema"
)

func (m *Mutator) remember(key string, e schema.BillingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[key] = append(m.pending[key], &pendingAppend{entry: e})
}

func (m *Mutator) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key)
}

// Forget drops the watched billing entries of a removed record.
func (m *Mutator) Forget(key string) {
	m.forget(key)
}

// Unconfirmed returns how many of this client's billing entries for key
// the store has not shown yet.
func (m *Mutator) Unconfirmed(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending[key] {
		if p.seenAt.IsZero() {
			n++
		}
	}
	return n
}

// ConfirmIncoming checks a record value received from the store against
// the billing entries this client appended to it.
//
// An entry missing from the incoming note was overwritten by a client that
// had not seen it yet, so the merged note is written again. Entries stay
// watched until SettleWindow after the store last showed them, and are
// given up with a warning after RepairAttempts re-sends.
func (m *Mutator) ConfirmIncoming(incoming *schema.Record) {
	key := incoming.RemoteKey
	now := m.cfg.Now()

	m.mu.Lock()
	list := m.pending[key]
	if len(list) == 0 {
		m.mu.Unlock()
		return
	}
	var missing, keep []*pendingAppend
	var abandoned int
	for _, p := range list {
		if schema.ContainsBillingEntry(incoming.BillingNote, p.entry) {
			if p.seenAt.IsZero() {
				p.seenAt = now
			}
			if now.Sub(p.seenAt) < m.cfg.SettleWindow {
				keep = append(keep, p)
			}
			continue
		}
		if p.repairs >= m.cfg.RepairAttempts {
			abandoned++
			continue
		}
		p.repairs++
		p.seenAt = time.Time{}
		missing = append(missing, p)
		keep = append(keep, p)
	}
	if len(keep) == 0 {
		delete(m.pending, key)
	} else {
		m.pending[key] = keep
	}
	m.mu.Unlock()

	log := m.log.With(zap.String("key", key))
	if abandoned > 0 {
		log.Warn("giving up on billing entries", zap.Int("count", abandoned))
		notify.Warn(m.cfg.Notifier, NoteRepairMessage)
	}
	if len(missing) == 0 {
		return
	}

	note := incoming.BillingNote
	for _, p := range missing {
		note = schema.MergeBillingNotes(note, p.entry.String())
	}
	log.Info("re-sending billing entries missing from the store", zap.Int("count", len(missing)))

	path := m.kind.Collection() + "/" + key
	fields := map[string]any{schema.FieldBillingNote: note}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.update(m.ctx, path, fields)
		if err != nil && !errors.Is(err, offline.ErrQueued) {
			log.Error("failed to repair billing note", zap.Error(err))
		}
	}()
}
