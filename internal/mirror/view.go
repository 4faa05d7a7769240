package mirror

import "github.com/clinicavet/vetsync/internal/schema"

// Loaded reports whether a snapshot has been applied.
func (m *Mirror) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Len returns the number of records.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Get returns a copy of the record stored under key.
func (m *Mirror) Get(key string) (*schema.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// GetByClientID finds a record by its client-generated token.
func (m *Mirror) GetByClientID(clientID string) (*schema.Record, bool) {
	if clientID == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range m.order {
		if rec := m.records[key]; rec.ClientID == clientID {
			return rec.Clone(), true
		}
	}
	return nil, false
}

// CurrentView returns copies of the records accepted by keep, in mirror
// order. A nil keep returns every record.
func (m *Mirror) CurrentView(keep func(*schema.Record) bool) []*schema.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Record, 0, len(m.order))
	for _, key := range m.order {
		rec := m.records[key]
		if keep == nil || keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// MaxDisplayID returns the highest display number among records of day.
func (m *Mirror) MaxDisplayID(day string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	highest := 0
	for _, rec := range m.records {
		if rec.Day == day && rec.DisplayID > highest {
			highest = rec.DisplayID
		}
	}
	return highest
}
