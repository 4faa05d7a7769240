package mutator

import (
	"sync"

	"github.com/clinicavet/vetsync/internal/mirror"
)

// Counter hands out per-day display numbers. A number is never reused
// within a day, even if the record holding it was deleted.
type Counter struct {
	mirror *mirror.Mirror

	mu   sync.Mutex
	day  string
	last int
}

// NewCounter returns a Counter that also respects the numbers already
// present in m.
func NewCounter(m *mirror.Mirror) *Counter {
	return &Counter{mirror: m}
}

// Next returns the next display number for day.
func (c *Counter) Next(day string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if day != c.day {
		c.day = day
		c.last = 0
	}
	c.last = max(c.last, c.mirror.MaxDisplayID(day)) + 1
	return c.last
}

// Reset forgets the numbers handed out so far. Called at midnight.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = ""
	c.last = 0
}
