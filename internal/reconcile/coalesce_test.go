package reconcile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCoalescer() (*Coalescer, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	c := NewCoalescer(DefaultCoalescerConfig())
	c.now = clock.now
	return c, clock
}

func TestCoalescer_CollapsesBurst(t *testing.T) {
	c, clock := newTestCoalescer()
	var runs, last int

	for i := 1; i <= 5; i++ {
		i := i
		c.Schedule("tickets:full", 100*time.Millisecond, func() { runs++; last = i })
		clock.advance(30 * time.Millisecond)
		c.processPending()
	}
	if runs != 0 {
		t.Fatalf("work ran %d times during burst", runs)
	}

	clock.advance(100 * time.Millisecond)
	c.processPending()
	if runs != 1 || last != 5 {
		t.Errorf("runs = %d, last = %d; want a single run of the latest work", runs, last)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after firing", c.Pending())
	}
}

func TestCoalescer_MaxDelay(t *testing.T) {
	c, clock := newTestCoalescer()
	var runs int

	// Rescheduling every 20ms would starve a 50ms window forever.
	for i := 0; i < 20; i++ {
		c.Schedule("tickets:full", 50*time.Millisecond, func() { runs++ })
		clock.advance(20 * time.Millisecond)
		c.processPending()
	}
	if runs == 0 {
		t.Error("continuously rescheduled work never ran")
	}
}

func TestCoalescer_ShorterWindowWins(t *testing.T) {
	c, clock := newTestCoalescer()
	var ran bool

	c.Schedule("t", 250*time.Millisecond, func() {})
	c.Schedule("t", 50*time.Millisecond, func() { ran = true })
	clock.advance(60 * time.Millisecond)
	c.processPending()
	if !ran {
		t.Error("work did not run after the shorter window")
	}
}

func TestCoalescer_TargetsAreIndependent(t *testing.T) {
	c, clock := newTestCoalescer()
	var fast, slow bool

	c.Schedule("added", 50*time.Millisecond, func() { fast = true })
	c.Schedule("changed", 250*time.Millisecond, func() { slow = true })

	clock.advance(60 * time.Millisecond)
	c.processPending()
	if !fast || slow {
		t.Errorf("after 60ms fast=%v slow=%v, want true/false", fast, slow)
	}

	clock.advance(200 * time.Millisecond)
	c.processPending()
	if !slow {
		t.Error("slow target never ran")
	}
}

func TestCoalescer_CancelAndFlush(t *testing.T) {
	c, _ := newTestCoalescer()
	var a, b bool
	c.Schedule("a", time.Hour, func() { a = true })
	c.Schedule("b", time.Hour, func() { b = true })
	c.Cancel("a")
	c.Flush()
	if a || !b {
		t.Errorf("a=%v b=%v, want cancelled a and flushed b", a, b)
	}
}

func TestCoalescer_StartStop(t *testing.T) {
	c := NewCoalescer(CoalescerConfig{Tick: 5 * time.Millisecond})
	c.Start(context.Background())

	var runs atomic.Int32
	c.Schedule("x", 10*time.Millisecond, func() { runs.Add(1) })

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}
