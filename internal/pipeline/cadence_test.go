package pipeline

import (
	"testing"
	"time"
)

func fakeClock(c *cadence) *int64 {
	now := int64(0)
	c.nowNanos = func() int64 { return now }
	c.lastNS = 0
	return &now
}

func TestCadence_NothingStagedNeverDue(t *testing.T) {
	c := newCadence(time.Millisecond, 1)
	now := fakeClock(c)
	*now = int64(time.Hour)
	if c.due() {
		t.Fatal("due with nothing staged")
	}
}

func TestCadence_ByCount(t *testing.T) {
	c := newCadence(0, 3)
	fakeClock(c)
	for i := 0; i < 2; i++ {
		c.track()
		if c.due() {
			t.Fatalf("due after %d records", i+1)
		}
	}
	c.track()
	if !c.due() {
		t.Fatal("expected due at max pending")
	}
	if c.pending() != 0 {
		t.Fatalf("pending = %d after reset", c.pending())
	}
}

func TestCadence_ByInterval(t *testing.T) {
	c := newCadence(time.Second, 0)
	now := fakeClock(c)
	c.track()
	*now = int64(999 * time.Millisecond)
	if c.due() {
		t.Fatal("due before the interval elapsed")
	}
	*now = int64(time.Second)
	if !c.due() {
		t.Fatal("expected due once the interval elapsed")
	}

	// the interval restarts from the last checkpoint
	c.track()
	*now = int64(1500 * time.Millisecond)
	if c.due() {
		t.Fatal("due half an interval after the last checkpoint")
	}
}
