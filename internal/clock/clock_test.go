package clock

import (
	"testing"
	"time"
)

func TestNowFollowsSource(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)
	c := New(func() time.Time { return base })

	if got := c.Now(); !got.Equal(base) {
		t.Errorf("now = %v, want %v", got, base)
	}
	if got := c.Timestamp(); got != "2026-03-14 09:26:53" {
		t.Errorf("timestamp = %q", got)
	}
}

func TestSetTimeShiftsOffset(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	c := New(func() time.Time { return base })

	// Backend says it is 9:05; the device was five minutes slow.
	c.SetTime(base.Add(5 * time.Minute))

	if got := c.Offset(); got != 5*time.Minute {
		t.Errorf("offset = %v, want 5m", got)
	}
	if got := c.Now(); !got.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("now = %v", got)
	}
}
